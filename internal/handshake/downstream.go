package handshake

// downstreamResult unifies what the coordinator needs from any of the
// three downstream protocols after their handshake prefix has been
// parsed: the target to connect upstream to, which auth user (if any)
// was bound, and a way to send the deferred final acknowledgement once
// the upstream side reports readyUp.
type downstreamResult struct {
	cmd        Cmd
	targetHost string
	targetPort int
	authUserID int // -1 when the session is unauthenticated

	// sendFinalAck sends the success or failure acknowledgement to the
	// client. bndHost/bndPort are what the upstream SOCKS5 reply
	// reported (zero value if upErr != nil). Called exactly once by the
	// coordinator after readyUp or on terminal upstream failure.
	sendFinalAck func(bndHost string, bndPort int, upErr error) error

	// forwardHead is set only for HTTP forward-proxy passthrough: the
	// verbatim request bytes (request line + headers + blank line) that
	// must be written to the upstream connection before relay starts,
	// since the request itself was never consumed from the downstream
	// reader.
	forwardHead []byte
}
