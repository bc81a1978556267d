package handshake

import (
	"bufio"

	apperrors "github.com/socks5balancer/gobalancer/pkg/errors"
)

// protocol is the downstream wire protocol auto-detected from the first
// bytes of a connection (spec §4.3 detection table).
type protocol int

const (
	protoUnknown protocol = iota
	protoSocks5
	protoSocks4
	protoHTTP
)

// detectProtocol peeks at the first bytes of r without consuming them,
// classifying the connection per spec §4.3. It never blocks past r's
// own read deadline handling.
func detectProtocol(r *bufio.Reader, disableSocks4 bool) (protocol, error) {
	first, err := r.Peek(1)
	if err != nil {
		return protoUnknown, err
	}

	switch first[0] {
	case 0x05:
		return protoSocks5, nil
	case 0x04:
		if disableSocks4 {
			return protoUnknown, apperrors.New(apperrors.KindProtocol, "socks4 disabled by configuration")
		}
		return protoSocks4, nil
	}

	switch first[0] {
	case 'P', 'p', 'G', 'g', 'H', 'h', 'D', 'd', 'O', 'o', 'T', 't', 'C', 'c':
		return protoHTTP, nil
	}

	return protoUnknown, apperrors.New(apperrors.KindProtocol, "unrecognized client protocol")
}
