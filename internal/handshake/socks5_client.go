package handshake

import (
	"bufio"
	"io"
	"net"

	apperrors "github.com/socks5balancer/gobalancer/pkg/errors"
)

// upstreamRequest is what the coordinator asks the upstream client
// handshake to negotiate: the downstream's CMD mirrored onto the chosen
// upstream, plus its own credentials if it requires them.
type upstreamRequest struct {
	cmd      Cmd
	host     string
	port     int
	authUser string
	authPwd  string
}

// upstreamReply carries the upstream SOCKS5 server's BND.ADDR/BND.PORT
// back to the coordinator so the downstream final-ack can echo them.
type upstreamReply struct {
	bndHost string
	bndPort int
}

// socks5Client runs the hand-rolled upstream SOCKS5 client flow of spec
// §4.3: method negotiation, optional RFC 1929 subnegotiation, the CMD
// request mirroring the downstream's intent, and reply parsing. conn is
// wrapped in a bufio.Reader so any bytes read past the reply (a
// non-conformant upstream that writes ahead) survive into relay via the
// returned reader.
func socks5Client(conn net.Conn, req upstreamRequest) (*upstreamReply, *bufio.Reader, error) {
	br := bufio.NewReader(conn)

	useAuth := req.authUser != ""
	var methodReq []byte
	if useAuth {
		methodReq = []byte{0x05, 0x01, 0x02}
	} else {
		methodReq = []byte{0x05, 0x01, 0x00}
	}
	if _, err := conn.Write(methodReq); err != nil {
		return nil, nil, err
	}

	var methodResp [2]byte
	if _, err := io.ReadFull(br, methodResp[:]); err != nil {
		return nil, nil, err
	}
	if methodResp[0] != 0x05 {
		return nil, nil, apperrors.New(apperrors.KindUpstream, "upstream socks5: bad method-reply version")
	}

	switch methodResp[1] {
	case 0x00:
		// no auth, proceed directly
	case 0x02:
		if !useAuth {
			return nil, nil, apperrors.New(apperrors.KindUpstream, "upstream socks5: server demands auth we have no credentials for")
		}
		sub := make([]byte, 0, 3+len(req.authUser)+len(req.authPwd))
		sub = append(sub, 0x01, byte(len(req.authUser)))
		sub = append(sub, req.authUser...)
		sub = append(sub, byte(len(req.authPwd)))
		sub = append(sub, req.authPwd...)
		if _, err := conn.Write(sub); err != nil {
			return nil, nil, err
		}
		var subResp [2]byte
		if _, err := io.ReadFull(br, subResp[:]); err != nil {
			return nil, nil, err
		}
		if subResp[1] != 0x00 {
			return nil, nil, apperrors.New(apperrors.KindUpstream, "upstream socks5: subnegotiation rejected")
		}
	case 0xFF:
		return nil, nil, apperrors.New(apperrors.KindUpstream, "upstream socks5: no acceptable method")
	default:
		return nil, nil, apperrors.New(apperrors.KindUpstream, "upstream socks5: unexpected method selected")
	}

	cmdReq := []byte{0x05, byte(req.cmd), 0x00}
	cmdReq = append(cmdReq, encodeSocks5Addr(req.host, req.port)...)
	if _, err := conn.Write(cmdReq); err != nil {
		return nil, nil, err
	}

	var replyHdr [3]byte
	if _, err := io.ReadFull(br, replyHdr[:]); err != nil {
		return nil, nil, err
	}
	if replyHdr[0] != 0x05 {
		return nil, nil, apperrors.New(apperrors.KindUpstream, "upstream socks5: bad reply version")
	}
	if replyHdr[1] != 0x00 {
		return nil, nil, apperrors.New(apperrors.KindUpstream, "upstream socks5: CMD request refused")
	}

	addr, err := readSocks5Addr(br)
	if err != nil {
		return nil, nil, err
	}

	return &upstreamReply{bndHost: addr.hostString(), bndPort: int(addr.port)}, br, nil
}
