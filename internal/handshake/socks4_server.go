package handshake

import (
	"bufio"
	"fmt"
	"io"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	apperrors "github.com/socks5balancer/gobalancer/pkg/errors"
)

const (
	socks4ReplyGranted     = 0x5A
	socks4ReplyRejected    = 0x5B
	socks4ReplyNoIdentd    = 0x5C
	socks4ReplyBadUserID   = 0x5D
)

// socks4Server runs the downstream SOCKS4/4a server flow of spec §4.3.
// Only CONNECT is supported; BIND is rejected with reply code 0x5B.
func socks4Server(r *bufio.Reader, w io.Writer, auth *authdir.Directory) (*downstreamResult, error) {
	var fixed [8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	cmd := fixed[1]
	port := int(fixed[2])<<8 | int(fixed[3])
	ip := fixed[4:8]

	userID, err := r.ReadBytes(0x00)
	if err != nil {
		return nil, apperrors.New(apperrors.KindProtocol, "socks4: unterminated USERID")
	}
	userID = userID[:len(userID)-1]

	isSocks4a := ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0
	var host string
	if isSocks4a {
		hostBytes, err := r.ReadBytes(0x00)
		if err != nil {
			return nil, apperrors.New(apperrors.KindProtocol, "socks4a: unterminated HOSTNAME")
		}
		host = string(hostBytes[:len(hostBytes)-1])
	} else {
		host = fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
	}

	authRequired := auth != nil && !auth.Empty()
	authUserID := -1
	if authRequired {
		u, ok := auth.LookupUsername(string(userID))
		if !ok {
			w.Write(socks4Reply(socks4ReplyNoIdentd))
			return nil, apperrors.New(apperrors.KindAuth, "socks4: unknown USERID")
		}
		authUserID = u.ID
	}

	if cmd == 0x02 {
		w.Write(socks4Reply(socks4ReplyRejected))
		return nil, apperrors.New(apperrors.KindProtocol, "socks4: BIND not supported")
	}
	if cmd != 0x01 {
		w.Write(socks4Reply(socks4ReplyRejected))
		return nil, apperrors.New(apperrors.KindProtocol, "socks4: unknown CMD")
	}

	res := &downstreamResult{
		cmd:        CmdConnect,
		targetHost: host,
		targetPort: port,
		authUserID: authUserID,
	}
	res.sendFinalAck = func(_ string, _ int, upErr error) error {
		if upErr != nil {
			_, err := w.Write(socks4Reply(socks4ReplyRejected))
			return err
		}
		_, err := w.Write(socks4Reply(socks4ReplyGranted))
		return err
	}
	return res, nil
}

func socks4Reply(code byte) []byte {
	return []byte{0x00, code, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
}
