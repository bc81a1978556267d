package handshake

import (
	"bufio"
	"io"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	apperrors "github.com/socks5balancer/gobalancer/pkg/errors"
)

const (
	socks5MethodNoAuth   = 0x00
	socks5MethodUserPass = 0x02
	socks5MethodNoAccept = 0xFF
)

// socks5Server runs the downstream SOCKS5 server flow of spec §4.3 up to
// and including the CMD request, returning a downstreamResult whose
// sendFinalAck is deferred until the upstream side is ready.
func socks5Server(r *bufio.Reader, w io.Writer, auth *authdir.Directory) (*downstreamResult, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != 0x05 {
		return nil, apperrors.New(apperrors.KindProtocol, "socks5: bad version byte")
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, err
	}

	offersUserPass := false
	for _, m := range methods {
		if m == socks5MethodUserPass {
			offersUserPass = true
		}
	}

	authRequired := auth != nil && !auth.Empty()
	authUserID := -1

	if authRequired {
		if !offersUserPass {
			w.Write([]byte{0x05, socks5MethodNoAccept})
			return nil, apperrors.New(apperrors.KindAuth, "socks5: client did not offer username/password auth")
		}
		if _, err := w.Write([]byte{0x05, socks5MethodUserPass}); err != nil {
			return nil, err
		}

		var sub [2]byte
		if _, err := io.ReadFull(r, sub[:]); err != nil {
			return nil, err
		}
		if sub[0] != 0x01 {
			return nil, apperrors.New(apperrors.KindAuth, "socks5: bad subnegotiation version")
		}
		ulen := sub[1]
		if ulen == 0 {
			w.Write([]byte{0x01, socks5MethodNoAccept})
			return nil, apperrors.New(apperrors.KindAuth, "socks5: empty username")
		}
		uname := make([]byte, ulen)
		if _, err := io.ReadFull(r, uname); err != nil {
			return nil, err
		}
		var plenBuf [1]byte
		if _, err := io.ReadFull(r, plenBuf[:]); err != nil {
			return nil, err
		}
		if plenBuf[0] == 0 {
			w.Write([]byte{0x01, socks5MethodNoAccept})
			return nil, apperrors.New(apperrors.KindAuth, "socks5: empty password")
		}
		pwd := make([]byte, plenBuf[0])
		if _, err := io.ReadFull(r, pwd); err != nil {
			return nil, err
		}

		u, ok := auth.LookupPair(string(uname), string(pwd))
		if !ok {
			w.Write([]byte{0x01, socks5MethodNoAccept})
			return nil, apperrors.New(apperrors.KindAuth, "socks5: credential rejected")
		}
		if _, err := w.Write([]byte{0x01, 0x00}); err != nil {
			return nil, err
		}
		authUserID = u.ID
	} else {
		if _, err := w.Write([]byte{0x05, socks5MethodNoAuth}); err != nil {
			return nil, err
		}
	}

	var req [3]byte
	if _, err := io.ReadFull(r, req[:]); err != nil {
		return nil, err
	}
	if req[0] != 0x05 {
		return nil, apperrors.New(apperrors.KindProtocol, "socks5: bad request version")
	}
	cmd := Cmd(req[1])

	addr, err := readSocks5Addr(r)
	if err != nil {
		return nil, err
	}

	if cmd == CmdBind {
		w.Write(socks5Reply(0x07, "", 0))
		return nil, apperrors.New(apperrors.KindProtocol, "socks5: BIND not supported")
	}

	res := &downstreamResult{
		cmd:        cmd,
		targetHost: addr.hostString(),
		targetPort: int(addr.port),
		authUserID: authUserID,
	}
	res.sendFinalAck = func(bndHost string, bndPort int, upErr error) error {
		if upErr != nil {
			_, err := w.Write([]byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
			return err
		}
		_, err := w.Write(socks5Reply(0x00, bndHost, bndPort))
		return err
	}
	return res, nil
}

// socks5Reply builds `05 <rep> 00 <ATYP> <BND.ADDR> <BND.PORT>`, defaulting
// to 0.0.0.0:0 when bndHost is empty (no upstream bind info available).
func socks5Reply(rep byte, bndHost string, bndPort int) []byte {
	if bndHost == "" {
		return []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	}
	buf := []byte{0x05, rep, 0x00}
	buf = append(buf, encodeSocks5Addr(bndHost, bndPort)...)
	return buf
}
