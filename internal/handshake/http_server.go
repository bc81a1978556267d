package handshake

import (
	"bufio"
	"encoding/base64"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/socks5balancer/gobalancer/internal/authdir"
	apperrors "github.com/socks5balancer/gobalancer/pkg/errors"
)

const http407Response = "HTTP/1.1 407 Proxy Authentication Required\r\n" +
	"Proxy-Authenticate: Basic realm=\"Access to internal site\", charset=\"UTF-8\"\r\n\r\n"

type httpHead struct {
	method  string
	target  string
	raw     []byte // request line + headers + blank line, verbatim
	headers map[string]string
}

// readHTTPHead reads one request head (request line through the blank
// line) from r, lower-casing header names for lookup while keeping raw
// bytes untouched for verbatim forwarding.
func readHTTPHead(r *bufio.Reader) (*httpHead, error) {
	var raw []byte
	requestLine, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	raw = append(raw, requestLine...)

	parts := strings.SplitN(strings.TrimRight(requestLine, "\r\n"), " ", 3)
	if len(parts) < 2 {
		return nil, apperrors.New(apperrors.KindProtocol, "http: malformed request line")
	}
	h := &httpHead{method: parts[0], target: parts[1], headers: map[string]string{}}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		raw = append(raw, line...)
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if i := strings.IndexByte(trimmed, ':'); i >= 0 {
			key := strings.ToLower(strings.TrimSpace(trimmed[:i]))
			h.headers[key] = strings.TrimSpace(trimmed[i+1:])
		}
	}
	h.raw = raw
	return h, nil
}

// authenticateHTTP checks Proxy-Authorization/Authorization against auth,
// preferring the pre-encoded Basic fast path over decode-then-pair.
func authenticateHTTP(h *httpHead, auth *authdir.Directory) (int, bool) {
	val := h.headers["proxy-authorization"]
	if val == "" {
		val = h.headers["authorization"]
	}
	const prefix = "Basic "
	if !strings.HasPrefix(val, prefix) {
		return -1, false
	}
	encoded := val[len(prefix):]

	if u, ok := auth.LookupBasic(encoded); ok {
		return u.ID, true
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return -1, false
	}
	pair := strings.SplitN(string(decoded), ":", 2)
	if len(pair) != 2 {
		return -1, false
	}
	if u, ok := auth.LookupPair(pair[0], pair[1]); ok {
		return u.ID, true
	}
	return -1, false
}

// httpServer runs the downstream HTTP proxy flow of spec §4.3: the 407
// retry loop, then either CONNECT (head consumed, synthetic ack
// deferred until upstream ready) or forward-proxy passthrough (head
// re-sent verbatim to the upstream, no synthetic ack).
func httpServer(r *bufio.Reader, w io.Writer, auth *authdir.Directory) (*downstreamResult, error) {
	authRequired := auth != nil && !auth.Empty()

	var head *httpHead
	authUserID := -1
	for {
		h, err := readHTTPHead(r)
		if err != nil {
			return nil, err
		}
		if authRequired {
			id, ok := authenticateHTTP(h, auth)
			if !ok {
				if _, err := w.Write([]byte(http407Response)); err != nil {
					return nil, err
				}
				continue
			}
			authUserID = id
		}
		head = h
		break
	}

	if strings.EqualFold(head.method, "CONNECT") {
		host, port, err := splitHostPort(head.target, 443)
		if err != nil {
			return nil, err
		}
		res := &downstreamResult{cmd: CmdConnect, targetHost: host, targetPort: port, authUserID: authUserID}
		res.sendFinalAck = func(_ string, _ int, upErr error) error {
			if upErr != nil {
				_, err := w.Write([]byte("HTTP/1.1 503 Service Unavailable\r\n\r\n"))
				return err
			}
			_, err := w.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
			return err
		}
		return res, nil
	}

	host, port, err := httpTargetFromHead(head)
	if err != nil {
		return nil, err
	}
	return &downstreamResult{
		cmd:         CmdConnect,
		targetHost:  host,
		targetPort:  port,
		authUserID:  authUserID,
		forwardHead: head.raw,
	}, nil
}

// httpTargetFromHead resolves host:port for a non-CONNECT request from
// either an absolute-form request-target or the Host header.
func httpTargetFromHead(h *httpHead) (string, int, error) {
	if strings.Contains(h.target, "://") {
		u, err := url.Parse(h.target)
		if err == nil && u.Host != "" {
			return splitHostPort(u.Host, 80)
		}
	}
	host := h.headers["host"]
	if host == "" {
		return "", 0, apperrors.New(apperrors.KindProtocol, "http: no Host header on forward request")
	}
	return splitHostPort(host, 80)
}

func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i+1:], "]") {
		port, err := strconv.Atoi(hostport[i+1:])
		if err == nil {
			return hostport[:i], port, nil
		}
	}
	return hostport, defaultPort, nil
}
