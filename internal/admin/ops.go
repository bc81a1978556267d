package admin

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/socks5balancer/gobalancer/internal/upstreampool"
)

// handleOp serves GET /op?<ops>, applying every recognized query
// parameter in spec §4.5's mutation table. Unknown parameters are
// ignored; recognized ones that fail (bad index, bad rule name) are
// reported in the "errors" array of the response but do not abort the
// remaining parameters.
func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var errs []string
	fail := func(msg string) { errs = append(errs, msg) }

	if v := q.Get("enable"); v != "" {
		s.withServer(v, fail, func(srv *upstreampool.Server) { srv.OperatorDisabled.Store(false) })
	}
	if v := q.Get("disable"); v != "" {
		s.withServer(v, fail, func(srv *upstreampool.Server) { srv.OperatorDisabled.Store(true) })
	}
	if v := q.Get("forceNowUseServer"); v != "" {
		s.withServer(v, fail, func(srv *upstreampool.Server) { s.pool.ForceUseServerNow(srv.Index) })
	}
	if v := q.Get("forceCheckServer"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			fail("bad forceCheckServer index")
		} else {
			s.pool.ForceCheckOne(idx)
		}
	}
	if q.Get("enableAllServer") == "1" {
		for _, srv := range s.pool.Servers() {
			srv.OperatorDisabled.Store(false)
		}
	}
	if q.Get("disableAllServer") == "1" {
		for _, srv := range s.pool.Servers() {
			srv.OperatorDisabled.Store(true)
		}
	}
	if q.Get("cleanAllCheckState") == "1" {
		now := time.Now()
		for _, srv := range s.pool.Servers() {
			srv.RecordTCPProbe(false, 0, now)
			srv.RecordHTTPSProbe(false, 0, "", now)
		}
	}
	if q.Get("forceCheckAllServer") == "1" {
		s.pool.ForceCheckNow()
	}
	if v := q.Get("endConnectOnServer"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			fail("bad endConnectOnServer index")
		} else if _, ok := s.reg.BucketByUpstream(int32(idx)); ok {
			s.reg.CloseAllByUpstream(int32(idx))
		} else {
			fail("no sessions for that upstream")
		}
	}
	if v := q.Get("endAllConnect"); v != "" {
		s.applyEndAllConnect(v, q, fail)
	}
	if v := q.Get("newRule"); v != "" {
		s.applyNewRule(v, q, fail)
	}

	resp := struct {
		OK     bool     `json:"ok"`
		Errors []string `json:"errors,omitempty"`
	}{OK: len(errs) == 0, Errors: errs}
	json.NewEncoder(w).Encode(resp)
}

// withServer resolves an index query value to a *upstreampool.Server
// and applies fn, recording a failure via fail if the index is invalid.
func (s *Server) withServer(idxStr string, fail func(string), fn func(*upstreampool.Server)) {
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		fail("bad server index " + idxStr)
		return
	}
	srv := s.pool.ServerByIndex(idx)
	if srv == nil {
		fail("no such server index " + idxStr)
		return
	}
	fn(srv)
}

// applyEndAllConnect closes sessions: "0" closes nothing (no-op, kept
// for the targeted/global parity with the other ops), "1" closes every
// session in the targeted client/listen bucket (or every upstream
// bucket if untargeted), "2" closes by upstream index given as
// _target.
func (s *Server) applyEndAllConnect(v string, q url.Values, fail func(string)) {
	switch v {
	case "0":
		// explicit no-op
	case "1":
		if target := q.Get("_target"); target != "" {
			switch q.Get("_targetMode") {
			case "client":
				s.reg.CloseAllByClient(target)
			case "listen":
				s.reg.CloseAllByListen(target)
			default:
				fail("endAllConnect=1 requires _targetMode")
			}
		} else {
			for _, srv := range s.pool.Servers() {
				s.reg.CloseAllByUpstream(int32(srv.Index))
			}
		}
	case "2":
		idx, err := strconv.Atoi(q.Get("_target"))
		if err != nil {
			fail("endAllConnect=2 requires numeric _target")
			return
		}
		s.reg.CloseAllByUpstream(int32(idx))
	default:
		fail("endAllConnect must be 0, 1, or 2")
	}
}

// applyNewRule changes the selection rule, globally or for one targeted
// bucket's per-bucket Rule field (admin-visible only; the handshake
// selects through the pool-global rule and never reads a bucket's Rule).
func (s *Server) applyNewRule(name string, q url.Values, fail func(string)) {
	rule, err := upstreampool.ParseRule(name)
	if err != nil {
		fail(err.Error())
		return
	}

	if target := q.Get("_target"); target != "" {
		switch q.Get("_targetMode") {
		case "client":
			if b, ok := s.reg.BucketByClient(target); ok {
				b.Rule.Store(rule)
				return
			}
		case "listen":
			if b, ok := s.reg.BucketByListen(target); ok {
				b.Rule.Store(rule)
				return
			}
		}
		fail("no such targeted bucket for newRule")
		return
	}

	s.pool.SetGlobalRule(upstreampool.GlobalRule(rule))
}
