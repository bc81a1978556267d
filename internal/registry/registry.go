// Package registry implements the multi-indexed statistics registry of
// spec §4.2: four families of aggregate buckets (by upstream, by client
// IP, by listen endpoint, by auth user), each owning a set of
// SessionViews that hold only weak references to the live Session.
package registry

import (
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/socks5balancer/gobalancer/internal/session"
	"github.com/socks5balancer/gobalancer/internal/upstreampool"
	"github.com/socks5balancer/gobalancer/pkg/logger"
)

// SessionView is the registry's record of one session, per spec §3. It
// holds a weak.Pointer so the registry never extends the session's
// lifetime (spec §5 "Resource policy"). weak.Pointer is the one
// stdlib-backed concern in this repo's otherwise third-party-first
// stack; see DESIGN.md for why no library could serve this instead.
type SessionView struct {
	Seq            int64
	Handle         int64
	UpstreamIndex  int32
	ClientAddrPort string
	ClientIP       string
	ListenAddr     string
	StartTimeMs    int64

	TargetHost       string
	TargetPort       int
	TargetAddrString string
	AuthUserID       int

	weakRef weak.Pointer[session.Session]
}

// Alive reports whether the underlying session is still reachable.
func (v *SessionView) Alive() bool {
	return v.weakRef.Value() != nil
}

// Session resolves the weak reference, or nil if the session is gone.
func (v *SessionView) Session() *session.Session {
	return v.weakRef.Value()
}

// Bucket is one aggregate record (spec §3 "Aggregate bucket").
type Bucket struct {
	mu       sync.Mutex
	sessions map[string]*SessionView // keyed by composite (clientAddrPort|listenAddr)

	ByteUp   atomic.Int64
	ByteDown atomic.Int64

	byteUpLast, byteDownLast           atomic.Int64
	ByteUpChange, ByteDownChange       atomic.Int64
	ByteUpChangeMax, ByteDownChangeMax atomic.Int64

	ConnectCount atomic.Int64

	Rule                 atomic.Value // upstreampool.Rule
	LastUseUpstreamIndex atomic.Int32
}

func newBucket() *Bucket {
	b := &Bucket{sessions: make(map[string]*SessionView)}
	b.Rule.Store(upstreampool.RuleInherit)
	return b
}

func compositeKey(clientAddrPort, listenAddr string) string {
	return clientAddrPort + "|" + listenAddr
}

// SessionViews returns a snapshot of every currently-live view.
func (b *Bucket) SessionViews() []*SessionView {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*SessionView, 0, len(b.sessions))
	for _, v := range b.sessions {
		if v.Alive() {
			out = append(out, v)
		}
	}
	return out
}

// Registry holds the four bucket families plus a flat handle index used
// for O(1) targeted lookups and duplicate-session detection. All
// mutation is guarded by a single lock, consistent with spec §4.2's
// "single recursive lock plus per-bucket sessions locks" (Go has no
// recursive mutex; methods here never call each other while already
// holding r.mu, which gives the same effect).
type Registry struct {
	log *logger.Logger

	mu         sync.Mutex
	byUpstream map[int32]*Bucket
	byClient   map[string]*Bucket
	byListen   map[string]*Bucket
	byAuthUser map[int]*Bucket

	// Per session handle, the up-to-4 views inserted for it (upstream
	// bucket is absent when selection failed before a server was
	// chosen; auth-user bucket is absent for unauthenticated sessions),
	// and the composite key used so a close can remove them again.
	handleViews map[int64][]viewRef

	seq atomic.Int64
}

type viewRef struct {
	bucket *Bucket
	key    string
	view   *SessionView
}

// New builds an empty Registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default
	}
	return &Registry{
		log:         log,
		byUpstream:  make(map[int32]*Bucket),
		byClient:    make(map[string]*Bucket),
		byListen:    make(map[string]*Bucket),
		byAuthUser:  make(map[int]*Bucket),
		handleViews: make(map[int64][]viewRef),
	}
}

func (r *Registry) bucketForUpstreamLocked(idx int32) *Bucket {
	b, ok := r.byUpstream[idx]
	if !ok {
		b = newBucket()
		r.byUpstream[idx] = b
	}
	return b
}

func (r *Registry) bucketForClientLocked(ip string) *Bucket {
	b, ok := r.byClient[ip]
	if !ok {
		b = newBucket()
		r.byClient[ip] = b
	}
	return b
}

func (r *Registry) bucketForListenLocked(addr string) *Bucket {
	b, ok := r.byListen[addr]
	if !ok {
		b = newBucket()
		r.byListen[addr] = b
	}
	return b
}

func (r *Registry) bucketForAuthUserLocked(id int) *Bucket {
	b, ok := r.byAuthUser[id]
	if !ok {
		b = newBucket()
		r.byAuthUser[id] = b
	}
	return b
}

// insertLocked inserts (or, if a stale duplicate exists, replaces) a
// view into b at key. Grounded on
// original_source/src/ConnectionTracker.{h,cpp}: rather than asserting
// on a live duplicate, log it and replace -- the composite-key
// uniqueness invariant still holds afterward.
func (r *Registry) insertLocked(b *Bucket, key string, v *SessionView, clientAddrPort, listenAddr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, dup := b.sessions[key]; dup && existing.Alive() {
		r.log.Error("registry: duplicate session for client=%s listen=%s, replacing stale entry", clientAddrPort, listenAddr)
	}
	b.sessions[key] = v
	b.LastUseUpstreamIndex.Store(v.UpstreamIndex)
}

// AddSession inserts a SessionView for sess into each applicable bucket
// family (spec §4.2 "add_session", conceptually called once per
// family -- it is one Registry-locked operation here since Go gives us
// that atomicity for free). authUserID is -1 for unauthenticated
// sessions, in which case no view is added to byAuthUser.
func (r *Registry) AddSession(sess *session.Session, authUserID int) {
	up := sess.Upstream()
	var upIdx int32 = -1
	if up != nil {
		upIdx = int32(up.Index)
	}

	key := compositeKey(sess.ClientAddrPort, sess.ListenAddr)
	seq := r.seq.Add(1)

	newView := func() *SessionView {
		v := &SessionView{
			Seq:            seq,
			Handle:         sess.Handle,
			UpstreamIndex:  upIdx,
			ClientAddrPort: sess.ClientAddrPort,
			ClientIP:       sess.ClientAddr,
			ListenAddr:     sess.ListenAddr,
			StartTimeMs:    time.Now().UnixMilli(),
			AuthUserID:     authUserID,
		}
		v.weakRef = weak.Make(sess)
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	refs := make([]viewRef, 0, 4)

	if up != nil {
		b := r.bucketForUpstreamLocked(upIdx)
		v := newView()
		r.insertLocked(b, key, v, sess.ClientAddrPort, sess.ListenAddr)
		b.ConnectCount.Add(1)
		refs = append(refs, viewRef{bucket: b, key: key, view: v})
	}

	bc := r.bucketForClientLocked(sess.ClientAddr)
	vc := newView()
	r.insertLocked(bc, key, vc, sess.ClientAddrPort, sess.ListenAddr)
	refs = append(refs, viewRef{bucket: bc, key: key, view: vc})

	bl := r.bucketForListenLocked(sess.ListenAddr)
	vl := newView()
	r.insertLocked(bl, key, vl, sess.ClientAddrPort, sess.ListenAddr)
	refs = append(refs, viewRef{bucket: bl, key: key, view: vl})

	if authUserID >= 0 {
		ba := r.bucketForAuthUserLocked(authUserID)
		va := newView()
		r.insertLocked(ba, key, va, sess.ClientAddrPort, sess.ListenAddr)
		refs = append(refs, viewRef{bucket: ba, key: key, view: va})
	}

	r.handleViews[sess.Handle] = refs
}

// UpdateSessionInfo mutates the existing views' target fields in place
// once the handshake completes, preserving every index (spec §4.2
// "update_session_info").
func (r *Registry) UpdateSessionInfo(handle int64, targetHost string, targetPort int, targetAddrString string) {
	r.mu.Lock()
	refs := r.handleViews[handle]
	r.mu.Unlock()

	for _, ref := range refs {
		ref.bucket.mu.Lock()
		ref.view.TargetHost = targetHost
		ref.view.TargetPort = targetPort
		ref.view.TargetAddrString = targetAddrString
		ref.bucket.mu.Unlock()
	}
}

// RemoveSession drops handle's views from every bucket it was inserted
// into and, if it had an upstream bucket entry, decrements that
// bucket's ConnectCount. Safe to call multiple times.
func (r *Registry) RemoveSession(handle int64) {
	r.mu.Lock()
	refs, ok := r.handleViews[handle]
	if ok {
		delete(r.handleViews, handle)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, ref := range refs {
		ref.bucket.mu.Lock()
		if cur, present := ref.bucket.sessions[ref.key]; present && cur == ref.view {
			delete(ref.bucket.sessions, ref.key)
		}
		ref.bucket.mu.Unlock()
	}
	// refs[0] is the upstream bucket entry whenever one was inserted
	// (see AddSession's insertion order); correct its ConnectCount
	// immediately rather than waiting for the next cleanup tick.
	if len(refs) > 0 && refs[0].view.UpstreamIndex >= 0 {
		r.mu.Lock()
		b, ok := r.byUpstream[refs[0].view.UpstreamIndex]
		r.mu.Unlock()
		if ok {
			for {
				cur := b.ConnectCount.Load()
				if cur <= 0 {
					break
				}
				if b.ConnectCount.CompareAndSwap(cur, cur-1) {
					break
				}
			}
		}
	}
}

// AddByteUp/AddByteDown atomically add n bytes to every bucket family
// that sess belongs to -- upstream, client, listen, and (if
// authenticated) auth-user.
func (r *Registry) AddByteUp(handle int64, n int64)   { r.addByte(handle, n, true) }
func (r *Registry) AddByteDown(handle int64, n int64) { r.addByte(handle, n, false) }

func (r *Registry) addByte(handle int64, n int64, up bool) {
	r.mu.Lock()
	refs := r.handleViews[handle]
	r.mu.Unlock()
	for _, ref := range refs {
		if up {
			ref.bucket.ByteUp.Add(n)
		} else {
			ref.bucket.ByteDown.Add(n)
		}
	}
}

// AllBuckets returns every bucket across all four families, used by
// CalcByteAll and admin enumeration.
func (r *Registry) AllBuckets() []*Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Bucket, 0, len(r.byUpstream)+len(r.byClient)+len(r.byListen)+len(r.byAuthUser))
	for _, b := range r.byUpstream {
		out = append(out, b)
	}
	for _, b := range r.byClient {
		out = append(out, b)
	}
	for _, b := range r.byListen {
		out = append(out, b)
	}
	for _, b := range r.byAuthUser {
		out = append(out, b)
	}
	return out
}

// BucketByUpstream/BucketByClient/BucketByListen/BucketByAuthUser
// return the bucket for a key if one exists, for admin detail views.
func (r *Registry) BucketByUpstream(idx int32) (*Bucket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byUpstream[idx]
	return b, ok
}
func (r *Registry) BucketByClient(ip string) (*Bucket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byClient[ip]
	return b, ok
}
func (r *Registry) BucketByListen(addr string) (*Bucket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byListen[addr]
	return b, ok
}
func (r *Registry) BucketByAuthUser(id int) (*Bucket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byAuthUser[id]
	return b, ok
}

// CalcByteAll runs the 1-second sampling tick (spec §4.2 "calc_byte_all"):
// for every bucket, change = now - last, last = now, max = max(max, change).
func (r *Registry) CalcByteAll() {
	for _, b := range r.AllBuckets() {
		up := b.ByteUp.Load()
		upChange := up - b.byteUpLast.Swap(up)
		b.ByteUpChange.Store(upChange)
		for {
			cur := b.ByteUpChangeMax.Load()
			if upChange <= cur || b.ByteUpChangeMax.CompareAndSwap(cur, upChange) {
				break
			}
		}

		down := b.ByteDown.Load()
		downChange := down - b.byteDownLast.Swap(down)
		b.ByteDownChange.Store(downChange)
		for {
			cur := b.ByteDownChangeMax.Load()
			if downChange <= cur || b.ByteDownChangeMax.CompareAndSwap(cur, downChange) {
				break
			}
		}
	}
}

// RemoveExpiredSessionAll runs the 5-second cleanup tick (spec §4.2
// "remove_expired_session_all"): drops views whose weak reference has
// expired and reconciles each upstream bucket's ConnectCount to match
// its live view count (invariant #2).
func (r *Registry) RemoveExpiredSessionAll() {
	r.mu.Lock()
	handles := make([]int64, 0, len(r.handleViews))
	for h, refs := range r.handleViews {
		dead := true
		for _, ref := range refs {
			if ref.view.Alive() {
				dead = false
				break
			}
		}
		if dead {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.RemoveSession(h)
	}

	for _, b := range r.snapshotUpstreamBuckets() {
		live := int64(0)
		for _, v := range b.SessionViews() {
			if v.Alive() {
				live++
			}
		}
		b.ConnectCount.Store(live)
	}
}

func (r *Registry) snapshotUpstreamBuckets() map[int32]*Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int32]*Bucket, len(r.byUpstream))
	for k, v := range r.byUpstream {
		out[k] = v
	}
	return out
}

// CloseAllByUpstream/CloseAllByClient/CloseAllByListen/CloseAllByAuthUser
// force-close every live session in the matching bucket (spec §4.2
// "close_all_session*"), returning how many sessions were signalled.
func (r *Registry) CloseAllByUpstream(idx int32) int { return r.closeAll(r.BucketByUpstream(idx)) }
func (r *Registry) CloseAllByClient(ip string) int    { return r.closeAll(r.BucketByClient(ip)) }
func (r *Registry) CloseAllByListen(addr string) int  { return r.closeAll(r.BucketByListen(addr)) }
func (r *Registry) CloseAllByAuthUser(id int) int     { return r.closeAll(r.BucketByAuthUser(id)) }

func (r *Registry) closeAll(b *Bucket, ok bool) int {
	if !ok {
		return 0
	}
	n := 0
	for _, v := range b.SessionViews() {
		if sess := v.Session(); sess != nil {
			sess.Close(nil)
			n++
		}
	}
	return n
}
