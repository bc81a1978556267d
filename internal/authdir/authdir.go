// Package authdir is the process-wide directory of downstream auth users.
// It is built once at config load and never mutated afterward; all
// lookups are therefore lock-free reads against plain maps.
package authdir

import (
	"encoding/base64"

	"github.com/socks5balancer/gobalancer/internal/config"
)

// User is one accepted username/password pair. IDs are assigned in load
// order starting at 0.
type User struct {
	ID              int
	Username        string
	Password        string
	PreEncodedBasic string
}

// Directory supports the four lookups spec §3 requires: by (username,
// password) pair, by username alone (SOCKS4 USERID), by the pre-encoded
// "Basic <b64>" string, and by id.
type Directory struct {
	byID       map[int]*User
	byUsername map[string]*User
	byPair     map[string]*User
	byBasic    map[string]*User
	users      []*User
}

// New builds a Directory from the authClientInfo config list. An empty
// list yields an empty (not nil) Directory whose Empty() reports true,
// meaning no client auth is required.
func New(entries []config.AuthClient) *Directory {
	d := &Directory{
		byID:       make(map[int]*User, len(entries)),
		byUsername: make(map[string]*User, len(entries)),
		byPair:     make(map[string]*User, len(entries)),
		byBasic:    make(map[string]*User, len(entries)),
		users:      make([]*User, 0, len(entries)),
	}
	for i, e := range entries {
		u := &User{
			ID:              i,
			Username:        e.User,
			Password:        e.Pwd,
			PreEncodedBasic: base64.StdEncoding.EncodeToString([]byte(e.User + ":" + e.Pwd)),
		}
		d.byID[u.ID] = u
		// First entry for a duplicate username wins; later duplicates are
		// still reachable by pair/basic/id lookup.
		if _, exists := d.byUsername[u.Username]; !exists {
			d.byUsername[u.Username] = u
		}
		d.byPair[pairKey(u.Username, u.Password)] = u
		d.byBasic[u.PreEncodedBasic] = u
		d.users = append(d.users, u)
	}
	return d
}

func pairKey(user, pass string) string {
	return user + "\x00" + pass
}

// Empty reports whether the directory has no users, meaning client
// authentication should be skipped entirely.
func (d *Directory) Empty() bool {
	return len(d.users) == 0
}

// LookupPair finds a user by exact username/password match (SOCKS5
// username/password sub-negotiation, HTTP Basic slow path).
func (d *Directory) LookupPair(user, pass string) (*User, bool) {
	u, ok := d.byPair[pairKey(user, pass)]
	return u, ok
}

// LookupUsername finds a user by username alone, used for the SOCKS4
// USERID field which carries no password.
func (d *Directory) LookupUsername(user string) (*User, bool) {
	u, ok := d.byUsername[user]
	return u, ok
}

// LookupBasic finds a user by the pre-encoded "base64(user:pwd)" string,
// the HTTP Basic auth fast path.
func (d *Directory) LookupBasic(basic string) (*User, bool) {
	u, ok := d.byBasic[basic]
	return u, ok
}

// LookupID finds a user by their assigned numeric id.
func (d *Directory) LookupID(id int) (*User, bool) {
	u, ok := d.byID[id]
	return u, ok
}

// Users returns every loaded user, for the admin snapshot summary.
func (d *Directory) Users() []*User {
	return d.users
}
