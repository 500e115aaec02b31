package credential

import (
	"net/http"

	"portal/cmd/internal/ids"
	"portal/cmd/security/seal"
)

// SessionIDHasher maps a raw session id to its storage key component.
// *seal.Sealer implements it with a keyed hash.
type SessionIDHasher interface {
	HashSessionIDHex(sid string) string
}

type plainHasher struct{}

func (plainHasher) HashSessionIDHex(sid string) string { return seal.HashSHA256Hex(sid) }

// sidCookie manages the opaque session-id cookie for server-side substrates.
type sidCookie struct {
	cfg    CookieConfig
	hasher SessionIDHasher
	w      http.ResponseWriter
	r      *http.Request

	sid     string
	checked bool
}

func newSIDCookie(cfg CookieConfig, h SessionIDHasher, w http.ResponseWriter, r *http.Request) *sidCookie {
	if h == nil {
		h = plainHasher{}
	}
	sc := &sidCookie{cfg: cfg, hasher: h, w: w, r: r}
	if v, ok := cfg.read(r, cfg.Name); ok && ids.IsULID(v) {
		sc.sid = v
	}
	return sc
}

// key returns the hashed id of the current session, if any.
func (sc *sidCookie) key() (string, bool) {
	if sc.sid == "" {
		return "", false
	}
	return sc.hasher.HashSessionIDHex(sc.sid), true
}

// found records whether the backend holds a record for the presented id.
// An id without a record is dropped so the next write mints a fresh one.
func (sc *sidCookie) found(ok bool) {
	sc.checked = true
	if !ok {
		sc.sid = ""
	}
}

// needsCheck reports whether a presented id has not been matched against the backend yet.
func (sc *sidCookie) needsCheck() bool { return sc.sid != "" && !sc.checked }

// rotate forgets the current id; the next ensure mints a new one.
func (sc *sidCookie) rotate() {
	sc.sid = ""
	sc.checked = true
}

// ensure returns the hashed id, minting and setting a new session id when absent.
// A presented id is only reused once found has confirmed its record.
// The cookie is re-issued on every write so its lifetime follows the record TTL.
func (sc *sidCookie) ensure() (string, error) {
	if sc.sid == "" || !sc.checked {
		id, err := ids.NewULID(sc.cfg.Now())
		if err != nil {
			return "", err
		}
		sc.sid = id
		sc.checked = true
	}
	sc.cfg.set(sc.w, sc.cfg.Name, sc.sid, true)
	return sc.hasher.HashSessionIDHex(sc.sid), nil
}

func (sc *sidCookie) expire() {
	sc.cfg.expire(sc.w, sc.cfg.Name, true)
	sc.cfg.expire(sc.w, sc.cfg.ExpiryName, false)
	sc.sid = ""
}
