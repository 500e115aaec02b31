package credential

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"portal/cmd/security/seal"
)

const (
	DefaultSessionCookieName = "directus_session"
	DefaultExpiryCookieName  = "directus_access_token_expires_at"
	DefaultSIDCookieName     = "portal_sid"
	DefaultRefreshTTL        = 7 * 24 * time.Hour
)

// CookieConfig holds the cookie attributes shared by every cookie-bearing substrate.
type CookieConfig struct {
	// Name is the HttpOnly cookie: sealed record or session id, per substrate.
	Name string
	// ExpiryName is the readable companion cookie carrying the unix-ms expiry.
	// Empty disables it.
	ExpiryName string

	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite

	// TTL bounds cookie and server-side record lifetime (refresh token lifetime).
	TTL time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

func (c CookieConfig) withDefaults(name string) CookieConfig {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = name
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.SameSite == 0 {
		c.SameSite = http.SameSiteLaxMode
	}
	if c.TTL <= 0 {
		c.TTL = DefaultRefreshTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c CookieConfig) set(w http.ResponseWriter, name, value string, httpOnly bool) {
	if w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  c.Now().Add(c.TTL).UTC(),
		MaxAge:   int(c.TTL / time.Second),
		HttpOnly: httpOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

func (c CookieConfig) expire(w http.ResponseWriter, name string, httpOnly bool) {
	if w == nil || strings.TrimSpace(name) == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: httpOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

func (c CookieConfig) setExpiry(w http.ResponseWriter, cred Credential) {
	if c.ExpiryName == "" {
		return
	}
	c.set(w, c.ExpiryName, strconv.FormatInt(cred.ExpiresAt.UnixMilli(), 10), false)
}

func (c CookieConfig) read(r *http.Request, name string) (string, bool) {
	if r == nil {
		return "", false
	}
	ck, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(ck.Value)
	return v, v != ""
}

// CookieSubstrate keeps the whole credential in one sealed HttpOnly cookie.
type CookieSubstrate struct {
	cfg    CookieConfig
	sealer *seal.Sealer
}

// NewCookieSubstrate requires a sealer; the cookie value is never stored in clear.
func NewCookieSubstrate(cfg CookieConfig, sealer *seal.Sealer) (*CookieSubstrate, error) {
	if sealer == nil {
		return nil, seal.ErrKeyMissing
	}
	return &CookieSubstrate{cfg: cfg.withDefaults(DefaultSessionCookieName), sealer: sealer}, nil
}

func (s *CookieSubstrate) Name() string { return "cookie" }

func (s *CookieSubstrate) Bind(w http.ResponseWriter, r *http.Request) Store {
	return bind(&cookieBackend{s: s, w: w, r: r})
}

type cookieBackend struct {
	s *CookieSubstrate
	w http.ResponseWriter
	r *http.Request
}

func (b *cookieBackend) load(ctx context.Context) (Credential, bool, error) {
	raw, ok := b.s.cfg.read(b.r, b.s.cfg.Name)
	if !ok {
		return Credential{}, false, nil
	}
	plain, err := b.s.sealer.Open(b.s.cfg.Name, raw)
	if err != nil {
		b.s.cfg.Logger.DebugContext(ctx, "credential.cookie.unreadable", slog.String("reason", "seal"))
		return Credential{}, false, nil
	}
	var c Credential
	if err := json.Unmarshal(plain, &c); err != nil || c.IsZero() {
		b.s.cfg.Logger.DebugContext(ctx, "credential.cookie.unreadable", slog.String("reason", "decode"))
		return Credential{}, false, nil
	}
	return c, true, nil
}

func (b *cookieBackend) save(_ context.Context, c Credential) error {
	if b.w == nil {
		return errors.New("credential: cookie store bound without a response writer")
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}
	v, err := b.s.sealer.Seal(b.s.cfg.Name, plain)
	if err != nil {
		return err
	}
	b.s.cfg.set(b.w, b.s.cfg.Name, v, true)
	b.s.cfg.setExpiry(b.w, c)
	return nil
}

func (b *cookieBackend) remove(_ context.Context) error {
	b.s.cfg.expire(b.w, b.s.cfg.Name, true)
	b.s.cfg.expire(b.w, b.s.cfg.ExpiryName, false)
	return nil
}
