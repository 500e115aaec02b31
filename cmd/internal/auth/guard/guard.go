// Package guard runs the per-request session state machine and decides whether
// a request proceeds, is redirected, or is rejected.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"portal/cmd/internal/auth/credential"
	"portal/cmd/internal/auth/routes"
	"portal/cmd/internal/auth/session"
	"portal/cmd/internal/directus"
)

// Config holds the redirect targets.
type Config struct {
	LoginPath   string
	LandingPath string
	NeutralPath string
}

// DefaultConfig returns the built-in redirect targets.
func DefaultConfig() Config {
	return Config{LoginPath: "/login", LandingPath: "/companies", NeutralPath: "/"}
}

// Outcome is the session side of one evaluation.
type Outcome struct {
	// Initial is the state before any renewal.
	Initial session.State
	// State is the state after renewal, if one ran.
	State         session.State
	Authenticated bool
	Credential    credential.Credential

	RenewAttempted bool
	Refreshed      bool
	// Cleared is true when the provider rejected renewal and the store was cleared.
	Cleared bool
	// Degraded is true when renewal failed without clearing (provider unavailable or other error).
	Degraded bool
}

// Expired reports whether an unauthenticated outcome was caused by token expiry.
func (o Outcome) Expired() bool {
	return !o.Authenticated && o.Initial.NeedsRenewal()
}

// Action is what the guard does with a request.
type Action int

const (
	Allow Action = iota
	Redirect
	Reject
)

func (a Action) String() string {
	switch a {
	case Redirect:
		return "redirect"
	case Reject:
		return "reject"
	default:
		return "allow"
	}
}

// Error codes used for JSON rejections and the login redirect.
const (
	CodeUnauthorized   = "unauthorized"
	CodeSessionExpired = "session_expired"
)

// Decision is the route side of one evaluation.
type Decision struct {
	Action   Action
	Location string
	Code     string
	Class    routes.Class
}

// Guard evaluates sessions for requests.
type Guard struct {
	svc    *session.Service
	routes *routes.Classifier
	cfg    Config
	log    *slog.Logger
}

// New constructs a Guard. Empty Config fields take their defaults.
func New(svc *session.Service, classifier *routes.Classifier, cfg Config, log *slog.Logger) *Guard {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.LoginPath) == "" {
		cfg.LoginPath = def.LoginPath
	}
	if strings.TrimSpace(cfg.LandingPath) == "" {
		cfg.LandingPath = def.LandingPath
	}
	if strings.TrimSpace(cfg.NeutralPath) == "" {
		cfg.NeutralPath = def.NeutralPath
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{svc: svc, routes: classifier, cfg: cfg, log: log}
}

// Config returns the effective redirect targets.
func (g *Guard) Config() Config { return g.cfg }

// Evaluate classifies the stored credential and renews it when due.
//
// A renewed credential is already persisted through store when Evaluate returns.
func (g *Guard) Evaluate(ctx context.Context, store credential.Store) Outcome {
	cur, ok, err := store.Get(ctx)
	if err != nil {
		g.log.WarnContext(ctx, "guard.store.read_failed", slog.Any("err", err))
		ok = false
	}

	st := g.svc.State(cur, ok)
	out := Outcome{Initial: st, State: st}

	switch st {
	case session.Valid:
		out.Authenticated = true
		out.Credential = cur
		return out
	case session.Anonymous:
		return out
	}

	if !cur.HasRefresh() {
		g.log.DebugContext(ctx, "guard.renew.skipped", slog.String("state", st.String()))
		return out
	}

	out.RenewAttempted = true
	fresh, err := g.svc.Renew(ctx, store, cur)
	switch {
	case err == nil:
		out.State = session.Valid
		out.Authenticated = true
		out.Refreshed = true
		out.Credential = fresh
	case errors.Is(err, directus.ErrRefreshRejected):
		out.State = session.Anonymous
		out.Cleared = true
	default:
		out.Degraded = true
	}
	return out
}

// Decide maps a path and an outcome to an action. jsonClient turns redirects
// into rejections.
func (g *Guard) Decide(path string, out Outcome, jsonClient bool) Decision {
	class := g.routes.Classify(path)
	d := Decision{Action: Allow, Class: class}

	switch {
	case class == routes.Protected && !out.Authenticated:
		d.Code = CodeUnauthorized
		if out.Expired() {
			d.Code = CodeSessionExpired
		}
		if jsonClient {
			d.Action = Reject
			return d
		}
		d.Action = Redirect
		d.Location = g.loginURL(path, d.Code == CodeSessionExpired)

	case class == routes.Public && out.Authenticated && path != g.cfg.NeutralPath:
		d.Action = Redirect
		d.Location = g.cfg.LandingPath
	}
	return d
}

// loginURL builds the login redirect for callback.
func (g *Guard) loginURL(callback string, expired bool) string {
	q := url.Values{}
	q.Set("callbackUrl", callback)
	if expired {
		q.Set("error", CodeSessionExpired)
	}
	return g.cfg.LoginPath + "?" + q.Encode()
}

// SafeCallback returns target when it is a local absolute path, else fallback.
func SafeCallback(target, fallback string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, `\`) {
		return fallback
	}
	u, err := url.Parse(target)
	if err != nil || u.IsAbs() || u.Host != "" {
		return fallback
	}
	return target
}
