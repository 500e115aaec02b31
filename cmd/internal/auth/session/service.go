package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"portal/cmd/internal/auth/credential"
	"portal/cmd/internal/directus"
	"portal/cmd/security/seal"
)

// Gateway is the subset of the identity provider the lifecycle needs.
type Gateway interface {
	Login(ctx context.Context, email, password string) (credential.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (credential.Credential, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Renewal outcomes reported to the RenewObserver.
const (
	RenewOK          = "ok"
	RenewRejected    = "rejected"
	RenewUnavailable = "unavailable"
	RenewError       = "error"
)

// RenewObserver receives the outcome of every renewal and the number of provider attempts.
type RenewObserver func(outcome string, attempts int, d time.Duration)

// Service implements the presentation-facing session operations.
type Service struct {
	cfg Config
	gw  Gateway
	now func() time.Time
	log *slog.Logger

	observe RenewObserver
	group   singleflight.Group
	recent  recentRenewals
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source used for state classification.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRenewObserver registers a callback for renewal outcomes.
func WithRenewObserver(fn RenewObserver) Option {
	return func(s *Service) { s.observe = fn }
}

// NewService constructs a Service.
func NewService(cfg Config, gw Gateway, opts ...Option) *Service {
	s := &Service{cfg: cfg, gw: gw, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.RefreshTimeout <= 0 {
		s.cfg.RefreshTimeout = DefaultConfig().RefreshTimeout
	}
	if s.cfg.LogoutTimeout <= 0 {
		s.cfg.LogoutTimeout = DefaultConfig().LogoutTimeout
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Now returns the service clock reading.
func (s *Service) Now() time.Time { return s.now() }

// State classifies c against the service clock.
func (s *Service) State(c credential.Credential, present bool) State {
	return Classify(c, present, s.now(), s.cfg.Skew, s.cfg.Grace)
}

// Login authenticates against the provider and stores the credential with a single
// write under a fresh session identity (credential.Rotate).
//
// Errors are the provider sentinels (directus.ErrInvalidCredentials,
// directus.ErrGatewayUnavailable) or ErrStore; callers show users a generic message.
func (s *Service) Login(ctx context.Context, store credential.Store, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return ErrMissingCredentials
	}

	cred, err := s.gw.Login(ctx, email, password)
	if err != nil {
		s.log.InfoContext(ctx, "auth.login.fail",
			slog.String("reason", loginFailReason(err)),
			slog.Int("provider_status", directus.StatusOf(err)),
		)
		return err
	}

	if err := credential.Rotate(context.WithoutCancel(ctx), store, cred); err != nil {
		s.log.ErrorContext(ctx, "auth.login.store_failed", slog.Any("err", err))
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	attrs := []any{slog.Int64("expires_in_ms", cred.ExpiresIn.Milliseconds())}
	if c, ok := directus.PeekClaims(cred.AccessToken); ok {
		attrs = append(attrs, slog.String("user_id", c.UserID))
	}
	s.log.InfoContext(ctx, "auth.login.ok", attrs...)
	return nil
}

// Logout asks the provider to drop the refresh token, then clears the store
// regardless of how the provider call went. Only the Clear error is returned.
func (s *Service) Logout(ctx context.Context, store credential.Store) error {
	bg := context.WithoutCancel(ctx)

	cur, ok, err := store.Get(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "auth.logout.read_failed", slog.Any("err", err))
	}
	if ok && cur.HasRefresh() {
		lctx, cancel := context.WithTimeout(bg, s.cfg.LogoutTimeout)
		if err := s.gw.Logout(lctx, cur.RefreshToken); err != nil {
			s.log.WarnContext(ctx, "auth.logout.provider_failed",
				slog.Int("provider_status", directus.StatusOf(err)),
				slog.Bool("unavailable", errors.Is(err, directus.ErrGatewayUnavailable)),
			)
		}
		cancel()
	}

	if err := store.Clear(bg); err != nil {
		s.log.ErrorContext(ctx, "auth.logout.clear_failed", slog.Any("err", err))
		return err
	}
	s.log.InfoContext(ctx, "auth.logout.ok")
	return nil
}

// Refresh renews the stored credential on explicit request.
func (s *Service) Refresh(ctx context.Context, store credential.Store) (credential.Credential, error) {
	cur, ok, err := store.Get(ctx)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if !ok || !cur.HasRefresh() {
		return credential.Credential{}, ErrNoRefreshToken
	}
	return s.Renew(ctx, store, cur)
}

// Renew exchanges cur's refresh token and writes the result through store.
//
// The provider call and the write run detached from ctx cancellation, each bounded
// by RefreshTimeout. An unavailable provider is retried once.
//
//	success          -> Put, return the new credential
//	refresh rejected -> Clear, return the error
//	anything else    -> store untouched, return the error
func (s *Service) Renew(ctx context.Context, store credential.Store, cur credential.Credential) (credential.Credential, error) {
	if !cur.HasRefresh() {
		return credential.Credential{}, ErrNoRefreshToken
	}

	bg := context.WithoutCancel(ctx)
	start := time.Now()

	fresh, attempts, err := s.exchange(bg, cur)
	outcome := RenewOK

	switch {
	case err == nil:
		wctx, cancel := context.WithTimeout(bg, s.cfg.RefreshTimeout)
		perr := store.Put(wctx, fresh)
		cancel()
		if perr != nil {
			outcome = RenewError
			err = fmt.Errorf("%w: %w", ErrStore, perr)
			s.log.ErrorContext(ctx, "session.refresh.store_failed", slog.Any("err", perr))
		} else {
			s.log.InfoContext(ctx, "session.refresh.ok",
				slog.Int("attempts", attempts),
				slog.Time("expires_at", fresh.ExpiresAt),
			)
		}

	case errors.Is(err, directus.ErrRefreshRejected):
		outcome = RenewRejected
		cctx, cancel := context.WithTimeout(bg, s.cfg.RefreshTimeout)
		if cerr := store.Clear(cctx); cerr != nil {
			s.log.ErrorContext(ctx, "session.refresh.clear_failed", slog.Any("err", cerr))
		}
		cancel()
		s.log.InfoContext(ctx, "session.refresh.rejected",
			slog.Int("provider_status", directus.StatusOf(err)),
			slog.Bool("malformed", errors.Is(err, directus.ErrMalformedResponse)),
		)

	case errors.Is(err, directus.ErrGatewayUnavailable):
		outcome = RenewUnavailable
		s.log.WarnContext(ctx, "session.refresh.unavailable",
			slog.Int("attempts", attempts),
			slog.Int("provider_status", directus.StatusOf(err)),
		)

	default:
		outcome = RenewError
		s.log.ErrorContext(ctx, "session.refresh.error", slog.Any("err", err))
	}

	if s.observe != nil {
		s.observe(outcome, attempts, time.Since(start))
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return fresh, nil
}

// renewReuseWindow is how long a finished exchange keeps answering for the
// token pair it consumed; the provider rotates refresh tokens on use.
const renewReuseWindow = 10 * time.Second

type exchangeResult struct {
	cred     credential.Credential
	attempts int
}

type recentRenewals struct {
	mu sync.Mutex
	m  map[string]recentRenewal
}

type recentRenewal struct {
	cred credential.Credential
	at   time.Time
}

func (r *recentRenewals) get(key string, now time.Time) (credential.Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.m[key]
	if !ok || now.Sub(e.at) > renewReuseWindow {
		return credential.Credential{}, false
	}
	return e.cred, true
}

func (r *recentRenewals) put(key string, c credential.Credential, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]recentRenewal)
	}
	for k, e := range r.m {
		if now.Sub(e.at) > renewReuseWindow {
			delete(r.m, k)
		}
	}
	r.m[key] = recentRenewal{cred: c, at: now}
}

// exchange calls the provider, collapsing concurrent and just-finished calls for
// the same stored credential when single-flight is enabled. Calls are matched on
// the access and refresh token together, so a refresh token alone never
// receives a credential the provider was not asked for.
func (s *Service) exchange(ctx context.Context, cur credential.Credential) (credential.Credential, int, error) {
	refreshToken := cur.RefreshToken
	if !s.cfg.Singleflight {
		return s.exchangeWithRetry(ctx, refreshToken)
	}

	key := seal.HashSHA256Hex(cur.AccessToken + "\x00" + refreshToken)
	if c, ok := s.recent.get(key, s.now()); ok {
		return c, 0, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		c, n, err := s.exchangeWithRetry(ctx, refreshToken)
		if err == nil {
			s.recent.put(key, c, s.now())
		}
		return exchangeResult{cred: c, attempts: n}, err
	})
	res, _ := v.(exchangeResult)
	return res.cred, res.attempts, err
}

func (s *Service) exchangeWithRetry(ctx context.Context, refreshToken string) (credential.Credential, int, error) {
	attempts := 0
	for {
		attempts++
		actx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
		c, err := s.gw.Refresh(actx, refreshToken)
		cancel()

		if err == nil || !errors.Is(err, directus.ErrGatewayUnavailable) || attempts >= 2 {
			return c, attempts, err
		}
		s.log.DebugContext(ctx, "session.refresh.retry", slog.Int("attempt", attempts))
	}
}

// Status reports the session standing for clients.
func (s *Service) Status(ctx context.Context, store credential.Store) Status {
	cur, ok, err := store.Get(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "session.status.read_failed", slog.Any("err", err))
		return Status{State: Anonymous}
	}
	return s.StatusOf(cur, ok)
}

// StatusOf builds a Status from a credential already in hand.
func (s *Service) StatusOf(cur credential.Credential, present bool) Status {
	now := s.now()
	st := Classify(cur, present, now, s.cfg.Skew, s.cfg.Grace)
	out := Status{State: st, Authenticated: st == Valid}
	if st == Anonymous || !cur.HasAccess() {
		return out
	}
	cur = cur.Normalize()
	out.ExpiresAt = cur.ExpiresAt
	if due := cur.ExpiresAt.Add(-s.cfg.Skew).Sub(now); due > 0 {
		out.RefreshDueIn = due
	}
	return out
}

func loginFailReason(err error) string {
	switch {
	case errors.Is(err, directus.ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, directus.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, directus.ErrGatewayUnavailable):
		return "gateway_unavailable"
	default:
		return "error"
	}
}
