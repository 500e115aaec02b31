package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"portal/cmd/internal/auth/credential"
	"portal/cmd/internal/auth/session"
	"portal/cmd/internal/directus"
)

// Handler wires the JSON auth endpoints to the session service.
//
// It expects the credential store in the request context; the guard
// middleware binds one for every request, /api/ paths included.
type Handler struct {
	log     *slog.Logger
	cfg     Config
	svc     *session.Service
	limiter *LoginLimiter
	now     func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides the handler clock (rate limiting and cookie expiry).
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLoginLimiter shares l with other sign-in surfaces.
func WithLoginLimiter(l *LoginLimiter) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.limiter = l
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, svc *session.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("auth: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	if cfg.CSRFCookieName == "" {
		cfg.CSRFCookieName = DefaultConfig().CSRFCookieName
	}
	if cfg.CSRFHeaderName == "" {
		cfg.CSRFHeaderName = DefaultConfig().CSRFHeaderName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}

	h := &Handler{
		log:     log,
		cfg:     cfg,
		svc:     svc,
		limiter: newLoginLimiter(cfg),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth routes onto r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", h.handleLogin)
		r.Post("/refresh", h.handleRefresh)
		r.Post("/logout", h.handleLogout)
		r.Get("/session", h.handleSession)
	})
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (credential.Store, bool) {
	s, ok := credential.StoreFromContext(r.Context())
	if !ok {
		h.log.ErrorContext(r.Context(), "auth.store.missing", slog.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return nil, false
	}
	return s, true
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	store, ok := h.store(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	if blocked, retry := h.limiter.check(ip, email, now); blocked {
		h.log.WarnContext(ctx, "auth.login.rate_limited", slog.Duration("retry_after", retry))
		writeRateLimited(w, retry)
		return
	}

	if err := h.svc.Login(ctx, store, email, req.Password); err != nil {
		switch {
		case errors.Is(err, directus.ErrGatewayUnavailable):
			writeError(w, http.StatusServiceUnavailable, "gateway_unavailable", "authentication service unavailable")
		case errors.Is(err, directus.ErrInvalidCredentials):
			h.limiter.fail(ip, email, now)
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		case errors.Is(err, session.ErrMissingCredentials):
			writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		default:
			h.log.ErrorContext(ctx, "auth.login.error", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}
	h.limiter.succeed(email)

	resp := loginResponse{Success: true}
	if cur, ok, err := store.Get(ctx); err == nil && ok {
		resp.ExpiresAt = cur.ExpiresAt
	}
	if h.cfg.CSRF {
		token, err := h.setCSRFCookie(w)
		if err != nil {
			h.log.ErrorContext(ctx, "auth.csrf.issue_failed", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		resp.CSRFToken = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if h.cfg.CSRF && !h.csrfDoubleSubmitValid(r) {
		writeError(w, http.StatusForbidden, "csrf_invalid", "csrf token missing or invalid")
		return
	}
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	fresh, err := h.svc.Refresh(r.Context(), store)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoRefreshToken):
			writeError(w, http.StatusUnauthorized, "no_session", "no refresh token")
		case errors.Is(err, directus.ErrRefreshRejected):
			writeError(w, http.StatusUnauthorized, "session_expired", "session expired")
		case errors.Is(err, directus.ErrGatewayUnavailable):
			writeError(w, http.StatusServiceUnavailable, "gateway_unavailable", "authentication service unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Success: true, ExpiresAt: fresh.ExpiresAt})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	if err := h.svc.Logout(r.Context(), store); err != nil {
		h.log.ErrorContext(r.Context(), "auth.logout.error", slog.Any("err", err))
	}
	if h.cfg.CSRF {
		h.expireCSRFCookie(w)
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	cur, present, err := store.Get(ctx)
	if err != nil {
		h.log.WarnContext(ctx, "auth.session.read_failed", slog.Any("err", err))
		present = false
	}
	st := h.svc.StatusOf(cur, present)

	resp := sessionResponse{
		State:          st.State.String(),
		Authenticated:  st.Authenticated,
		RefreshDueInMS: st.RefreshDueIn.Milliseconds(),
	}
	if !st.ExpiresAt.IsZero() {
		exp := st.ExpiresAt
		resp.ExpiresAt = &exp
	}
	if st.Authenticated {
		if c, ok := directus.PeekClaims(cur.AccessToken); ok {
			resp.UserID = c.UserID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
