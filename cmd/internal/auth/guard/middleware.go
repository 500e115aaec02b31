package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"portal/cmd/internal/auth/credential"
)

// Observer receives every evaluated decision.
type Observer func(d Decision, out Outcome)

type ctxKey struct{}

// OutcomeFrom returns the outcome the middleware attached to ctx.
func OutcomeFrom(ctx context.Context) (Outcome, bool) {
	o, ok := ctx.Value(ctxKey{}).(Outcome)
	return o, ok
}

// Middleware binds a credential store per request and enforces the route table.
type Middleware struct {
	g       *Guard
	sub     credential.Substrate
	observe Observer
	tracer  trace.Tracer
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithObserver registers a decision callback (metrics).
func WithObserver(fn Observer) MiddlewareOption {
	return func(m *Middleware) { m.observe = fn }
}

// NewMiddleware constructs the HTTP middleware for g over sub.
func NewMiddleware(g *Guard, sub credential.Substrate, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{g: g, sub: sub, tracer: otel.Tracer("portal/guard")}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Handler wraps next.
//
// Every request gets the bound store in its context. Exempt paths skip
// evaluation; all others are evaluated, may trigger a renewal, and then are
// allowed, redirected, or rejected.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store := m.sub.Bind(w, r)
		ctx := credential.WithStore(r.Context(), store)

		if m.g.routes.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		ctx, span := m.tracer.Start(ctx, "guard.evaluate",
			trace.WithAttributes(attribute.String("store", m.sub.Name())))
		out := m.g.Evaluate(ctx, store)
		d := m.g.Decide(r.URL.Path, out, wantsJSON(r))
		span.SetAttributes(
			attribute.String("session.initial", out.Initial.String()),
			attribute.String("session.state", out.State.String()),
			attribute.Bool("session.refreshed", out.Refreshed),
			attribute.String("route.class", d.Class.String()),
			attribute.String("guard.action", d.Action.String()),
		)
		span.End()

		if m.observe != nil {
			m.observe(d, out)
		}
		if d.Action != Allow || out.RenewAttempted {
			m.g.log.InfoContext(ctx, "guard.decision",
				slog.String("path", r.URL.Path),
				slog.String("class", d.Class.String()),
				slog.String("initial", out.Initial.String()),
				slog.String("state", out.State.String()),
				slog.String("action", d.Action.String()),
				slog.Bool("refreshed", out.Refreshed),
				slog.Bool("cleared", out.Cleared),
			)
		}

		switch d.Action {
		case Redirect:
			w.Header().Set("Cache-Control", "no-store")
			http.Redirect(w, r, d.Location, http.StatusFound)
			return
		case Reject:
			writeReject(w, d.Code)
			return
		}

		if out.Authenticated {
			ctx = credential.WithCredential(ctx, out.Credential)
		}
		ctx = context.WithValue(ctx, ctxKey{}, out)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "application/json" {
			return true
		}
	}
	return false
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeReject(w http.ResponseWriter, code string) {
	msg := "authentication required"
	if code == CodeSessionExpired {
		msg = "session expired"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: apiError{Code: code, Message: msg}})
}
