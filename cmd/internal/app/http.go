package app

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	authapi "portal/cmd/internal/auth/api"
	"portal/cmd/internal/auth/guard"
	"portal/cmd/internal/realtime"
	"portal/cmd/internal/web"
)

// routerDeps are the handlers and middleware the router mounts.
type routerDeps struct {
	log     Logger
	cfg     Config
	metrics *Metrics
	guard   *guard.Middleware
	auth    *authapi.Handler
	web     *web.Handler
	watch   *realtime.SessionWatch
	ready   func(ctx context.Context) error
	dbReady bool
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, d.log) })
	if d.metrics != nil {
		r.Use(d.metrics.Instrument)
	}
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, d.cfg, d.log) })
	r.Use(d.guard.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && !d.dbReady {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if d.ready != nil {
			if err := d.ready(r.Context()); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.store.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if d.metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.metrics.Handler())
	}

	d.auth.Register(r)
	d.web.Register(r)
	r.Method(http.MethodGet, "/ws/session", d.watch)

	return r
}
