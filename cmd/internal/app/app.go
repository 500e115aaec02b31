// Package app wires the portal server runtime: config, logging, the credential
// store, the session guard, HTTP routes and the session watch.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	authapi "portal/cmd/internal/auth/api"
	"portal/cmd/internal/auth/guard"
	"portal/cmd/internal/auth/session"
	"portal/cmd/internal/directus"
	"portal/cmd/internal/realtime"
	"portal/cmd/internal/web"
)

// App is the portal server runtime: it owns HTTP server wiring and the
// connections behind the credential store.
type App struct {
	cfg Config
	log Logger

	res     *resources
	metrics *Metrics
	watch   *realtime.SessionWatch
	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	apiCfg, err := authapi.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	classifier, err := LoadRoutes(cfg)
	if err != nil {
		return nil, err
	}

	m := NewMetrics()

	dc, err := directus.NewClient(directus.Config{
		BaseURL:  cfg.DirectusURL,
		Timeout:  cfg.DirectusTimeout,
		Logger:   log,
		Observer: m.ObserveDirectus,
	})
	if err != nil {
		return nil, err
	}

	svc := session.NewService(sessCfg, dc,
		session.WithLogger(log),
		session.WithRenewObserver(m.ObserveRenewal),
	)

	sub, res, err := newSubstrate(context.Background(), cfg, apiCfg, log)
	if err != nil {
		return nil, err
	}

	g := guard.New(svc, classifier, guard.Config{
		LoginPath:   cfg.LoginPath,
		LandingPath: cfg.LandingPath,
		NeutralPath: cfg.NeutralPath,
	}, log)

	limiter := authapi.NewLoginLimiter(apiCfg)
	authHandler, err := authapi.NewHandler(log, svc, apiCfg, authapi.WithLoginLimiter(limiter))
	if err != nil {
		_ = res.Close(context.Background())
		return nil, err
	}
	pages, err := web.NewHandler(log, svc, dc, g.Config(), web.WithLoginThrottle(limiter))
	if err != nil {
		_ = res.Close(context.Background())
		return nil, err
	}

	watch := realtime.NewSessionWatch(log, svc, nil, realtime.LoadWatchConfigFromEnv())
	m.WatchConnections(watch.Hub().Len)

	handler := newRouter(routerDeps{
		log:     log,
		cfg:     cfg,
		metrics: m,
		guard:   guard.NewMiddleware(g, sub, guard.WithObserver(m.ObserveGuard)),
		auth:    authHandler,
		web:     pages,
		watch:   watch,
		ready:   res.ready,
		dbReady: res.pool != nil,
	})

	return &App{
		cfg:     cfg,
		log:     log,
		res:     res,
		metrics: m,
		watch:   watch,
		handler: handler,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	bgCtx, stopBG := context.WithCancel(ctx)
	defer stopBG()
	if a.res.purge != nil {
		go purgeLoop(bgCtx, a.res.purge, nonZeroDuration(a.cfg.PurgeInterval, time.Hour), a.log)
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws/session",
		"credential_store", a.cfg.CredentialStore,
		"directus", a.cfg.DirectusURL,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	a.watch.Hub().CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	stopBG()
	if err := a.res.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
