package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Option adjusts the loaded Config before the App is built.
type Option func(*Config)

// WithHTTPAddr overrides PORTAL_HTTP_ADDR.
func WithHTTPAddr(addr string) Option {
	return func(c *Config) {
		if addr != "" {
			c.HTTPAddr = addr
		}
	}
}

// Run is the CLI entrypoint used by `portal serve`.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(ctx context.Context, opts ...Option) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	if err := ValidateSecurityConfig(cfg); err != nil {
		return err
	}

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
