package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines runtime configuration for the token lifecycle.
type Config struct {
	// Skew is how long before expires_at a credential counts as expiring soon.
	Skew time.Duration

	// Grace is how long after expires_at an access token is still treated as expiring
	// rather than expired.
	Grace time.Duration

	// RefreshTimeout bounds each provider refresh attempt and the store write after it.
	RefreshTimeout time.Duration

	// LogoutTimeout bounds the best-effort provider logout.
	LogoutTimeout time.Duration

	// Singleflight collapses concurrent renewals of one refresh token within this process.
	Singleflight bool
}

// DefaultConfig returns the built-in lifecycle settings.
func DefaultConfig() Config {
	return Config{
		Skew:           60 * time.Second,
		Grace:          0,
		RefreshTimeout: 10 * time.Second,
		LogoutTimeout:  3 * time.Second,
		Singleflight:   true,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - PORTAL_SESSION_SKEW
//   - PORTAL_SESSION_GRACE
//   - PORTAL_REFRESH_TIMEOUT
//   - PORTAL_LOGOUT_TIMEOUT
//   - PORTAL_REFRESH_SINGLEFLIGHT
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("PORTAL_SESSION_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.Skew = d
	}

	if v := os.Getenv("PORTAL_SESSION_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.Grace = d
	}

	if v := os.Getenv("PORTAL_REFRESH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTimeout = d
	}

	if v := os.Getenv("PORTAL_LOGOUT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.LogoutTimeout = d
	}

	if v := os.Getenv("PORTAL_REFRESH_SINGLEFLIGHT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.Singleflight = b
	}

	return cfg, nil
}
