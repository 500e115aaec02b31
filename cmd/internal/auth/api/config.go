package authapi

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid auth API settings.
var ErrConfig = errors.New("invalid auth api config")

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// CSRF enables the double-submit check on /api/auth/refresh.
	CSRF           bool
	CSRFCookieName string
	CSRFHeaderName string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieTTL      time.Duration

	LoginIPMax    int
	LoginIPWindow time.Duration

	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:           1 << 20, // 1 MiB
		CSRFCookieName:         "portal_csrf",
		CSRFHeaderName:         "X-CSRF-Token",
		CookiePath:             "/",
		CookieSameSite:         http.SameSiteLaxMode,
		CookieTTL:              7 * 24 * time.Hour,
		LoginIPMax:             20,
		LoginIPWindow:          5 * time.Minute,
		LockoutShortThreshold:  5,
		LockoutShortDuration:   5 * time.Minute,
		LockoutLongThreshold:   10,
		LockoutLongDuration:    30 * time.Minute,
		LockoutSevereThreshold: 20,
		LockoutSevereDuration:  2 * time.Hour,
	}
}

// LoadConfigFromEnv loads auth API config from environment variables with safe defaults.
func LoadConfigFromEnv() (Config, error) {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:             envBool("PORTAL_TRUST_PROXY", false),
		MaxBodyBytes:           envInt64("PORTAL_API_MAX_BODY_BYTES", def.MaxBodyBytes),
		CSRF:                   envBool("PORTAL_API_CSRF", false),
		CSRFCookieName:         envString("PORTAL_CSRF_COOKIE_NAME", def.CSRFCookieName),
		CSRFHeaderName:         envString("PORTAL_CSRF_HEADER_NAME", def.CSRFHeaderName),
		CookiePath:             envString("PORTAL_COOKIE_PATH", def.CookiePath),
		CookieDomain:           envString("PORTAL_COOKIE_DOMAIN", ""),
		CookieSecure:           envBool("PORTAL_COOKIE_SECURE", true),
		CookieSameSite:         parseSameSite(envString("PORTAL_COOKIE_SAMESITE", "lax")),
		CookieTTL:              envDuration("PORTAL_REFRESH_TTL", def.CookieTTL),
		LoginIPMax:             envInt("PORTAL_LOGIN_IP_MAX", def.LoginIPMax),
		LoginIPWindow:          envDuration("PORTAL_LOGIN_IP_WINDOW", def.LoginIPWindow),
		LockoutShortThreshold:  envInt("PORTAL_LOGIN_LOCKOUT_SHORT_THRESHOLD", def.LockoutShortThreshold),
		LockoutShortDuration:   envDuration("PORTAL_LOGIN_LOCKOUT_SHORT_DURATION", def.LockoutShortDuration),
		LockoutLongThreshold:   envInt("PORTAL_LOGIN_LOCKOUT_LONG_THRESHOLD", def.LockoutLongThreshold),
		LockoutLongDuration:    envDuration("PORTAL_LOGIN_LOCKOUT_LONG_DURATION", def.LockoutLongDuration),
		LockoutSevereThreshold: envInt("PORTAL_LOGIN_LOCKOUT_SEVERE_THRESHOLD", def.LockoutSevereThreshold),
		LockoutSevereDuration:  envDuration("PORTAL_LOGIN_LOCKOUT_SEVERE_DURATION", def.LockoutSevereDuration),
	}

	// SameSite=None is rejected by browsers without Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode {
		cfg.CookieSecure = true
	}
	if !strings.HasPrefix(cfg.CookiePath, "/") {
		return Config{}, fmt.Errorf("%w: PORTAL_COOKIE_PATH must start with /", ErrConfig)
	}
	if cfg.CSRF && strings.TrimSpace(cfg.CSRFHeaderName) == "" {
		return Config{}, fmt.Errorf("%w: PORTAL_CSRF_HEADER_NAME is empty", ErrConfig)
	}
	return cfg, nil
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
