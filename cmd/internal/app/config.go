package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrConfig is returned when runtime configuration is invalid.
var ErrConfig = errors.New("invalid app config")

// Credential store modes.
const (
	StoreCookie   = "cookie"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DirectusURL     string
	DirectusTimeout time.Duration

	// CredentialStore selects where credentials live between requests.
	CredentialStore string

	RedisURL string

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	PurgeInterval time.Duration

	RoutesFile        string
	ProtectedPrefixes []string
	PublicPaths       []string
	LoginPath         string
	LandingPath       string
	NeutralPath       string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, PORTAL_COOKIE_SECRET MUST be set (>= 32 bytes) even for stores that only
	// keep a session id in the cookie, so session ids are hashed with a keyed HMAC.
	RequireSIDHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr:  EnvString("PORTAL_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PORTAL_LOG_LEVEL", "info"),
		LogFormat: EnvString("PORTAL_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PORTAL_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PORTAL_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PORTAL_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       EnvDuration("PORTAL_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PORTAL_HTTP_MAX_HEADER_BYTES", 1<<20),

		DirectusURL:     EnvString("PORTAL_DIRECTUS_URL", ""),
		DirectusTimeout: EnvDuration("PORTAL_DIRECTUS_TIMEOUT", 10*time.Second),

		CredentialStore: strings.ToLower(EnvString("PORTAL_CREDENTIAL_STORE", StoreCookie)),

		RedisURL: EnvString("PORTAL_REDIS_URL", ""),

		DatabaseURL:   EnvString("PORTAL_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("PORTAL_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("PORTAL_DB_MIN_CONNS", 0),
		PurgeInterval: EnvDuration("PORTAL_CREDENTIAL_PURGE_INTERVAL", time.Hour),

		RoutesFile:        EnvString("PORTAL_ROUTES_FILE", ""),
		ProtectedPrefixes: EnvCSV("PORTAL_PROTECTED_PREFIXES"),
		PublicPaths:       EnvCSV("PORTAL_PUBLIC_PATHS"),
		LoginPath:         EnvString("PORTAL_LOGIN_PATH", "/login"),
		LandingPath:       EnvString("PORTAL_LANDING_PATH", "/companies"),
		NeutralPath:       EnvString("PORTAL_NEUTRAL_PATH", "/"),

		CORSAllowedOrigins:   EnvCSV("PORTAL_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("PORTAL_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("PORTAL_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("PORTAL_READINESS_REQUIRE_DB", false),

		RequireSIDHMAC: EnvBool("PORTAL_REQUIRE_SID_HMAC", false),
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting, wrapped in ErrConfig.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DirectusURL) == "" {
		return fmt.Errorf("%w: PORTAL_DIRECTUS_URL is required", ErrConfig)
	}
	u, err := url.Parse(c.DirectusURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: PORTAL_DIRECTUS_URL must be an absolute http(s) URL", ErrConfig)
	}

	switch c.CredentialStore {
	case StoreCookie, StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: PORTAL_CREDENTIAL_STORE=redis needs PORTAL_REDIS_URL", ErrConfig)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: PORTAL_CREDENTIAL_STORE=postgres needs PORTAL_DATABASE_URL", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown PORTAL_CREDENTIAL_STORE %q", ErrConfig, c.CredentialStore)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("%w: unknown PORTAL_LOG_FORMAT %q", ErrConfig, c.LogFormat)
	}

	for name, p := range map[string]string{
		"PORTAL_LOGIN_PATH":   c.LoginPath,
		"PORTAL_LANDING_PATH": c.LandingPath,
		"PORTAL_NEUTRAL_PATH": c.NeutralPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: %s must start with /", ErrConfig, name)
		}
	}
	return nil
}
