package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	authapi "portal/cmd/internal/auth/api"
	"portal/cmd/internal/auth/credential"
	"portal/cmd/internal/auth/routes"
	"portal/cmd/security/seal"
)

// resources are the external connections the app owns and closes on shutdown.
type resources struct {
	pool *pgxpool.Pool
	rdb  *redis.Client

	// purge is set for the postgres substrate.
	purge *credential.PostgresSubstrate
}

func (r *resources) Close(_ context.Context) error {
	var err error
	if r.rdb != nil {
		err = r.rdb.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
	return err
}

// ready pings whatever backs the credential store.
func (r *resources) ready(ctx context.Context) error {
	if r.pool != nil {
		if err := PingDB(ctx, r.pool, 2*time.Second); err != nil {
			return err
		}
	}
	if r.rdb != nil {
		if err := PingRedis(ctx, r.rdb, 2*time.Second); err != nil {
			return err
		}
	}
	return nil
}

func cookieConfig(api authapi.Config, log Logger) credential.CookieConfig {
	return credential.CookieConfig{
		ExpiryName: credential.DefaultExpiryCookieName,
		Path:       api.CookiePath,
		Domain:     api.CookieDomain,
		Secure:     api.CookieSecure,
		SameSite:   api.CookieSameSite,
		TTL:        api.CookieTTL,
		Logger:     log,
	}
}

// newSubstrate builds the configured credential substrate and the connections behind it.
func newSubstrate(ctx context.Context, cfg Config, api authapi.Config, log Logger) (credential.Substrate, *resources, error) {
	sealer, err := loadSealer(cfg)
	if err != nil {
		return nil, nil, err
	}
	cc := cookieConfig(api, log)
	res := &resources{}

	// A nil *seal.Sealer must not become a non-nil interface value.
	var hasher credential.SessionIDHasher
	if sealer != nil {
		hasher = sealer
	}

	switch cfg.CredentialStore {
	case StoreCookie:
		sub, err := credential.NewCookieSubstrate(cc, sealer)
		if err != nil {
			return nil, nil, err
		}
		log.Info("credential.store", "kind", sub.Name())
		return sub, res, nil

	case StoreRedis:
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		res.rdb = rdb
		log.Info("credential.store", "kind", "redis", "hmac", sealer != nil)
		return credential.NewRedisSubstrate(rdb, cc, hasher), res, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		res.pool = pool
		sub := credential.NewPostgresSubstrate(pool, cc, hasher)
		if err := sub.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		res.purge = sub
		log.Info("credential.store", "kind", sub.Name(), "hmac", sealer != nil)
		return sub, res, nil

	default:
		log.Warn("credential.store.memory", "note", "single shared credential; development only")
		return credential.NewMemorySubstrate(), res, nil
	}
}

// purgeLoop deletes expired server-side records until ctx is done.
func purgeLoop(ctx context.Context, sub *credential.PostgresSubstrate, every time.Duration, log Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := sub.PurgeStale(ctx, now)
			if err != nil {
				log.Warn("credential.purge.fail", "err", err)
				continue
			}
			if n > 0 {
				log.Info("credential.purge", "deleted", n)
			}
		}
	}
}

// LoadRoutes builds the route classifier: defaults, then PORTAL_ROUTES_FILE,
// then the PORTAL_PROTECTED_PREFIXES / PORTAL_PUBLIC_PATHS overrides.
func LoadRoutes(cfg Config) (*routes.Classifier, error) {
	rules := routes.DefaultRules()
	if cfg.RoutesFile != "" {
		r, err := routes.LoadFile(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		rules = r
	}
	if len(cfg.ProtectedPrefixes) > 0 {
		rules.Protected = cfg.ProtectedPrefixes
	}
	if len(cfg.PublicPaths) > 0 {
		rules.Public = cfg.PublicPaths
	}
	return routes.New(rules)
}

var _ credential.SessionIDHasher = (*seal.Sealer)(nil)
