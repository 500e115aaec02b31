package credential

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces credential records.
const DefaultRedisKeyPrefix = "portal:cred:"

// RedisSubstrate keeps credentials in Redis, keyed by a hashed session id held
// in an HttpOnly cookie.
type RedisSubstrate struct {
	cfg    CookieConfig
	rdb    redis.UniversalClient
	hasher SessionIDHasher
	prefix string
}

// NewRedisSubstrate builds a Redis-backed substrate. hasher may be nil.
func NewRedisSubstrate(rdb redis.UniversalClient, cfg CookieConfig, hasher SessionIDHasher) *RedisSubstrate {
	return &RedisSubstrate{
		cfg:    cfg.withDefaults(DefaultSIDCookieName),
		rdb:    rdb,
		hasher: hasher,
		prefix: DefaultRedisKeyPrefix,
	}
}

func (s *RedisSubstrate) Name() string { return "redis" }

func (s *RedisSubstrate) Bind(w http.ResponseWriter, r *http.Request) Store {
	return bind(&redisBackend{s: s, sc: newSIDCookie(s.cfg, s.hasher, w, r), w: w})
}

type redisBackend struct {
	s  *RedisSubstrate
	sc *sidCookie
	w  http.ResponseWriter
}

func (b *redisBackend) load(ctx context.Context) (Credential, bool, error) {
	c, ok, err := b.lookup(ctx)
	if err == nil {
		b.sc.found(ok)
	}
	return c, ok, err
}

func (b *redisBackend) lookup(ctx context.Context) (Credential, bool, error) {
	h, ok := b.sc.key()
	if !ok {
		return Credential{}, false, nil
	}
	raw, err := b.s.rdb.Get(ctx, b.s.prefix+h).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil || c.IsZero() {
		b.s.cfg.Logger.DebugContext(ctx, "credential.redis.unreadable")
		return Credential{}, false, nil
	}
	return c, true, nil
}

func (b *redisBackend) save(ctx context.Context, c Credential) error {
	if b.sc.needsCheck() {
		if _, _, err := b.load(ctx); err != nil {
			return err
		}
	}
	h, err := b.sc.ensure()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := b.s.rdb.Set(ctx, b.s.prefix+h, raw, b.s.cfg.TTL).Err(); err != nil {
		return err
	}
	b.s.cfg.setExpiry(b.w, c)
	return nil
}

func (b *redisBackend) remove(ctx context.Context) error {
	h, ok := b.sc.key()
	b.sc.expire()
	if !ok {
		return nil
	}
	if err := b.s.rdb.Del(ctx, b.s.prefix+h).Err(); err != nil {
		b.s.cfg.Logger.WarnContext(ctx, "credential.redis.clear_failed", slog.Any("err", err))
		return err
	}
	return nil
}

// rotate drops any record behind the presented id and saves c under a new id.
func (b *redisBackend) rotate(ctx context.Context, c Credential) error {
	if h, ok := b.sc.key(); ok {
		if err := b.s.rdb.Del(ctx, b.s.prefix+h).Err(); err != nil {
			return err
		}
	}
	b.sc.rotate()
	return b.save(ctx, c)
}
