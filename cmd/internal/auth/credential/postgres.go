package credential

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the credentials table used by PostgresSubstrate.
const Schema = `
CREATE SCHEMA IF NOT EXISTS portal;
CREATE TABLE IF NOT EXISTS portal.credentials (
	sid_hash      text PRIMARY KEY,
	access_token  text NOT NULL,
	refresh_token text NOT NULL,
	expires_in_ms bigint NOT NULL,
	issued_at     timestamptz NOT NULL,
	expires_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL,
	stale_after   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS credentials_stale_after_idx ON portal.credentials (stale_after);
`

// PostgresSubstrate keeps credentials in PostgreSQL (portal.credentials),
// keyed by a hashed session id held in an HttpOnly cookie.
type PostgresSubstrate struct {
	cfg    CookieConfig
	pool   *pgxpool.Pool
	hasher SessionIDHasher
}

// NewPostgresSubstrate builds a Postgres-backed substrate. hasher may be nil.
func NewPostgresSubstrate(pool *pgxpool.Pool, cfg CookieConfig, hasher SessionIDHasher) *PostgresSubstrate {
	return &PostgresSubstrate{cfg: cfg.withDefaults(DefaultSIDCookieName), pool: pool, hasher: hasher}
}

// EnsureSchema applies Schema. It is idempotent.
func (s *PostgresSubstrate) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// PurgeStale deletes records whose refresh lifetime has passed.
func (s *PostgresSubstrate) PurgeStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM portal.credentials WHERE stale_after <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresSubstrate) Name() string { return "postgres" }

func (s *PostgresSubstrate) Bind(w http.ResponseWriter, r *http.Request) Store {
	return bind(&postgresBackend{s: s, sc: newSIDCookie(s.cfg, s.hasher, w, r), w: w})
}

type postgresBackend struct {
	s  *PostgresSubstrate
	sc *sidCookie
	w  http.ResponseWriter
}

func (b *postgresBackend) load(ctx context.Context) (Credential, bool, error) {
	c, ok, err := b.lookup(ctx)
	if err == nil {
		b.sc.found(ok)
	}
	return c, ok, err
}

func (b *postgresBackend) lookup(ctx context.Context) (Credential, bool, error) {
	h, ok := b.sc.key()
	if !ok {
		return Credential{}, false, nil
	}

	var (
		c         Credential
		expiresMS int64
	)
	err := b.s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, expires_in_ms, issued_at
		FROM portal.credentials
		WHERE sid_hash = $1 AND stale_after > $2
	`, h, b.s.cfg.Now().UTC()).Scan(&c.AccessToken, &c.RefreshToken, &expiresMS, &c.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	c.ExpiresIn = time.Duration(expiresMS) * time.Millisecond
	return c, true, nil
}

func (b *postgresBackend) save(ctx context.Context, c Credential) error {
	if b.sc.needsCheck() {
		if _, _, err := b.load(ctx); err != nil {
			return err
		}
	}
	h, err := b.sc.ensure()
	if err != nil {
		return err
	}
	now := b.s.cfg.Now().UTC()

	_, err = b.s.pool.Exec(ctx, `
		INSERT INTO portal.credentials (
			sid_hash, access_token, refresh_token, expires_in_ms,
			issued_at, expires_at, updated_at, stale_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sid_hash) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_in_ms = EXCLUDED.expires_in_ms,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at,
			stale_after = EXCLUDED.stale_after
	`, h, c.AccessToken, c.RefreshToken, c.ExpiresIn.Milliseconds(),
		c.IssuedAt, c.ExpiresAt, now, now.Add(b.s.cfg.TTL))
	if err != nil {
		return err
	}
	b.s.cfg.setExpiry(b.w, c)
	return nil
}

func (b *postgresBackend) remove(ctx context.Context) error {
	h, ok := b.sc.key()
	b.sc.expire()
	if !ok {
		return nil
	}
	_, err := b.s.pool.Exec(ctx, `DELETE FROM portal.credentials WHERE sid_hash = $1`, h)
	return err
}

func (b *postgresBackend) rotate(ctx context.Context, c Credential) error {
	if h, ok := b.sc.key(); ok {
		if _, err := b.s.pool.Exec(ctx, `DELETE FROM portal.credentials WHERE sid_hash = $1`, h); err != nil {
			return err
		}
	}
	b.sc.rotate()
	return b.save(ctx, c)
}
