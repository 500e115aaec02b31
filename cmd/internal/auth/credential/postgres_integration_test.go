package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PORTAL_TEST_DATABASE_URL is set.

func TestPostgresSubstrate_PutGetClear(t *testing.T) {
	dbURL := os.Getenv("PORTAL_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("PORTAL_TEST_DATABASE_URL is not set; skipping Postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	cfg := testCookieConfig()
	cfg.Now = func() time.Time { return now }

	sub := NewPostgresSubstrate(pool, cfg, nil)
	if err := sub.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	rec := httptest.NewRecorder()
	if err := sub.Bind(rec, httptest.NewRequest(http.MethodGet, "/", nil)).Put(ctx, New("a1", "r1", 15*time.Minute, now)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cookies := cookiesOf(rec)

	// Upsert replaces the full record.
	rec2 := httptest.NewRecorder()
	if err := sub.Bind(rec2, requestWith(cookies)).Put(ctx, New("a2", "r2", 15*time.Minute, now)); err != nil {
		t.Fatalf("Put (replace): %v", err)
	}

	got, ok, err := sub.Bind(httptest.NewRecorder(), requestWith(cookies)).Get(ctx)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "a2" || got.RefreshToken != "r2" {
		t.Fatalf("expected replaced pair, got %q/%q", got.AccessToken, got.RefreshToken)
	}
	if !got.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expires_at %s", got.ExpiresAt)
	}

	// Sign-in under a presented id moves the record to a new id.
	rec3 := httptest.NewRecorder()
	if err := Rotate(ctx, sub.Bind(rec3, requestWith(cookies)), New("a3", "r3", 15*time.Minute, now)); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, ok, _ := sub.Bind(httptest.NewRecorder(), requestWith(cookies)).Get(ctx); ok {
		t.Fatalf("old session id still resolves after Rotate")
	}
	cookies = cookiesOf(rec3)

	if err := sub.Bind(httptest.NewRecorder(), requestWith(cookies)).Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, err := sub.Bind(httptest.NewRecorder(), requestWith(cookies)).Get(ctx); err != nil || ok {
		t.Fatalf("expected absent after Clear: ok=%v err=%v", ok, err)
	}
}
