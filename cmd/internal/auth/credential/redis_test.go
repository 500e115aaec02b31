package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal/cmd/internal/ids"
)

func newRedisSubstrate(t *testing.T) (*RedisSubstrate, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisSubstrate(rdb, testCookieConfig(), newTestSealer(t)), mr
}

func TestRedisSubstrate_PutGetClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sub, mr := newRedisSubstrate(t)
	assert.Equal(t, "redis", sub.Name())

	rec := httptest.NewRecorder()
	s := sub.Bind(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, s.Put(ctx, New("access-1", "refresh-1", 15*time.Minute, t0)))

	cookies := cookiesOf(rec)
	sid := cookies[DefaultSIDCookieName]
	require.NotNil(t, sid)
	assert.True(t, ids.IsULID(sid.Value))
	assert.True(t, sid.HttpOnly)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], DefaultRedisKeyPrefix)
	assert.NotContains(t, keys[0], sid.Value)
	assert.Equal(t, DefaultRefreshTTL, mr.TTL(keys[0]))

	next := sub.Bind(httptest.NewRecorder(), requestWith(cookies))
	got, ok, err := next.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-1", got.AccessToken)

	clearRec := httptest.NewRecorder()
	require.NoError(t, sub.Bind(clearRec, requestWith(cookies)).Clear(ctx))
	assert.Empty(t, mr.Keys())
	assert.Equal(t, -1, cookiesOf(clearRec)[DefaultSIDCookieName].MaxAge)

	_, ok, err = sub.Bind(httptest.NewRecorder(), requestWith(cookies)).Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSubstrate_PutReusesStoredSessionID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sub, mr := newRedisSubstrate(t)

	rec := httptest.NewRecorder()
	require.NoError(t, sub.Bind(rec, httptest.NewRequest(http.MethodGet, "/", nil)).Put(ctx, New("a1", "r1", time.Minute, t0)))
	cookies := cookiesOf(rec)

	rec2 := httptest.NewRecorder()
	require.NoError(t, sub.Bind(rec2, requestWith(cookies)).Put(ctx, New("a2", "r2", time.Minute, t0)))

	assert.Len(t, mr.Keys(), 1)
	assert.Equal(t, cookies[DefaultSIDCookieName].Value, cookiesOf(rec2)[DefaultSIDCookieName].Value)
}

func TestRedisSubstrate_PutIgnoresUnknownSessionID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sub, mr := newRedisSubstrate(t)

	planted, err := ids.NewULID(t0)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	r.AddCookie(&http.Cookie{Name: DefaultSIDCookieName, Value: planted})

	rec := httptest.NewRecorder()
	require.NoError(t, sub.Bind(rec, r).Put(ctx, New("victim-access", "victim-refresh", time.Minute, t0)))

	issued := cookiesOf(rec)[DefaultSIDCookieName]
	require.NotNil(t, issued)
	assert.NotEqual(t, planted, issued.Value)
	assert.Len(t, mr.Keys(), 1)

	again := httptest.NewRequest(http.MethodGet, "/companies", nil)
	again.AddCookie(&http.Cookie{Name: DefaultSIDCookieName, Value: planted})
	_, ok, err := sub.Bind(httptest.NewRecorder(), again).Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSubstrate_RotateIssuesNewSessionID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sub, mr := newRedisSubstrate(t)

	rec := httptest.NewRecorder()
	require.NoError(t, sub.Bind(rec, httptest.NewRequest(http.MethodGet, "/", nil)).Put(ctx, New("a1", "r1", time.Minute, t0)))
	old := cookiesOf(rec)

	rec2 := httptest.NewRecorder()
	require.NoError(t, Rotate(ctx, sub.Bind(rec2, requestWith(old)), New("a2", "r2", time.Minute, t0)))

	fresh := cookiesOf(rec2)
	assert.NotEqual(t, old[DefaultSIDCookieName].Value, fresh[DefaultSIDCookieName].Value)
	assert.Len(t, mr.Keys(), 1)

	_, ok, err := sub.Bind(httptest.NewRecorder(), requestWith(old)).Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := sub.Bind(httptest.NewRecorder(), requestWith(fresh)).Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a2", got.AccessToken)
}

func TestRedisSubstrate_IgnoresForgedSessionID(t *testing.T) {
	t.Parallel()

	sub, _ := newRedisSubstrate(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: DefaultSIDCookieName, Value: "../../etc"})

	_, ok, err := sub.Bind(httptest.NewRecorder(), r).Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSubstrate_BackendErrorSurfaces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sub, mr := newRedisSubstrate(t)

	rec := httptest.NewRecorder()
	require.NoError(t, sub.Bind(rec, httptest.NewRequest(http.MethodGet, "/", nil)).Put(ctx, New("a", "r", time.Minute, t0)))

	mr.SetError("boom")
	_, _, err := sub.Bind(httptest.NewRecorder(), requestWith(cookiesOf(rec))).Get(ctx)
	assert.Error(t, err)
}
