package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal/cmd/security/seal"
)

func newTestSealer(t *testing.T) *seal.Sealer {
	t.Helper()
	s, err := seal.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return s
}

func testCookieConfig() CookieConfig {
	return CookieConfig{
		ExpiryName: DefaultExpiryCookieName,
		Now:        func() time.Time { return t0 },
	}
}

func cookiesOf(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func requestWith(cookies map[string]*http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		if c.MaxAge < 0 {
			continue
		}
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return r
}

func TestCookieSubstrate_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sub, err := NewCookieSubstrate(testCookieConfig(), newTestSealer(t))
	require.NoError(t, err)
	assert.Equal(t, "cookie", sub.Name())

	rec := httptest.NewRecorder()
	s := sub.Bind(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	_, ok, err := s.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	cred := New("access-1", "refresh-1", 900000*time.Millisecond, t0)
	require.NoError(t, s.Put(ctx, cred))

	cookies := cookiesOf(rec)
	main := cookies[DefaultSessionCookieName]
	require.NotNil(t, main)
	assert.True(t, main.HttpOnly)
	assert.NotContains(t, main.Value, "access-1")
	assert.Equal(t, int(DefaultRefreshTTL/time.Second), main.MaxAge)

	exp := cookies[DefaultExpiryCookieName]
	require.NotNil(t, exp)
	assert.False(t, exp.HttpOnly)
	assert.Equal(t, strconv.FormatInt(t0.Add(15*time.Minute).UnixMilli(), 10), exp.Value)

	next := sub.Bind(httptest.NewRecorder(), requestWith(cookies))
	got, ok, err := next.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.True(t, got.ExpiresAt.Equal(cred.ExpiresAt))
}

func TestCookieSubstrate_TamperedCookieIsAbsent(t *testing.T) {
	t.Parallel()

	sub, err := NewCookieSubstrate(testCookieConfig(), newTestSealer(t))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: DefaultSessionCookieName, Value: "not-a-sealed-value"})

	_, ok, err := sub.Bind(httptest.NewRecorder(), r).Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCookieSubstrate_ClearExpiresBothCookies(t *testing.T) {
	t.Parallel()

	sub, err := NewCookieSubstrate(testCookieConfig(), newTestSealer(t))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, sub.Bind(rec, httptest.NewRequest(http.MethodGet, "/", nil)).Clear(context.Background()))

	cookies := cookiesOf(rec)
	for _, name := range []string{DefaultSessionCookieName, DefaultExpiryCookieName} {
		c := cookies[name]
		require.NotNil(t, c, name)
		assert.Equal(t, -1, c.MaxAge, name)
		assert.Empty(t, c.Value, name)
	}
}

func TestNewCookieSubstrate_RequiresSealer(t *testing.T) {
	t.Parallel()

	_, err := NewCookieSubstrate(CookieConfig{}, nil)
	assert.ErrorIs(t, err, seal.ErrKeyMissing)
}
