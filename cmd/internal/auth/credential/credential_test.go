package credential

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalize_RecomputesExpiresAt(t *testing.T) {
	t.Parallel()

	c := Credential{
		AccessToken:  " a ",
		RefreshToken: "r",
		ExpiresIn:    900000 * time.Millisecond,
		IssuedAt:     t0,
		ExpiresAt:    t0.Add(-time.Hour), // stale copy
	}.Normalize()

	assert.Equal(t, "a", c.AccessToken)
	assert.True(t, c.ExpiresAt.Equal(t0.Add(900000*time.Millisecond)))
}

func TestNormalize_NegativeExpiresIn(t *testing.T) {
	t.Parallel()

	c := New("a", "r", -time.Second, t0)
	assert.Equal(t, time.Duration(0), c.ExpiresIn)
	assert.True(t, c.ExpiresAt.Equal(t0))
}

func TestJSON_IgnoresEncodedExpiresAt(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"access_token":"a","refresh_token":"r","expires":900000,"issued_at":` +
		jsonInt(t0.UnixMilli()) + `,"expires_at":1}`)

	var c Credential
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.Equal(t, t0.Add(15*time.Minute).UnixMilli(), c.ExpiresAt.UnixMilli())

	out, err := json.Marshal(c)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.EqualValues(t, 900000, back["expires"])
	assert.EqualValues(t, t0.Add(15*time.Minute).UnixMilli(), back["expires_at"])
}

func TestMemoryStore_PutGetClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStore()

	_, ok, err := m.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	stale := Credential{AccessToken: "a", RefreshToken: "r", ExpiresIn: time.Minute, IssuedAt: t0, ExpiresAt: t0}
	require.NoError(t, m.Put(ctx, stale))

	got, ok, err := m.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.ExpiresAt.Equal(t0.Add(time.Minute)))

	require.NoError(t, m.Clear(ctx))
	_, ok, _ = m.Get(ctx)
	assert.False(t, ok)

	puts, clears := m.Counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, 1, clears)
}

func TestBoundStore_CachesWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sub := NewMemorySubstrate()
	require.NoError(t, sub.Store.Put(ctx, New("old", "r", time.Minute, t0)))

	s := sub.Bind(nil, nil)
	got, ok, err := s.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", got.AccessToken)

	// A write behind the bound store's back is not observed once cached.
	require.NoError(t, sub.Store.Put(ctx, New("other", "r", time.Minute, t0)))
	got, _, _ = s.Get(ctx)
	assert.Equal(t, "old", got.AccessToken)

	require.NoError(t, s.Put(ctx, New("new", "r2", time.Minute, t0)))
	got, _, _ = s.Get(ctx)
	assert.Equal(t, "new", got.AccessToken)

	require.NoError(t, s.Clear(ctx))
	_, ok, _ = s.Get(ctx)
	assert.False(t, ok)
}

func TestReload_SeesBackendWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sub := NewMemorySubstrate()
	require.NoError(t, sub.Store.Put(ctx, New("old", "r", time.Minute, t0)))

	s := sub.Bind(nil, nil)
	_, _, err := s.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, sub.Store.Clear(ctx))
	_, ok, err := Reload(ctx, s)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sub.Store.Put(ctx, New("other", "r", time.Minute, t0)))
	got, ok, err := Reload(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "other", got.AccessToken)

	// Plain stores fall back to Get.
	got, ok, err = Reload(ctx, sub.Store)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "other", got.AccessToken)
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)

	ctx = WithCredential(ctx, New("a", "r", time.Minute, t0))
	c, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", c.AccessToken)

	m := NewMemoryStore()
	ctx = WithStore(ctx, m)
	s, ok := StoreFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, m, s)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
