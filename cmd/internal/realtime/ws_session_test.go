package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal/cmd/internal/auth/credential"
	"portal/cmd/internal/auth/session"
	"portal/cmd/internal/auth/session/sessiontest"
	v1 "portal/cmd/internal/contracts/session/v1"
)

type watchFixture struct {
	sub   *credential.MemorySubstrate
	watch *SessionWatch
	srv   *httptest.Server
}

func newWatchFixture(t *testing.T, scfg session.Config, cfg WatchConfig) *watchFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &watchFixture{sub: credential.NewMemorySubstrate()}
	svc := session.NewService(scfg, &sessiontest.Gateway{}, session.WithLogger(log))
	f.watch = NewSessionWatch(log, svc, nil, cfg)

	bindStore := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := credential.WithStore(r.Context(), f.sub.Bind(w, r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	mux := http.NewServeMux()
	mux.Handle("/ws/session", bindStore(f.watch))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testWatchConfig() WatchConfig {
	cfg := DefaultWatchConfig()
	cfg.OriginRequired = false
	return cfg
}

func (f *watchFixture) dial(t *testing.T, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/session"
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func send(t *testing.T, conn *websocket.Conn, typ string) {
	t.Helper()
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readType(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err)
		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func readState(t *testing.T, conn *websocket.Conn) v1.SessionStatePayload {
	t.Helper()
	env := readType(t, conn, v1.TypeSessionState)
	var p v1.SessionStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func TestSessionWatch_RejectsAnonymous(t *testing.T) {
	f := newWatchFixture(t, session.DefaultConfig(), testWatchConfig())

	_, resp, err := f.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionWatch_RejectsForeignOrigin(t *testing.T) {
	cfg := testWatchConfig()
	cfg.OriginRequired = true
	f := newWatchFixture(t, session.DefaultConfig(), cfg)
	require.NoError(t, f.sub.Store.Put(context.Background(), credential.New("a", "r", time.Hour, time.Now())))

	_, resp, err := f.dial(t, "https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSessionWatch_AcceptsSameOrigin(t *testing.T) {
	cfg := testWatchConfig()
	cfg.OriginRequired = true
	cfg.AllowedOrigins = nil
	f := newWatchFixture(t, session.DefaultConfig(), cfg)
	require.NoError(t, f.sub.Store.Put(context.Background(), credential.New("a", "r", time.Hour, time.Now())))

	conn, _, err := f.dial(t, f.srv.URL)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	send(t, conn, v1.TypeHello)
	assert.Equal(t, "valid", readState(t, conn).State)
}

func TestSessionWatch_PushesTransitions(t *testing.T) {
	scfg := session.DefaultConfig()
	scfg.Skew = 150 * time.Millisecond
	f := newWatchFixture(t, scfg, testWatchConfig())
	require.NoError(t, f.sub.Store.Put(context.Background(), credential.New("a", "r", 400*time.Millisecond, time.Now())))

	conn, _, err := f.dial(t, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	send(t, conn, v1.TypeHello)
	ack := readType(t, conn, v1.TypeHelloAck)
	var ap v1.HelloAckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ap))
	assert.Len(t, ap.ConnID, 26)

	first := readState(t, conn)
	assert.Equal(t, "valid", first.State)
	assert.True(t, first.Authenticated)
	require.NotNil(t, first.ExpiresAt)

	assert.Equal(t, "expiring_soon", readState(t, conn).State)
	assert.Equal(t, "expired", readState(t, conn).State)
}

func TestSessionWatch_StatusSeesOtherWrites(t *testing.T) {
	f := newWatchFixture(t, session.DefaultConfig(), testWatchConfig())
	require.NoError(t, f.sub.Store.Put(context.Background(), credential.New("a", "r", time.Hour, time.Now())))

	conn, _, err := f.dial(t, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	send(t, conn, v1.TypeHello)
	assert.Equal(t, "valid", readState(t, conn).State)

	require.NoError(t, f.sub.Store.Clear(context.Background()))
	send(t, conn, v1.TypeSessionStatus)
	st := readState(t, conn)
	assert.Equal(t, "anonymous", st.State)
	assert.Nil(t, st.ExpiresAt)
}

func TestSessionWatch_StatusFollowsReportedExpiry(t *testing.T) {
	f := newWatchFixture(t, session.DefaultConfig(), testWatchConfig())
	now := time.Now()
	require.NoError(t, f.sub.Store.Put(context.Background(), credential.New("a", "r", time.Hour, now.Add(-59*time.Minute-30*time.Second))))

	conn, _, err := f.dial(t, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	send(t, conn, v1.TypeHello)
	assert.Equal(t, "expiring_soon", readState(t, conn).State)

	sendStatus := func(at time.Time) {
		t.Helper()
		payload, err := json.Marshal(v1.SessionStatusPayload{ExpiresAt: &at})
		require.NoError(t, err)
		b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeSessionStatus, TS: time.Now().UTC(), Payload: payload})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
	}

	// Beyond what a renewal could grant: ignored.
	sendStatus(now.Add(5 * time.Hour))
	assert.Equal(t, "expiring_soon", readState(t, conn).State)

	renewed := now.Add(55 * time.Minute).UTC().Truncate(time.Second)
	sendStatus(renewed)
	st := readState(t, conn)
	assert.Equal(t, "valid", st.State)
	require.NotNil(t, st.ExpiresAt)
	assert.True(t, renewed.Equal(*st.ExpiresAt))
}

func TestSessionWatch_StatusBeforeHello(t *testing.T) {
	f := newWatchFixture(t, session.DefaultConfig(), testWatchConfig())
	require.NoError(t, f.sub.Store.Put(context.Background(), credential.New("a", "r", time.Hour, time.Now())))

	conn, _, err := f.dial(t, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	send(t, conn, v1.TypeSessionStatus)
	env := readType(t, conn, v1.TypeError)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "hello_required", p.Code)
}

func TestSessionWatch_HubCloseAll(t *testing.T) {
	f := newWatchFixture(t, session.DefaultConfig(), testWatchConfig())
	require.NoError(t, f.sub.Store.Put(context.Background(), credential.New("a", "r", time.Hour, time.Now())))

	conn, _, err := f.dial(t, "")
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	send(t, conn, v1.TypeHello)
	readState(t, conn)
	require.Equal(t, 1, f.watch.Hub().Len())

	f.watch.Hub().CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err = conn.Read(ctx); err != nil {
			break
		}
	}
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://App.example.com", "*", "localhost"})
	assert.Equal(t, []string{"app.example.com", "localhost"}, got)
}

func TestRateLimiter(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(2, time.Second)
	assert.True(t, rl.Allow(now))
	assert.True(t, rl.Allow(now))
	assert.False(t, rl.Allow(now))
	assert.True(t, rl.Allow(now.Add(1100*time.Millisecond)))
}
