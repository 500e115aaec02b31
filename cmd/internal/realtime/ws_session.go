package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"portal/cmd/internal/auth/credential"
	"portal/cmd/internal/auth/session"
	v1 "portal/cmd/internal/contracts/session/v1"
)

const (
	wsDefaultSendQueueSize = 16
	wsDefaultWriteTimeout  = 5 * time.Second
	wsDefaultReadIdle      = 2 * time.Minute
	wsCloseGrace           = 1 * time.Second
	wsMaxPingFailures      = 3

	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WatchConfig controls the session watch endpoint.
type WatchConfig struct {
	OriginRequired bool
	AllowedOrigins []string
	// RequireAuth refuses the upgrade (401) when no credential is stored.
	RequireAuth bool

	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RateEvents        int
	RateWindow        time.Duration
	PollInterval      time.Duration
}

// DefaultWatchConfig returns secure defaults.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		OriginRequired:    wsDefaultOriginRequired,
		AllowedOrigins:    splitCSV(wsDefaultAllowedOrigins),
		RequireAuth:       true,
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		PollInterval:      statePollInterval,
	}
}

// LoadWatchConfigFromEnv reads PORTAL_WS_* overrides on top of the defaults.
func LoadWatchConfigFromEnv() WatchConfig {
	def := DefaultWatchConfig()
	return WatchConfig{
		OriginRequired:    envBoolWS("PORTAL_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:    envCSVWS("PORTAL_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		RequireAuth:       envBoolWS("PORTAL_WS_REQUIRE_AUTH", def.RequireAuth),
		WriteTimeout:      envDurationWS("PORTAL_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:   envDurationWS("PORTAL_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:     envIntWS("PORTAL_WS_SEND_QUEUE", def.SendQueueSize),
		HeartbeatInterval: envDurationWS("PORTAL_WS_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		HeartbeatTimeout:  envDurationWS("PORTAL_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:        envIntWS("PORTAL_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:        envDurationWS("PORTAL_WS_RATE_WINDOW", def.RateWindow),
		PollInterval:      envDurationWS("PORTAL_WS_POLL_INTERVAL", def.PollInterval),
	}
}

// SessionWatch is the /ws/session endpoint.
//
// It reads the credential store the guard middleware bound to the upgrade
// request and pushes session_state envelopes on hello, on session_status, and
// whenever the standing changes (refresh due, expiry, or a write by another
// request on a server-side store).
type SessionWatch struct {
	log *slog.Logger
	svc *session.Service
	hub *Hub
	cfg WatchConfig

	// websocket.Accept authorizes same-host origins itself; cross-origin
	// requests need host patterns derived from the allowlist.
	originPatterns []string
}

// NewSessionWatch constructs the endpoint. A nil hub gets a private one.
func NewSessionWatch(log *slog.Logger, svc *session.Service, hub *Hub, cfg WatchConfig) *SessionWatch {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	def := DefaultWatchConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &SessionWatch{
		log:            log,
		svc:            svc,
		hub:            hub,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// Hub returns the watcher registry.
func (g *SessionWatch) Hub() *Hub { return g.hub }

// ServeHTTP upgrades the request and runs the watch loop.
func (g *SessionWatch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	store, ok := credential.StoreFromContext(r.Context())
	if !ok {
		g.log.Error("ws.store.missing")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if g.cfg.RequireAuth {
		cur, present, err := store.Get(r.Context())
		if err != nil || g.svc.State(cur, present) == session.Anonymous {
			g.log.Info("ws.reject.unauthenticated", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Server-wide read/write deadlines would otherwise carry over to the hijacked conn.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(connID, g.cfg.SendQueueSize)
	g.hub.add(client)
	defer g.hub.remove(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.log.Info("ws.open", "conn_id", connID)
	defer g.log.Info("ws.close", "conn_id", connID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusGoingAway, "server shutting down")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

	started := make(chan struct{})
	wake := make(chan struct{}, 1)
	var hint atomic.Int64
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		g.watch(ctx, client, store, &hint, started, wake)
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)
	helloed := false

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if helloed {
				g.trySendError(ctx, client, "duplicate_hello", "hello already received")
				continue readLoop
			}
			ack, _ := json.Marshal(v1.HelloAckPayload{ConnID: connID})
			if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ack, time.Now().UTC())) {
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			helloed = true
			close(started)

		case v1.TypeSessionStatus:
			if !helloed {
				g.trySendError(ctx, client, "hello_required", "send hello first")
				continue readLoop
			}
			if len(env.Payload) > 0 {
				var sp v1.SessionStatusPayload
				if err := json.Unmarshal(env.Payload, &sp); err != nil {
					g.trySendError(ctx, client, "bad_payload", "invalid session_status payload")
					continue readLoop
				}
				if sp.ExpiresAt != nil {
					hint.Store(sp.ExpiresAt.UnixNano())
				}
			}
			select {
			case wake <- struct{}{}:
			default:
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-watchDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *SessionWatch) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// watch pushes session_state after hello and on every change in standing.
func (g *SessionWatch) watch(ctx context.Context, client *Client, store credential.Store, hint *atomic.Int64, started <-chan struct{}, wake <-chan struct{}) {
	select {
	case <-started:
	case <-ctx.Done():
		return
	case <-client.Done():
		return
	}

	var last v1.SessionStatePayload
	force := true
	for {
		cur, present, err := credential.Reload(ctx, store)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Warn("ws.session.read_failed", "conn_id", client.ConnID, "err", err)
			present = false
		}
		if h := hint.Load(); present && h != 0 {
			cur = adoptExpiry(cur, time.Unix(0, h), g.svc.Now())
		}
		st := g.svc.StatusOf(cur, present)
		p := statePayload(st)

		if force || !samePayload(p, last) {
			b, _ := json.Marshal(p)
			if !g.enqueue(ctx, client, newEnvelope(v1.TypeSessionState, b, time.Now().UTC())) {
				return
			}
			last = p
		}
		force = false

		t := time.NewTimer(g.nextCheck(st))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-client.Done():
			t.Stop()
			return
		case <-wake:
			force = true
		case <-t.C:
		}
		t.Stop()
	}
}

// adoptExpiry moves c's expiry to a client-reported one when it is later than
// the stored expiry and no later than a renewal issued now could reach.
func adoptExpiry(c credential.Credential, at, now time.Time) credential.Credential {
	c = c.Normalize()
	if !at.After(c.ExpiresAt) || at.After(now.Add(c.ExpiresIn)) {
		return c
	}
	c.ExpiresIn = at.Sub(c.IssuedAt)
	return c.Normalize()
}

// nextCheck returns the delay until the next possible change in standing.
func (g *SessionWatch) nextCheck(st session.Status) time.Duration {
	d := g.cfg.PollInterval
	var until time.Duration
	switch st.State {
	case session.Valid:
		until = st.RefreshDueIn
	case session.ExpiringSoon:
		until = st.ExpiresAt.Add(g.svc.Config().Grace).Sub(g.svc.Now())
	}
	if until > 0 && until < d {
		d = until + time.Millisecond
	}
	return d
}

func statePayload(st session.Status) v1.SessionStatePayload {
	p := v1.SessionStatePayload{
		State:          st.State.String(),
		Authenticated:  st.Authenticated,
		RefreshDueInMS: st.RefreshDueIn.Milliseconds(),
	}
	if !st.ExpiresAt.IsZero() {
		exp := st.ExpiresAt
		p.ExpiresAt = &exp
	}
	return p
}

// samePayload ignores RefreshDueInMS, which changes on every read.
func samePayload(a, b v1.SessionStatePayload) bool {
	if a.State != b.State || a.Authenticated != b.Authenticated {
		return false
	}
	if (a.ExpiresAt == nil) != (b.ExpiresAt == nil) {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.Equal(*b.ExpiresAt)
}

// ---- send helpers ----

func (g *SessionWatch) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (g *SessionWatch) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText {
		return v1.Envelope{}, badJSONError{err: fmt.Errorf("unsupported message type: %v", mt)}
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad badJSONError
	switch {
	case errors.As(err, &bad):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *SessionWatch) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if u, err := url.Parse(origin); err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host) {
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted hosts of the allowlist.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
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

func envIntWS(key string, def int) int {
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

func envDurationWS(key string, def time.Duration) time.Duration {
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

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
