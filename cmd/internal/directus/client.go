package directus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"portal/cmd/internal/auth/credential"
)

const (
	OpLogin   = "login"
	OpRefresh = "refresh"
	OpLogout  = "logout"
	OpItems   = "items"

	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 4 << 20
)

// Observer receives one callback per provider call. err is nil on success.
type Observer func(op string, status int, d time.Duration, err error)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	HTTPClient   *http.Client
	Now          func() time.Time
	Logger       *slog.Logger
	Observer     Observer
	MaxBodyBytes int64
}

// Client talks to the Directus REST API. It never retries.
type Client struct {
	base    *url.URL
	http    *http.Client
	now     func() time.Time
	log     *slog.Logger
	observe Observer
	maxBody int64
	tracer  trace.Tracer
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(raw)
	if err != nil || raw == "" || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: directus base url %q", ErrConfig, cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	return &Client{
		base:    u,
		http:    hc,
		now:     now,
		log:     logger,
		observe: cfg.Observer,
		maxBody: maxBody,
		tracer:  otel.Tracer("portal/directus"),
	}, nil
}

// Login exchanges email and password for a credential.
//
// Any non-2xx answer is ErrInvalidCredentials; transport failures are
// ErrGatewayUnavailable.
func (c *Client) Login(ctx context.Context, email, password string) (credential.Credential, error) {
	status, body, err := c.do(ctx, OpLogin, http.MethodPost, "/auth/login", "", loginRequest{
		Email:    email,
		Password: password,
		Mode:     "json",
	})
	if err != nil {
		return credential.Credential{}, err
	}
	if status < 200 || status > 299 {
		return credential.Credential{}, &ProviderError{Op: OpLogin, Status: status, Err: ErrInvalidCredentials}
	}
	cred, ok := c.decodeCredential(body)
	if !ok {
		return credential.Credential{}, &ProviderError{Op: OpLogin, Status: status, Err: fmt.Errorf("%w: %w", ErrMalformedResponse, ErrInvalidCredentials)}
	}
	return cred, nil
}

// Refresh exchanges a refresh token for a new credential.
//
// 4xx is ErrRefreshRejected. 5xx, timeouts and transport failures are
// ErrGatewayUnavailable.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (credential.Credential, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return credential.Credential{}, &ProviderError{Op: OpRefresh, Err: ErrRefreshRejected}
	}

	status, body, err := c.do(ctx, OpRefresh, http.MethodPost, "/auth/refresh", "", refreshRequest{
		RefreshToken: refreshToken,
		Mode:         "json",
	})
	if err != nil {
		return credential.Credential{}, err
	}
	switch {
	case status >= 500:
		return credential.Credential{}, &ProviderError{Op: OpRefresh, Status: status, Err: ErrGatewayUnavailable}
	case status < 200 || status > 299:
		return credential.Credential{}, &ProviderError{Op: OpRefresh, Status: status, Err: ErrRefreshRejected}
	}
	cred, ok := c.decodeCredential(body)
	if !ok {
		return credential.Credential{}, &ProviderError{Op: OpRefresh, Status: status, Err: fmt.Errorf("%w: %w", ErrMalformedResponse, ErrRefreshRejected)}
	}
	return cred, nil
}

// Logout invalidates refreshToken at the provider. Callers treat it as best effort.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	status, _, err := c.do(ctx, OpLogout, http.MethodPost, "/auth/logout", "", logoutRequest{RefreshToken: refreshToken})
	if err != nil {
		return err
	}
	if status >= 500 {
		return &ProviderError{Op: OpLogout, Status: status, Err: ErrGatewayUnavailable}
	}
	if status < 200 || status > 299 {
		return &ProviderError{Op: OpLogout, Status: status, Err: ErrUnexpectedStatus}
	}
	return nil
}

// Items lists a collection with the caller's access token.
func (c *Client) Items(ctx context.Context, accessToken, collection string) ([]json.RawMessage, error) {
	collection = strings.TrimSpace(collection)
	if !validCollection(collection) {
		return nil, fmt.Errorf("%w: collection %q", ErrConfig, collection)
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, &ProviderError{Op: OpItems, Err: ErrUnauthorized}
	}

	status, body, err := c.do(ctx, OpItems, http.MethodGet, "/items/"+url.PathEscape(collection), accessToken, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized:
		return nil, &ProviderError{Op: OpItems, Status: status, Err: ErrUnauthorized}
	case status >= 500:
		return nil, &ProviderError{Op: OpItems, Status: status, Err: ErrGatewayUnavailable}
	case status < 200 || status > 299:
		return nil, &ProviderError{Op: OpItems, Status: status, Err: ErrUnexpectedStatus}
	}

	var env itemsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProviderError{Op: OpItems, Status: status, Err: ErrMalformedResponse}
	}
	if env.Data == nil {
		return []json.RawMessage{}, nil
	}
	return env.Data, nil
}

func (c *Client) decodeCredential(body []byte) (credential.Credential, bool) {
	var env tokenEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Data == nil {
		return credential.Credential{}, false
	}
	d := env.Data
	if strings.TrimSpace(d.AccessToken) == "" || strings.TrimSpace(d.RefreshToken) == "" || d.Expires <= 0 {
		return credential.Credential{}, false
	}
	return credential.New(d.AccessToken, d.RefreshToken, time.Duration(d.Expires)*time.Millisecond, c.now()), true
}

// do performs one request. Transport failures match ErrGatewayUnavailable.
func (c *Client) do(ctx context.Context, op, method, path, bearer string, payload any) (status int, body []byte, err error) {
	ctx, span := c.tracer.Start(ctx, "directus."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("directus.op", op), attribute.String("http.request.method", method)),
	)
	start := time.Now()
	defer func() {
		d := time.Since(start)
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		if c.observe != nil {
			c.observe(op, status, d, err)
		}
		c.log.DebugContext(ctx, "directus.call",
			slog.String("op", op),
			slog.Int("status", status),
			slog.Int64("duration_ms", d.Milliseconds()),
			slog.Bool("transport_error", err != nil),
		)
	}()

	var rdr io.Reader
	if payload != nil {
		b, mErr := json.Marshal(payload)
		if mErr != nil {
			return 0, nil, mErr
		}
		rdr = bytes.NewReader(b)
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &ProviderError{Op: op, Err: fmt.Errorf("%w: %w", ErrGatewayUnavailable, unwrapURLError(err))}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err = io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return resp.StatusCode, nil, &ProviderError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)}
	}
	return resp.StatusCode, body, nil
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}

func validCollection(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
