package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	v1 "portal/cmd/internal/contracts/session/v1"
)

const (
	passwordEnvKey = "PORTAL_WATCH_PASSWORD"
	maxReadBytes   = 1 << 16
)

func watchCmd() *cobra.Command {
	var (
		base    string
		email   string
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sign in and print session_state pushes from /ws/session",
		Long: `Sign in through POST /api/auth/login (password from ` + passwordEnvKey + `),
open /ws/session and print every session_state the server pushes.

Against a plain-http server run it with PORTAL_COOKIE_SECURE=false set on
the server, otherwise the session cookie is never sent back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			baseURL, err := url.Parse(strings.TrimRight(base, "/"))
			if err != nil || (baseURL.Scheme != "http" && baseURL.Scheme != "https") || baseURL.Host == "" {
				return fmt.Errorf("invalid --base %q", base)
			}

			jar, err := cookiejar.New(nil)
			if err != nil {
				return err
			}
			hc := &http.Client{Jar: jar, Timeout: timeout}

			if email != "" {
				if err := login(cmd.Context(), hc, baseURL, email, os.Getenv(passwordEnvKey)); err != nil {
					return err
				}
			}

			return watch(cmd.Context(), cmd.OutOrStdout(), hc, baseURL, count, timeout)
		},
	}

	cmd.Flags().StringVar(&base, "base", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&email, "email", "", "sign in as this user first")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many session_state pushes (0 = until closed)")
	cmd.Flags().DurationVar(&timeout, "timeout", 7*time.Second, "HTTP and handshake timeout")
	return cmd
}

func login(ctx context.Context, hc *http.Client, base *url.URL, email, password string) error {
	if password == "" {
		return fmt.Errorf("%s is not set", passwordEnvKey)
	}
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String()+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("login failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return nil
}

func watch(ctx context.Context, out io.Writer, hc *http.Client, base *url.URL, count int, timeout time.Duration) error {
	wsURL := *base
	wsURL.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
	wsURL.Path = "/ws/session"

	// The handshake client must not time out the hijacked stream.
	dialClient := &http.Client{Jar: hc.Jar}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	conn, resp, err := websocket.Dial(dctx, wsURL.String(), &websocket.DialOptions{
		HTTPClient:   dialClient,
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": []string{base.Scheme + "://" + base.Host}},
	})
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", wsURL.String(), resp.Status)
		}
		return fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxReadBytes)

	hello, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		TS:      time.Now().UTC(),
		Payload: json.RawMessage(`{"client":"portal-cli"}`),
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return err
	}

	seen := 0
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return fmt.Errorf("bad envelope: %w", err)
		}

		switch env.Type {
		case v1.TypeHelloAck:
			var p v1.HelloAckPayload
			_ = json.Unmarshal(env.Payload, &p)
			_, _ = fmt.Fprintf(out, "connected conn_id=%s\n", p.ConnID)
		case v1.TypeSessionState:
			var p v1.SessionStatePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("bad session_state: %w", err)
			}
			exp := "-"
			if p.ExpiresAt != nil {
				exp = p.ExpiresAt.Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(out, "%s state=%s authenticated=%t expires_at=%s refresh_due_in=%s\n",
				env.TS.Format("15:04:05"), p.State, p.Authenticated, exp,
				(time.Duration(p.RefreshDueInMS) * time.Millisecond).String())
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("server error %s: %s", p.Code, p.Message)
		}
	}
}
