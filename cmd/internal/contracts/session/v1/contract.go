// Package v1 defines the session watch protocol v1.
//
// The browser opens /ws/session with subprotocol portal.session.v1, sends
// hello, and then receives session_state whenever the standing of its stored
// credential changes. The watch never renews: on expiring_soon the page calls
// POST /api/auth/refresh and reconnects, so renewed cookies reach the browser
// through a normal HTTP response.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol name.
const Subprotocol = "portal.session.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts the watch (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the watch (server -> client).
	TypeHelloAck = "hello_ack"
	// TypeSessionStatus asks for an immediate session_state (client -> server).
	TypeSessionStatus = "session_status"
	// TypeSessionState carries the current standing (server -> client).
	TypeSessionState = "session_state"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var clientTypes = map[string]struct{}{
	TypeHello:         {},
	TypeSessionStatus: {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks a client-originated envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%q want=%q", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := clientTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	return nil
}

type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

type HelloAckPayload struct {
	ConnID string `json:"conn_id"`
}

// SessionStatusPayload may report the expiry the browser last received, from
// the expiry cookie or a refresh response. Stores that live in the upgrade
// request's own cookies cannot see renewals made by later requests; the hint
// lets the watch follow them without a reconnect.
type SessionStatusPayload struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SessionStatePayload mirrors GET /api/auth/session.
type SessionStatePayload struct {
	State          string     `json:"state"`
	Authenticated  bool       `json:"authenticated"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RefreshDueInMS int64      `json:"refresh_due_in_ms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
