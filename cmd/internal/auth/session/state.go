package session

import (
	"time"

	"portal/cmd/internal/auth/credential"
)

// State is the per-request standing of a stored credential.
type State int

const (
	Anonymous State = iota
	Valid
	ExpiringSoon
	Expired
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case ExpiringSoon:
		return "expiring_soon"
	case Expired:
		return "expired"
	default:
		return "anonymous"
	}
}

// NeedsRenewal reports whether the guard should try a refresh in this state.
func (s State) NeedsRenewal() bool { return s == ExpiringSoon || s == Expired }

// Classify maps a credential to its state at now.
//
//	Anonymous     no credential
//	Valid         now < expires_at - skew
//	ExpiringSoon  expires_at - skew <= now < expires_at + grace
//	Expired       now >= expires_at + grace, or only a refresh token is left
func Classify(c credential.Credential, present bool, now time.Time, skew, grace time.Duration) State {
	if !present || c.IsZero() {
		return Anonymous
	}
	if !c.HasAccess() {
		return Expired
	}

	exp := c.IssuedAt.Add(c.ExpiresIn)
	switch {
	case now.Before(exp.Add(-skew)):
		return Valid
	case now.Before(exp.Add(grace)):
		return ExpiringSoon
	default:
		return Expired
	}
}

// Status is the client-facing view of a session.
type Status struct {
	State         State
	Authenticated bool
	ExpiresAt     time.Time
	// RefreshDueIn is the time left before the credential enters the skew window.
	RefreshDueIn time.Duration
}
