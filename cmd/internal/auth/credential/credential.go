package credential

import (
	"encoding/json"
	"strings"
	"time"
)

// Credential is the token pair issued by the identity provider.
//
// ExpiresAt is derived. Normalize recomputes it from IssuedAt and ExpiresIn and
// every Store.Put calls Normalize, so a stale copy can never carry a drifted expiry.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// New builds a normalized credential issued at issuedAt.
func New(access, refresh string, expiresIn time.Duration, issuedAt time.Time) Credential {
	return Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    expiresIn,
		IssuedAt:     issuedAt,
	}.Normalize()
}

// Normalize trims tokens and recomputes ExpiresAt = IssuedAt + ExpiresIn.
func (c Credential) Normalize() Credential {
	c.AccessToken = strings.TrimSpace(c.AccessToken)
	c.RefreshToken = strings.TrimSpace(c.RefreshToken)
	if c.ExpiresIn < 0 {
		c.ExpiresIn = 0
	}
	c.IssuedAt = c.IssuedAt.UTC().Truncate(time.Millisecond)
	c.ExpiresAt = c.IssuedAt.Add(c.ExpiresIn)
	return c
}

// HasAccess reports whether an access token is present.
func (c Credential) HasAccess() bool { return c.AccessToken != "" }

// HasRefresh reports whether a refresh token is present.
func (c Credential) HasRefresh() bool { return c.RefreshToken != "" }

// IsZero reports whether c carries no tokens at all.
func (c Credential) IsZero() bool { return !c.HasAccess() && !c.HasRefresh() }

type wireCredential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expires      int64  `json:"expires"`
	IssuedAt     int64  `json:"issued_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

// MarshalJSON encodes durations in milliseconds and instants in unix milliseconds.
func (c Credential) MarshalJSON() ([]byte, error) {
	n := c.Normalize()
	return json.Marshal(wireCredential{
		AccessToken:  n.AccessToken,
		RefreshToken: n.RefreshToken,
		Expires:      n.ExpiresIn.Milliseconds(),
		IssuedAt:     n.IssuedAt.UnixMilli(),
		ExpiresAt:    n.ExpiresAt.UnixMilli(),
	})
}

// UnmarshalJSON ignores the encoded expires_at and recomputes it.
func (c *Credential) UnmarshalJSON(b []byte) error {
	var w wireCredential
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Credential{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		ExpiresIn:    time.Duration(w.Expires) * time.Millisecond,
		IssuedAt:     time.UnixMilli(w.IssuedAt),
	}.Normalize()
	return nil
}
