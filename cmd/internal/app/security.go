package app

import (
	"errors"

	"portal/cmd/security/seal"
)

// ValidateSecurityConfig enforces the cookie secret policy at startup.
//
// The cookie store seals the whole credential with PORTAL_COOKIE_SECRET, so it
// always needs one. Session-id stores (redis, postgres) need it only when
// PORTAL_REQUIRE_SID_HMAC is set; without it their ids are hashed with plain SHA-256.
func ValidateSecurityConfig(cfg Config) error {
	_, err := loadSealer(cfg)
	return err
}

// loadSealer returns nil (and no error) when no secret is configured and none is required.
func loadSealer(cfg Config) (*seal.Sealer, error) {
	required := cfg.CredentialStore == StoreCookie || cfg.RequireSIDHMAC

	secret, err := seal.SecretFromEnv(seal.MinSecretBytes)
	switch {
	case errors.Is(err, seal.ErrKeyMissing):
		if !required {
			return nil, nil
		}
		return nil, errors.New("security policy: PORTAL_COOKIE_SECRET is missing")
	case errors.Is(err, seal.ErrKeyTooShort):
		return nil, errors.New("security policy: PORTAL_COOKIE_SECRET is too short (min 32 bytes)")
	case err != nil:
		return nil, err
	}
	return seal.NewSealer(secret)
}
