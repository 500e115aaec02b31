package seal

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SecretEnvKey is the env var name for the cookie secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "PORTAL_COOKIE_SECRET"

	// MinSecretBytes is the minimum accepted secret length.
	MinSecretBytes = 32

	hkdfInfoSeal = "portal/cookie-seal/v1"
	hkdfInfoHash = "portal/sid-hash/v1"
)

// Sealer seals and opens cookie values. It is safe for concurrent use.
type Sealer struct {
	aead    cipher.AEAD
	hashKey []byte
}

// SecretFromEnv returns the configured secret bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrKeyMissing.
// If too short -> ErrKeyTooShort.
func SecretFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(SecretEnvKey))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// NewSealer derives independent sealing and hashing keys from secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrKeyMissing
	}
	if len(secret) < MinSecretBytes {
		return nil, ErrKeyTooShort
	}

	sealKey, err := derive(secret, hkdfInfoSeal, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	hashKey, err := derive(secret, hkdfInfoHash, sha256.Size)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, hashKey: hashKey}, nil
}

func derive(secret []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Seal encrypts plaintext and binds it to name (typically the cookie name).
// Output is URL-safe base64 without padding: nonce || ciphertext.
func (s *Sealer) Seal(name string, plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, plaintext, []byte(name))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Any failure is reported as ErrInvalidSeal.
func (s *Sealer) Open(name, value string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, ErrInvalidSeal
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return nil, ErrInvalidSeal
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(name))
	if err != nil {
		return nil, ErrInvalidSeal
	}
	return plain, nil
}

// HashSessionIDHex hashes a server-side session id for storage keys.
func (s *Sealer) HashSessionIDHex(sid string) string {
	if s == nil {
		return HashSHA256Hex(sid)
	}
	return HashHMACSHA256Hex(sid, s.hashKey)
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}
