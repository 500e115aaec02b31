package seal

import (
	"errors"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSealer([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	v, err := s.Seal("directus_session", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.ContainsAny(v, "+/=;, ") {
		t.Fatalf("sealed value is not cookie-safe: %q", v)
	}

	got, err := s.Open("directus_session", v)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("unexpected plaintext: %q", got)
	}
}

func TestOpen_RejectsWrongNameAndTamper(t *testing.T) {
	t.Parallel()

	s, _ := NewSealer([]byte(testSecret))
	v, _ := s.Seal("a", []byte("payload"))

	if _, err := s.Open("b", v); !errors.Is(err, ErrInvalidSeal) {
		t.Fatalf("expected ErrInvalidSeal for wrong name, got %v", err)
	}

	tampered := []byte(v)
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}
	if _, err := s.Open("a", string(tampered)); !errors.Is(err, ErrInvalidSeal) {
		t.Fatalf("expected ErrInvalidSeal for tampered value, got %v", err)
	}

	if _, err := s.Open("a", "%%%"); !errors.Is(err, ErrInvalidSeal) {
		t.Fatalf("expected ErrInvalidSeal for bad encoding, got %v", err)
	}
	if _, err := s.Open("a", "AAAA"); !errors.Is(err, ErrInvalidSeal) {
		t.Fatalf("expected ErrInvalidSeal for short value, got %v", err)
	}
}

func TestOpen_RejectsOtherKey(t *testing.T) {
	t.Parallel()

	a, _ := NewSealer([]byte(testSecret))
	b, _ := NewSealer([]byte(strings.Repeat("x", 40)))

	v, _ := a.Seal("c", []byte("payload"))
	if _, err := b.Open("c", v); !errors.Is(err, ErrInvalidSeal) {
		t.Fatalf("expected ErrInvalidSeal, got %v", err)
	}
}

func TestNewSealer_KeyPolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewSealer(nil); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("expected ErrKeyMissing, got %v", err)
	}
	if _, err := NewSealer([]byte("short")); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort, got %v", err)
	}
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv(SecretEnvKey, "  ")
	if _, err := SecretFromEnv(MinSecretBytes); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("expected ErrKeyMissing, got %v", err)
	}

	t.Setenv(SecretEnvKey, "too-short")
	if _, err := SecretFromEnv(MinSecretBytes); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort, got %v", err)
	}

	t.Setenv(SecretEnvKey, testSecret)
	b, err := SecretFromEnv(MinSecretBytes)
	if err != nil || string(b) != testSecret {
		t.Fatalf("SecretFromEnv=%q,%v", b, err)
	}
}

func TestHashSessionIDHex(t *testing.T) {
	t.Parallel()

	s, _ := NewSealer([]byte(testSecret))
	h1 := s.HashSessionIDHex("01HZX")
	h2 := s.HashSessionIDHex("01HZX")
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("hash not stable: %q %q", h1, h2)
	}
	if h1 == HashSHA256Hex("01HZX") {
		t.Fatalf("keyed hash must differ from plain sha256")
	}

	var nilSealer *Sealer
	if nilSealer.HashSessionIDHex("01HZX") != HashSHA256Hex("01HZX") {
		t.Fatalf("nil sealer must fall back to sha256")
	}
}
