package seal

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("cookie secret missing")
	ErrKeyTooShort = errors.New("cookie secret too short")

	// ErrInvalidSeal is returned for any value that does not open: wrong key,
	// tampering, truncation or bad encoding. Callers treat it as "no credential".
	ErrInvalidSeal = errors.New("invalid sealed value")
)
