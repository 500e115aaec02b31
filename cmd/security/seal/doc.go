// Package seal provides the cookie sealing and session-id hashing primitives
// used by the credential substrates.
//
// It is the single source of truth for how credential records leave the process:
//   - Cookie values are sealed with XChaCha20-Poly1305 under a key derived (HKDF-SHA256)
//     from PORTAL_COOKIE_SECRET. The cookie name is bound as additional data.
//   - Server-side session ids are stored as HMAC-SHA256(sid, key) hex digests, or
//     SHA-256 when no key is configured (dev mode).
//
// Tokens inside the sealed record stay opaque; this package never inspects them.
package seal
