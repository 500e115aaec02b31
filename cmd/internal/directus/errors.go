package directus

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the provider refuses a login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRefreshRejected is returned when the provider declares a refresh token invalid or expired.
	ErrRefreshRejected = errors.New("refresh rejected")

	// ErrGatewayUnavailable is returned for transport failures, timeouts and 5xx responses.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrMalformedResponse is returned when a 2xx body lacks the expected fields.
	// It is always joined with the error of the calling operation.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrUnauthorized is returned by item fetches when the access token is refused.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnexpectedStatus is returned by item fetches for other non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrConfig is returned for invalid client configuration.
	ErrConfig = errors.New("invalid config")
)

// ProviderError carries provider call metadata for logs.
// The provider's own error body is never kept.
type ProviderError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("directus %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("directus %s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StatusOf returns the provider HTTP status recorded in err, or 0.
func StatusOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}
