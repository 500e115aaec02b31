package session

import "errors"

var (
	// ErrNoRefreshToken is returned when renewal is requested without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrMissingCredentials is returned when login is attempted with an empty email or password.
	ErrMissingCredentials = errors.New("email and password are required")

	// ErrStore is returned when the credential store fails a write.
	ErrStore = errors.New("credential store failure")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
