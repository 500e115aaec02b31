package credential

import "context"

type ctxKey int

const (
	credentialKey ctxKey = iota
	storeKey
)

// WithCredential attaches c to ctx for downstream handlers.
func WithCredential(ctx context.Context, c Credential) context.Context {
	return context.WithValue(ctx, credentialKey, c)
}

// FromContext returns the credential attached by WithCredential.
func FromContext(ctx context.Context) (Credential, bool) {
	if ctx == nil {
		return Credential{}, false
	}
	c, ok := ctx.Value(credentialKey).(Credential)
	return c, ok && c.HasAccess()
}

// WithStore attaches the request-bound store so handlers write through the
// same instance the guard used.
func WithStore(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, storeKey, s)
}

// StoreFromContext returns the store attached by WithStore.
func StoreFromContext(ctx context.Context) (Store, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(storeKey).(Store)
	return s, ok && s != nil
}
