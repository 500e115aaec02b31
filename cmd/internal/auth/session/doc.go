// Package session implements the portal's token lifecycle.
//
// Directus issues and validates tokens; this package only decides, per request,
// whether the stored credential is usable, due for renewal, or gone. State is
// recomputed from the credential and the clock on every call and never persisted.
//
// Every credential write (login and renewal) goes through credential.Store.Put,
// which recomputes expires_at at store time.
package session
