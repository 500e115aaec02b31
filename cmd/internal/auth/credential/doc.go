// Package credential stores the Directus token pair for a browser session.
//
// A Substrate binds a Store to one HTTP request. Four substrates exist:
// memory (tests, local dev), a sealed cookie (default), Redis and Postgres.
// The last two keep only an opaque ULID session id in the cookie.
//
// Every write replaces the full record in one operation, and the bound store
// remembers its own writes for the rest of the request.
package credential
