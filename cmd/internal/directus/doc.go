// Package directus is the gateway to the Directus identity provider and item API.
//
// Provider answers are normalized into the sentinel errors of this package;
// callers match them with errors.Is and never see provider bodies.
package directus
