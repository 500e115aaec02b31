package directus

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the Directus access-token claims used for log attribution.
type Claims struct {
	UserID    string `json:"id"`
	Role      string `json:"role"`
	AppAccess bool   `json:"app_access"`
	jwt.RegisteredClaims
}

// PeekClaims decodes an access token WITHOUT verifying its signature.
// The result is only fit for logs; it must never drive an authorization decision.
func PeekClaims(accessToken string) (Claims, bool) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Claims{}, false
	}
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &c); err != nil {
		return Claims{}, false
	}
	return c, true
}
