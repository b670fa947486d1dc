package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims extracts identity claims from a JWT without verifying
// the signature. The backend verifies every request itself; these
// claims only fill in the display fields of a session installed from
// a raw token. Opaque tokens yield empty strings.
func tokenClaims(token string) (email, userID, tenantID string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", "", ""
	}
	email, _ = claims["email"].(string)
	userID, _ = claims["sub"].(string)
	tenantID, _ = claims["tenant_id"].(string)
	if tenantID == "" {
		tenantID, _ = claims["org_id"].(string)
	}
	return email, userID, tenantID
}
