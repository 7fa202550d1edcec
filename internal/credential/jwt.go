package credential

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenEmail extracts the account email from a JWT access token
// without verifying the signature; the value is informational (status
// display) only. Returns "" when the token is not a JWT or carries no
// email-like claim.
func AccessTokenEmail(accessToken string) string {
	if accessToken == "" {
		return ""
	}
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	for _, key := range []string{"email", "preferred_username", "sub"} {
		if v, ok := claims[key].(string); ok && strings.Contains(v, "@") {
			return v
		}
	}
	if v, ok := claims["email"].(string); ok {
		return v
	}
	return ""
}
