// Package identity resolves the local user from the token issued by the
// external identity provider. Login and signup flows live outside the engine;
// the token is treated as an opaque read-only input.
package identity

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// Identity carries the authenticated local user as seen by the engine.
type Identity struct {
	UserID string
	Role   string
	Token  string
}

// FromToken validates an HMAC-signed provider token and extracts the user id.
func FromToken(tokenString, secret string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("token must not be empty")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid token claims")
	}

	userID := extractUserID(claims)
	if userID == "" {
		return Identity{}, fmt.Errorf("token carries no subject")
	}

	return Identity{
		UserID: userID,
		Role:   extractRole(claims),
		Token:  tokenString,
	}, nil
}

// Static wraps an already-resolved user id, for embedders that perform their
// own token handling.
func Static(userID string) Identity {
	return Identity{UserID: userID}
}

func extractUserID(claims jwt.MapClaims) string {
	keys := []string{"sub", "user_id", "id"}
	for _, key := range keys {
		if value, ok := claims[key]; ok {
			if normalized := normalizeUserID(value); normalized != "" {
				return normalized
			}
		}
	}

	return ""
}

func normalizeUserID(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v < 0 {
			return ""
		}
		return strconv.FormatUint(uint64(v), 10)
	case int:
		if v < 0 {
			return ""
		}
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func extractRole(claims jwt.MapClaims) string {
	if value, ok := claims["role"]; ok {
		if role, ok := value.(string); ok {
			return role
		}
	}
	return ""
}
