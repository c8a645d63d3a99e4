// Package auth verifies identity tokens issued by the external identity
// service. The engine never manages accounts or sessions itself; it only
// needs "who is calling" and "is this an operator", both carried as JWT
// claims signed with a shared HMAC secret.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a missing, malformed, or badly signed token.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims are the identity claims the engine cares about.
type Claims struct {
	UserID string `json:"sub"`
	Role   string `json:"role"` // "user" or "admin"
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token carries operator authority.
func (c *Claims) IsAdmin() bool {
	return c.Role == "admin" || c.Role == "support"
}

// Verifier validates identity tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier with the shared HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token string, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
