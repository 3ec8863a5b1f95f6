// Package auth verifies bearer tokens presented at session start and yields
// the owning-user identity. Registration and login live outside this core;
// tokens are plain HS256 JWTs issued by that collaborator.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed or expired tokens.
var ErrUnauthorized = errors.New("auth: unauthorized")

// TokenVerifier validates HS256 bearer tokens against a shared secret.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier around the shared signing secret.
func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// VerifyToken validates the token signature and expiry and returns the user
// id from the subject claim.
func (v *TokenVerifier) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return subject, nil
}

// IssueToken mints a short-lived token for a user. Used by the demo client
// and tests; production tokens come from the login collaborator.
func (v *TokenVerifier) IssueToken(userID string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
