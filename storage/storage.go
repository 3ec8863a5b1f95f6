// Package storage is the boundary to the object store holding the encrypted
// book blobs. The core never touches blob bytes; it only issues time-limited
// download references for an opaque object key. The reference is a signed
// token the storage frontend validates before streaming the (still
// encrypted) blob.
package storage

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefIssuer issues time-limited download references.
type RefIssuer interface {
	IssueDownloadRef(objectKey string) (ref string, expiresAt time.Time, err error)
}

// SignedRefIssuer signs download references as short-lived HS256 tokens
// appended to a base URL.
type SignedRefIssuer struct {
	baseURL    string
	signingKey []byte
	ttl        time.Duration
}

// NewSignedRefIssuer creates an issuer. baseURL is the storage frontend's
// download endpoint.
func NewSignedRefIssuer(baseURL string, signingKey []byte, ttl time.Duration) *SignedRefIssuer {
	return &SignedRefIssuer{baseURL: baseURL, signingKey: signingKey, ttl: ttl}
}

type refClaims struct {
	ObjectKey string `json:"object_key"`
	jwt.RegisteredClaims
}

// IssueDownloadRef returns a URL carrying a signed, expiring grant for one
// object key.
func (s *SignedRefIssuer) IssueDownloadRef(objectKey string) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.ttl)
	claims := refClaims{
		ObjectKey: objectKey,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign download ref: %w", err)
	}

	ref := fmt.Sprintf("%s?ref=%s", s.baseURL, url.QueryEscape(token))
	return ref, expiresAt, nil
}

// ValidateRef checks a reference token and returns the object key it grants.
// Used by the storage frontend; exported here so both sides share one
// format.
func (s *SignedRefIssuer) ValidateRef(token string) (string, error) {
	var claims refClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("invalid download ref: %w", err)
	}
	return claims.ObjectKey, nil
}
