package auth

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyValidToken(t *testing.T) {
	v := NewTokenVerifier([]byte("test-secret"))

	token, err := v.IssueToken("user-7", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	userID, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if userID != "user-7" {
		t.Fatalf("userID = %q, want user-7", userID)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewTokenVerifier([]byte("test-secret"))

	token, err := v.IssueToken("user-7", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := v.VerifyToken(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := NewTokenVerifier([]byte("secret-a"))
	verifier := NewTokenVerifier([]byte("secret-b"))

	token, err := issuer.IssueToken("user-7", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := verifier.VerifyToken(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong secret, got %v", err)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	v := NewTokenVerifier([]byte("test-secret"))
	if _, err := v.VerifyToken(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}
