package storage

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestIssueAndValidateRef(t *testing.T) {
	issuer := NewSignedRefIssuer("https://cdn.example.com/download", []byte("ref-secret"), time.Minute)

	ref, expiresAt, err := issuer.IssueDownloadRef("books/5.enc")
	if err != nil {
		t.Fatalf("IssueDownloadRef failed: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("ref already expired: %v", expiresAt)
	}
	if !strings.HasPrefix(ref, "https://cdn.example.com/download?ref=") {
		t.Fatalf("unexpected ref format: %s", ref)
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		t.Fatalf("ref is not a URL: %v", err)
	}
	objectKey, err := issuer.ValidateRef(parsed.Query().Get("ref"))
	if err != nil {
		t.Fatalf("ValidateRef failed: %v", err)
	}
	if objectKey != "books/5.enc" {
		t.Fatalf("objectKey = %q, want books/5.enc", objectKey)
	}
}

func TestValidateExpiredRef(t *testing.T) {
	issuer := NewSignedRefIssuer("https://cdn.example.com/download", []byte("ref-secret"), -time.Minute)

	ref, _, err := issuer.IssueDownloadRef("books/1.enc")
	if err != nil {
		t.Fatalf("IssueDownloadRef failed: %v", err)
	}
	parsed, _ := url.Parse(ref)
	if _, err := issuer.ValidateRef(parsed.Query().Get("ref")); err == nil {
		t.Fatalf("expected expired ref to be rejected")
	}
}

func TestValidateTamperedRef(t *testing.T) {
	issuer := NewSignedRefIssuer("https://cdn.example.com/download", []byte("ref-secret"), time.Minute)
	other := NewSignedRefIssuer("https://cdn.example.com/download", []byte("other-secret"), time.Minute)

	ref, _, err := issuer.IssueDownloadRef("books/1.enc")
	if err != nil {
		t.Fatalf("IssueDownloadRef failed: %v", err)
	}
	parsed, _ := url.Parse(ref)
	if _, err := other.ValidateRef(parsed.Query().Get("ref")); err == nil {
		t.Fatalf("expected ref signed with another key to be rejected")
	}
}
