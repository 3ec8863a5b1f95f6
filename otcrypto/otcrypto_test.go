package otcrypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewSeed()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	messages := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xab}, 4096),
	}

	for _, msg := range messages {
		blob, err := Seal(key, msg)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if len(blob) != NonceSize+len(msg)+TagSize {
			t.Fatalf("unexpected blob length: got %d, want %d", len(blob), NonceSize+len(msg)+TagSize)
		}

		plain, err := Open(key, blob)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(plain, msg) {
			t.Fatalf("round-trip mismatch: got %x, want %x", plain, msg)
		}
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	key1, _ := NewSeed()
	key2, _ := NewSeed()

	blob, err := Seal(key1, []byte("secret item key"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	plain, err := Open(key2, blob)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if plain != nil {
		t.Fatalf("expected no plaintext on failure, got %x", plain)
	}
}

func TestOpenCorruptedCiphertextFails(t *testing.T) {
	key, _ := NewSeed()

	blob, err := Seal(key, []byte("secret item key"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// Flip one bit in the ciphertext body
	blob[NonceSize] ^= 0x01
	if _, err := Open(key, blob); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}

	// Truncated blob
	if _, err := Open(key, blob[:NonceSize+TagSize-1]); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed for short blob, got %v", err)
	}
}

func TestDeriveSharedSecretAgreement(t *testing.T) {
	privA, pubA, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	privB, pubB, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	keyAB, err := DeriveSharedSecret(privA, pubB)
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}
	keyBA, err := DeriveSharedSecret(privB, pubA)
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}

	if !bytes.Equal(keyAB, keyBA) {
		t.Fatalf("shared secrets disagree: %x vs %x", keyAB, keyBA)
	}
	if len(keyAB) != KeySize {
		t.Fatalf("unexpected key length: %d", len(keyAB))
	}
}

func TestDeriveSharedSecretRejectsInvalidPoint(t *testing.T) {
	priv, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	junk := bytes.Repeat([]byte{0xff}, 33)
	if _, err := DeriveSharedSecret(priv, junk); !errors.Is(err, ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
}
