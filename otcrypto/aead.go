package otcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// NonceSize is the AES-GCM nonce length prepended to every sealed blob.
	NonceSize = 12

	// TagSize is the GCM authentication tag length appended to every
	// sealed blob.
	TagSize = 16
)

// ErrAuthenticationFailed is returned when a sealed blob fails its integrity
// check. A wrong key and a corrupted ciphertext are indistinguishable.
var ErrAuthenticationFailed = errors.New("otcrypto: authentication failed")

// Seal encrypts plaintext under a 32-byte key with AES-256-GCM and a fresh
// nonce. The output layout is nonce || ciphertext || tag; this exact ordering
// is a wire-format contract consumed by the peer.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open is the exact inverse of Seal.
func Open(key, blob []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < NonceSize+TagSize {
		return nil, ErrAuthenticationFailed
	}

	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
