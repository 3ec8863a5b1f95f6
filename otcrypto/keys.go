// Package otcrypto provides the elliptic-curve and AEAD primitives used by
// the oblivious-transfer protocol: secp256k1 keypairs, ECDH shared-secret
// derivation and authenticated encryption with a fixed wire layout.
package otcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of derived symmetric keys and OT seeds.
	KeySize = 32

	// hkdfInfo binds derived keys to this protocol version.
	hkdfInfo = "veilstore-ot-v1"
)

// ErrInvalidPoint is returned when a peer public key does not decode to a
// valid curve point.
var ErrInvalidPoint = errors.New("otcrypto: invalid curve point")

// GenerateKeypair produces a fresh secp256k1 keypair. The public key is
// returned in 33-byte compressed encoding, which is the only encoding the
// protocol puts on the wire.
func GenerateKeypair() (*btcec.PrivateKey, []byte, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return priv, priv.PubKey().SerializeCompressed(), nil
}

// DeriveSharedSecret computes the ECDH shared point between priv and the
// compressed peer public key and expands its x-coordinate through
// HKDF-SHA256 into a symmetric key.
func DeriveSharedSecret(priv *btcec.PrivateKey, peerPub []byte) ([]byte, error) {
	pub, err := btcec.ParsePubKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}

	sharedX := btcec.GenerateSharedSecret(priv, pub)

	reader := hkdf.New(sha256.New, sharedX, nil, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// NewSeed draws a fresh random 256-bit OT seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, KeySize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to draw seed: %w", err)
	}
	return seed, nil
}
