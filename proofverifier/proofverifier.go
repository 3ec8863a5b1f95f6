// Package proofverifier validates purchase proofs against a fixed Groth16
// verifying key. It is stateless and safe for concurrent use; replay
// protection lives in the store, not here.
package proofverifier

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
)

// Public signal vector positions. This ordering is part of the protocol
// surface shared with provers.
const (
	SignalNullifier = iota
	SignalRoot
	SignalCommitment
	signalCount
)

// ErrProofRejected is returned for every verification failure: malformed
// signals, commitment mismatch or cryptographic rejection.
var ErrProofRejected = errors.New("proofverifier: proof rejected")

// VerifiedClaim is the public output of a successfully verified proof.
type VerifiedClaim struct {
	Nullifier  string
	Root       string
	Commitment string
}

// Verifier checks purchase proofs against one fixed verifying key.
type Verifier struct {
	vk groth16.VerifyingKey
}

// NewVerifier creates a verifier around a fixed verifying key.
func NewVerifier(vk groth16.VerifyingKey) *Verifier {
	return &Verifier{vk: vk}
}

// Verify checks a serialized proof against the declared public signals.
//
// The commitment embedded in the signals is compared against the purchase's
// stored commitment before the proof is touched, so the common failure (a
// proof generated for a different purchase) is rejected without paying for
// pairing checks.
func (v *Verifier) Verify(proofBytes []byte, publicSignals []string, expectedCommitment string) (*VerifiedClaim, error) {
	if len(publicSignals) != signalCount {
		return nil, fmt.Errorf("%w: got %d public signals, expected %d", ErrProofRejected, len(publicSignals), signalCount)
	}

	parsed := make([]*big.Int, signalCount)
	for i, s := range publicSignals {
		value, ok := new(big.Int).SetString(s, 10)
		if !ok || value.Sign() < 0 {
			return nil, fmt.Errorf("%w: malformed public signal %d", ErrProofRejected, i)
		}
		parsed[i] = value
	}

	expected, ok := new(big.Int).SetString(expectedCommitment, 10)
	if !ok || parsed[SignalCommitment].Cmp(expected) != 0 {
		return nil, fmt.Errorf("%w: commitment mismatch", ErrProofRejected)
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return nil, fmt.Errorf("%w: malformed proof", ErrProofRejected)
	}

	assignment := &PurchaseCircuit{
		Nullifier:  parsed[SignalNullifier],
		Root:       parsed[SignalRoot],
		Commitment: parsed[SignalCommitment],
	}
	publicWitness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: public witness construction failed", ErrProofRejected)
	}

	if err := groth16.Verify(proof, v.vk, publicWitness); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofRejected, err)
	}

	return &VerifiedClaim{
		Nullifier:  parsed[SignalNullifier].String(),
		Root:       parsed[SignalRoot].String(),
		Commitment: parsed[SignalCommitment].String(),
	}, nil
}

// LoadVerifyingKey reads a serialized verifying key from disk.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read verifying key: %w", err)
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("cannot decode verifying key: %w", err)
	}
	return vk, nil
}

// WriteVerifyingKey serializes a verifying key to disk.
func WriteVerifyingKey(path string, vk groth16.VerifyingKey) error {
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return fmt.Errorf("cannot encode verifying key: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// LoadProvingKey reads a serialized proving key from disk. Only the demo
// client needs this; the server never proves.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read proving key: %w", err)
	}
	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("cannot decode proving key: %w", err)
	}
	return pk, nil
}

// WriteProvingKey serializes a proving key to disk.
func WriteProvingKey(path string, pk groth16.ProvingKey) error {
	var buf bytes.Buffer
	if _, err := pk.WriteTo(&buf); err != nil {
		return fmt.Errorf("cannot encode proving key: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
