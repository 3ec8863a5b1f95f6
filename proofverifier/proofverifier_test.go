package proofverifier

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
)

// Circuit setup is expensive; share one across the package tests.
var (
	setupOnce sync.Once
	testCCS   constraint.ConstraintSystem
	testPK    groth16.ProvingKey
	testVK    groth16.VerifyingKey
	setupErr  error
)

func testSetup(t *testing.T) (constraint.ConstraintSystem, groth16.ProvingKey, groth16.VerifyingKey) {
	t.Helper()
	setupOnce.Do(func() {
		testCCS, testPK, testVK, setupErr = Setup()
	})
	if setupErr != nil {
		t.Fatalf("Setup failed: %v", setupErr)
	}
	return testCCS, testPK, testVK
}

func testProofRequest() ProofRequest {
	return ProofRequest{
		ItemID: big.NewInt(5),
		Nonce:  big.NewInt(424242),
		Price:  big.NewInt(500),
		Root:   big.NewInt(777),
	}
}

func TestVerifyValidProof(t *testing.T) {
	ccs, pk, vk := testSetup(t)
	req := testProofRequest()

	proofBytes, signals, err := Prove(ccs, pk, req)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}

	expectedCommitment := ComputeCommitment(req.ItemID, req.Nonce, req.Price)
	if signals[SignalCommitment] != expectedCommitment {
		t.Fatalf("signal commitment %s does not match native hash %s", signals[SignalCommitment], expectedCommitment)
	}

	claim, err := NewVerifier(vk).Verify(proofBytes, signals, expectedCommitment)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claim.Nullifier != ComputeNullifier(req.Nonce, req.Root) {
		t.Fatalf("unexpected nullifier %s", claim.Nullifier)
	}
	if claim.Commitment != expectedCommitment {
		t.Fatalf("unexpected commitment %s", claim.Commitment)
	}
}

func TestCommitmentMismatchRejectedBeforeVerification(t *testing.T) {
	_, _, vk := testSetup(t)

	// Proof bytes are garbage. If the commitment pre-check fires first, the
	// garbage is never deserialized and the error says so.
	signals := []string{"1", "2", "3"}
	_, err := NewVerifier(vk).Verify([]byte("not a proof"), signals, "999")
	if !errors.Is(err, ErrProofRejected) {
		t.Fatalf("expected ErrProofRejected, got %v", err)
	}
	if got := err.Error(); got != "proofverifier: proof rejected: commitment mismatch" {
		t.Fatalf("expected commitment mismatch before proof decoding, got %q", got)
	}
}

func TestTamperedSignalsRejected(t *testing.T) {
	ccs, pk, vk := testSetup(t)
	req := testProofRequest()

	proofBytes, signals, err := Prove(ccs, pk, req)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	verifier := NewVerifier(vk)

	// Swap in a different nullifier; the proof no longer matches.
	tampered := append([]string(nil), signals...)
	tampered[SignalNullifier] = "12345"
	if _, err := verifier.Verify(proofBytes, tampered, signals[SignalCommitment]); !errors.Is(err, ErrProofRejected) {
		t.Fatalf("expected ErrProofRejected for tampered nullifier, got %v", err)
	}

	// Malformed signal encoding.
	tampered[SignalNullifier] = "not-a-number"
	if _, err := verifier.Verify(proofBytes, tampered, signals[SignalCommitment]); !errors.Is(err, ErrProofRejected) {
		t.Fatalf("expected ErrProofRejected for malformed signal, got %v", err)
	}

	// Wrong signal count.
	if _, err := verifier.Verify(proofBytes, signals[:2], signals[SignalCommitment]); !errors.Is(err, ErrProofRejected) {
		t.Fatalf("expected ErrProofRejected for short signal vector, got %v", err)
	}
}

func TestCorruptedProofRejected(t *testing.T) {
	ccs, pk, vk := testSetup(t)
	req := testProofRequest()

	proofBytes, signals, err := Prove(ccs, pk, req)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}

	corrupted := append([]byte(nil), proofBytes...)
	corrupted[8] ^= 0xff
	if _, err := NewVerifier(vk).Verify(corrupted, signals, signals[SignalCommitment]); !errors.Is(err, ErrProofRejected) {
		t.Fatalf("expected ErrProofRejected for corrupted proof, got %v", err)
	}
}
