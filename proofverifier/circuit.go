package proofverifier

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	mimcnative "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"
)

// PurchaseCircuit proves knowledge of the opening of a purchase commitment
// without revealing which catalog item was bought.
//
// Private witness: the item id, the blinding nonce and the price paid.
// Public witness: the commitment published at purchase creation, the catalog
// root the buyer claims membership against, and the nullifier that tags this
// proof-generation event.
//
//	commitment = MiMC(itemID, nonce, price)
//	nullifier  = MiMC(nonce, root)
type PurchaseCircuit struct {
	ItemID frontend.Variable
	Nonce  frontend.Variable
	Price  frontend.Variable

	// Public inputs, in wire order: nullifier, root, commitment.
	Nullifier  frontend.Variable `gnark:",public"`
	Root       frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"`
}

// Define declares the circuit constraints.
func (c *PurchaseCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	h.Write(c.ItemID, c.Nonce, c.Price)
	api.AssertIsEqual(c.Commitment, h.Sum())

	h.Reset()
	h.Write(c.Nonce, c.Root)
	api.AssertIsEqual(c.Nullifier, h.Sum())

	return nil
}

// Compile builds the purchase circuit constraint system. Compilation is
// deterministic, so a prover recompiling locally gets the same system the
// published keys were generated against.
func Compile() (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &PurchaseCircuit{})
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// Setup compiles the purchase circuit and runs the Groth16 trusted setup.
// Production deployments load a fixed verifying key instead; this path
// serves development and tests.
func Setup() (constraint.ConstraintSystem, groth16.ProvingKey, groth16.VerifyingKey, error) {
	ccs, err := Compile()
	if err != nil {
		return nil, nil, nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("groth16 setup failed: %w", err)
	}
	return ccs, pk, vk, nil
}

// ProofRequest carries the witness values needed to generate a purchase
// proof. Used by the demo client and the tests; a production buyer proves
// on their own device.
type ProofRequest struct {
	ItemID *big.Int
	Nonce  *big.Int
	Price  *big.Int
	Root   *big.Int
}

// Prove generates a Groth16 proof for the request and returns the
// serialized proof together with the public signal vector in wire order.
func Prove(ccs constraint.ConstraintSystem, pk groth16.ProvingKey, req ProofRequest) ([]byte, []string, error) {
	nullifier := hashFields(req.Nonce, req.Root)
	commitment := hashFields(req.ItemID, req.Nonce, req.Price)

	assignment := &PurchaseCircuit{
		ItemID:     req.ItemID,
		Nonce:      req.Nonce,
		Price:      req.Price,
		Nullifier:  nullifier,
		Root:       req.Root,
		Commitment: commitment,
	}

	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, fmt.Errorf("witness construction failed: %w", err)
	}

	proof, err := groth16.Prove(ccs, pk, witness)
	if err != nil {
		return nil, nil, fmt.Errorf("proof generation failed: %w", err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, nil, fmt.Errorf("proof serialization failed: %w", err)
	}

	signals := []string{nullifier.String(), req.Root.String(), commitment.String()}
	return buf.Bytes(), signals, nil
}

// ComputeCommitment hashes (itemID, nonce, price) with the native MiMC,
// matching the in-circuit commitment. The buyer publishes this value at
// purchase creation.
func ComputeCommitment(itemID, nonce, price *big.Int) string {
	return hashFields(itemID, nonce, price).String()
}

// ComputeNullifier hashes (nonce, root) with the native MiMC, matching the
// in-circuit nullifier.
func ComputeNullifier(nonce, root *big.Int) string {
	return hashFields(nonce, root).String()
}

func hashFields(values ...*big.Int) *big.Int {
	h := mimcnative.NewMiMC()
	for _, v := range values {
		var e fr.Element
		e.SetBigInt(v)
		b := e.Bytes()
		h.Write(b[:])
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}
