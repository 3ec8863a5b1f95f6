package otengine

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"veilstore/otcrypto"
)

// ErrInvalidIndex is returned when a chosen item index is outside the
// catalog range.
var ErrInvalidIndex = errors.New("otengine: item index out of range")

// Receiver runs the receiving side of the transfer for a single chosen
// index. It follows the semi-honest model: per round it generates one
// keypair and honestly derives only the branch matching its selection bit.
type Receiver struct {
	itemCount int
	index     int
	rounds    int
	current   int
	roundPriv *btcec.PrivateKey
	seeds     [][]byte
}

// NewReceiver creates a receiver choosing the given catalog index.
func NewReceiver(itemCount, index int) (*Receiver, error) {
	if itemCount <= 0 {
		return nil, ErrNoSecrets
	}
	if index < 0 || index >= itemCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, itemCount)
	}
	return &Receiver{
		itemCount: itemCount,
		index:     index,
		rounds:    SelectionBits(itemCount),
		seeds:     make([][]byte, 0, SelectionBits(itemCount)),
	}, nil
}

// Rounds reports the number of 1-out-of-2 rounds.
func (r *Receiver) Rounds() int { return r.rounds }

// RoundReply produces the receiver's public key for round j.
func (r *Receiver) RoundReply(j int) ([]byte, error) {
	if j != r.current {
		return nil, fmt.Errorf("%w: got round %d, expected %d", ErrRoundMismatch, j, r.current)
	}
	priv, pub, err := otcrypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	r.roundPriv = priv
	return pub, nil
}

// ProcessChallenge recovers the seed for the branch matching this round's
// selection bit and advances to the next round.
func (r *Receiver) ProcessChallenge(ch *RoundChallenge) error {
	if ch.Round != r.current {
		return fmt.Errorf("%w: got round %d, expected %d", ErrRoundMismatch, ch.Round, r.current)
	}
	if r.roundPriv == nil {
		return fmt.Errorf("%w: challenge before round reply", ErrInvalidState)
	}

	bit := r.index >> uint(ch.Round) & 1
	branchPub := ch.PublicKey0
	sealed := ch.SealedSeed0
	if bit == 1 {
		branchPub = ch.PublicKey1
		sealed = ch.SealedSeed1
	}

	key, err := otcrypto.DeriveSharedSecret(r.roundPriv, branchPub)
	if err != nil {
		return err
	}
	seed, err := otcrypto.Open(key, sealed)
	if err != nil {
		return err
	}

	r.seeds = append(r.seeds, seed)
	r.roundPriv = nil
	r.current++
	return nil
}

// RecoverSecret opens the chosen index's entry from the final broadcast. It
// fails with otcrypto.ErrAuthenticationFailed for every other entry because
// the receiver lacks at least one seed of that index's combination.
func (r *Receiver) RecoverSecret(sealedKeys [][]byte) ([]byte, error) {
	if r.current != r.rounds {
		return nil, fmt.Errorf("%w: %d of %d rounds complete", ErrInvalidState, r.current, r.rounds)
	}
	if len(sealedKeys) != r.itemCount {
		return nil, fmt.Errorf("%w: got %d sealed keys, expected %d", ErrInvalidState, len(sealedKeys), r.itemCount)
	}
	return otcrypto.Open(ItemKey(r.seeds), sealedKeys[r.index])
}
