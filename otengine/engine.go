// Package otengine implements a 1-out-of-N oblivious transfer built from
// ceil(log2(N)) sequential 1-out-of-2 transfers of random seeds.
//
// Per round the sender holds two seeds and hands the receiver exactly one of
// them, without learning which. After all rounds the sender seals every
// catalog secret under a key derived from the seed combination matching that
// item's binary index and broadcasts the full array; the receiver can
// reconstruct the key for exactly the one index whose bits match the seeds
// it holds.
//
// The construction is secure against a semi-honest receiver only: the
// receiver is assumed to build its per-round public key so that it can
// derive the shared secret for a single branch. The engine does not, and
// cannot, verify that property.
package otengine

import (
	"errors"
	"fmt"
	"math/bits"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"veilstore/otcrypto"
)

// State is the sender's protocol state.
type State int

const (
	StateIdle State = iota
	StateRoundInProgress
	StateAwaitingFinalize
	StateDelivered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRoundInProgress:
		return "round_in_progress"
	case StateAwaitingFinalize:
		return "awaiting_finalize"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrRoundMismatch is returned when a round response does not carry the
	// currently expected round number. It is fatal to the session.
	ErrRoundMismatch = errors.New("otengine: round number mismatch")

	// ErrInvalidState is returned when an operation is attempted outside
	// the state that permits it.
	ErrInvalidState = errors.New("otengine: invalid engine state")

	// ErrNoSecrets is returned when a sender is created over an empty
	// catalog.
	ErrNoSecrets = errors.New("otengine: no secrets to transfer")
)

// RoundChallenge is the sender's output for one 1-out-of-2 round: two fresh
// public keys and the two seeds, each sealed under the shared secret of its
// branch.
type RoundChallenge struct {
	Round       int
	PublicKey0  []byte
	PublicKey1  []byte
	SealedSeed0 []byte
	SealedSeed1 []byte
}

type seedPair struct {
	seed0 []byte
	seed1 []byte
}

// Sender runs the sending side of the transfer for one session. It is owned
// by a single connection and is not safe for concurrent use.
type Sender struct {
	secrets [][]byte
	rounds  int
	seeds   []seedPair
	current int
	state   State
}

// SelectionBits returns ceil(log2(n)), the number of 1-out-of-2 rounds
// needed to address n items. Zero when n <= 1.
func SelectionBits(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// NewSender creates a sender over the ordered catalog secrets and draws the
// per-round seed pairs.
func NewSender(secrets [][]byte) (*Sender, error) {
	if len(secrets) == 0 {
		return nil, ErrNoSecrets
	}

	owned := make([][]byte, len(secrets))
	for i, s := range secrets {
		owned[i] = append([]byte(nil), s...)
	}

	rounds := SelectionBits(len(secrets))
	seeds := make([]seedPair, rounds)
	for j := range seeds {
		seed0, err := otcrypto.NewSeed()
		if err != nil {
			return nil, err
		}
		seed1, err := otcrypto.NewSeed()
		if err != nil {
			return nil, err
		}
		seeds[j] = seedPair{seed0: seed0, seed1: seed1}
	}

	return &Sender{
		secrets: owned,
		rounds:  rounds,
		seeds:   seeds,
		state:   StateIdle,
	}, nil
}

// State reports the sender's current protocol state.
func (s *Sender) State() State { return s.state }

// ItemCount reports the catalog size.
func (s *Sender) ItemCount() int { return len(s.secrets) }

// Rounds reports the number of 1-out-of-2 rounds.
func (s *Sender) Rounds() int { return s.rounds }

// CurrentRound reports the round currently awaiting a response.
func (s *Sender) CurrentRound() int { return s.current }

// Begin starts the transfer. With a single-item catalog there are no rounds
// and the sender moves straight to the finalize step.
func (s *Sender) Begin() error {
	if s.state != StateIdle {
		return fmt.Errorf("%w: begin in state %s", ErrInvalidState, s.state)
	}
	if s.rounds == 0 {
		s.state = StateAwaitingFinalize
	} else {
		s.state = StateRoundInProgress
	}
	return nil
}

// Round processes the receiver's public key for round j and produces the
// round challenge. A round number other than the currently expected one
// fails the engine; there is no partial-state recovery.
func (s *Sender) Round(j int, peerPub []byte) (*RoundChallenge, error) {
	if s.state != StateRoundInProgress {
		return nil, fmt.Errorf("%w: round reply in state %s", ErrInvalidState, s.state)
	}
	if j != s.current {
		s.state = StateFailed
		return nil, fmt.Errorf("%w: got round %d, expected %d", ErrRoundMismatch, j, s.current)
	}

	challenge, err := s.buildChallenge(j, peerPub)
	if err != nil {
		s.state = StateFailed
		return nil, err
	}

	s.current++
	if s.current == s.rounds {
		s.state = StateAwaitingFinalize
	}
	return challenge, nil
}

func (s *Sender) buildChallenge(j int, peerPub []byte) (*RoundChallenge, error) {
	priv0, pub0, err := otcrypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	priv1, pub1, err := otcrypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}

	key0, err := otcrypto.DeriveSharedSecret(priv0, peerPub)
	if err != nil {
		return nil, err
	}
	key1, err := otcrypto.DeriveSharedSecret(priv1, peerPub)
	if err != nil {
		return nil, err
	}

	sealed0, err := otcrypto.Seal(key0, s.seeds[j].seed0)
	if err != nil {
		return nil, err
	}
	sealed1, err := otcrypto.Seal(key1, s.seeds[j].seed1)
	if err != nil {
		return nil, err
	}

	return &RoundChallenge{
		Round:       j,
		PublicKey0:  pub0,
		PublicKey1:  pub1,
		SealedSeed0: sealed0,
		SealedSeed1: sealed1,
	}, nil
}

// DeliverAll finalizes the transfer: every catalog secret is sealed under
// the per-item key of its index and the full array is returned for
// broadcast.
func (s *Sender) DeliverAll() ([][]byte, error) {
	if s.state != StateAwaitingFinalize {
		return nil, fmt.Errorf("%w: deliver in state %s", ErrInvalidState, s.state)
	}

	sealed := make([][]byte, len(s.secrets))
	for i, secret := range s.secrets {
		selected := make([][]byte, s.rounds)
		for j := 0; j < s.rounds; j++ {
			if i>>uint(j)&1 == 1 {
				selected[j] = s.seeds[j].seed1
			} else {
				selected[j] = s.seeds[j].seed0
			}
		}

		blob, err := otcrypto.Seal(ItemKey(selected), secret)
		if err != nil {
			s.state = StateFailed
			return nil, err
		}
		sealed[i] = blob
	}

	s.state = StateDelivered
	return sealed, nil
}

// Fail moves the engine to its terminal failure state. Called by the owner
// on transport errors so a half-open engine cannot be resumed.
func (s *Sender) Fail() {
	s.state = StateFailed
}

// ItemKey derives the symmetric key for one catalog index from the seeds
// selected by that index's bits: XOR of all selected seeds, hashed with
// Keccak-256. With zero rounds (single-item catalog) the key is the hash of
// the all-zero block, so the direct-delivery path keeps the same wire
// format.
func ItemKey(selectedSeeds [][]byte) []byte {
	combined := make([]byte, otcrypto.KeySize)
	for _, seed := range selectedSeeds {
		for k := range combined {
			combined[k] ^= seed[k]
		}
	}
	return ethcrypto.Keccak256(combined)
}
