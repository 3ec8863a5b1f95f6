package otengine

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"veilstore/otcrypto"
)

func makeSecrets(n int) [][]byte {
	secrets := make([][]byte, n)
	for i := range secrets {
		secrets[i] = []byte(fmt.Sprintf("item-secret-key-%02d-0123456789ab", i))
	}
	return secrets
}

// runTransfer drives a full sender/receiver exchange for the given catalog
// and chosen index, returning the final sealed broadcast and the receiver.
func runTransfer(t *testing.T, secrets [][]byte, index int) ([][]byte, *Receiver) {
	t.Helper()

	sender, err := NewSender(secrets)
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	receiver, err := NewReceiver(len(secrets), index)
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	if err := sender.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	for j := 0; j < sender.Rounds(); j++ {
		pub, err := receiver.RoundReply(j)
		if err != nil {
			t.Fatalf("RoundReply(%d) failed: %v", j, err)
		}
		challenge, err := sender.Round(j, pub)
		if err != nil {
			t.Fatalf("Round(%d) failed: %v", j, err)
		}
		if err := receiver.ProcessChallenge(challenge); err != nil {
			t.Fatalf("ProcessChallenge(%d) failed: %v", j, err)
		}
	}

	sealed, err := sender.DeliverAll()
	if err != nil {
		t.Fatalf("DeliverAll failed: %v", err)
	}
	if got := sender.State(); got != StateDelivered {
		t.Fatalf("sender state after delivery: %s", got)
	}
	return sealed, receiver
}

func TestSelectionBits(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4, 1024: 10}
	for n, want := range cases {
		if got := SelectionBits(n); got != want {
			t.Errorf("SelectionBits(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestSingleItemSkipsRounds(t *testing.T) {
	secrets := makeSecrets(1)
	sender, err := NewSender(secrets)
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if sender.Rounds() != 0 {
		t.Fatalf("expected 0 rounds, got %d", sender.Rounds())
	}
	if err := sender.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if sender.State() != StateAwaitingFinalize {
		t.Fatalf("expected awaiting_finalize after Begin, got %s", sender.State())
	}

	sealed, err := sender.DeliverAll()
	if err != nil {
		t.Fatalf("DeliverAll failed: %v", err)
	}
	if len(sealed) != 1 {
		t.Fatalf("expected 1 sealed key, got %d", len(sealed))
	}

	receiver, err := NewReceiver(1, 0)
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	secret, err := receiver.RecoverSecret(sealed)
	if err != nil {
		t.Fatalf("RecoverSecret failed: %v", err)
	}
	if !bytes.Equal(secret, secrets[0]) {
		t.Fatalf("recovered secret mismatch")
	}
}

func TestFourItemsEveryIndex(t *testing.T) {
	secrets := makeSecrets(4)

	for index := 0; index < 4; index++ {
		sealed, receiver := runTransfer(t, secrets, index)

		secret, err := receiver.RecoverSecret(sealed)
		if err != nil {
			t.Fatalf("index %d: RecoverSecret failed: %v", index, err)
		}
		if !bytes.Equal(secret, secrets[index]) {
			t.Fatalf("index %d: recovered wrong secret", index)
		}

		// The receiver's seed combination must not open any other entry.
		for other := 0; other < 4; other++ {
			if other == index {
				continue
			}
			if _, err := otcrypto.Open(ItemKey(receiver.seeds), sealed[other]); !errors.Is(err, otcrypto.ErrAuthenticationFailed) {
				t.Fatalf("index %d: unexpectedly opened entry %d: %v", index, other, err)
			}
		}
	}
}

func TestEightItemsIndexFive(t *testing.T) {
	secrets := makeSecrets(8)

	sender, err := NewSender(secrets)
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if sender.Rounds() != 3 {
		t.Fatalf("expected 3 rounds for 8 items, got %d", sender.Rounds())
	}

	sealed, receiver := runTransfer(t, secrets, 5)
	secret, err := receiver.RecoverSecret(sealed)
	if err != nil {
		t.Fatalf("RecoverSecret failed: %v", err)
	}
	if !bytes.Equal(secret, secrets[5]) {
		t.Fatalf("recovered wrong secret for index 5")
	}
}

func TestRoundMismatchIsFatal(t *testing.T) {
	sender, err := NewSender(makeSecrets(4))
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	receiver, err := NewReceiver(4, 2)
	if err != nil {
		t.Fatalf("NewReceiver failed: %v", err)
	}
	if err := sender.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	pub, err := receiver.RoundReply(0)
	if err != nil {
		t.Fatalf("RoundReply failed: %v", err)
	}

	// Reply claims round 1 while round 0 is expected.
	if _, err := sender.Round(1, pub); !errors.Is(err, ErrRoundMismatch) {
		t.Fatalf("expected ErrRoundMismatch, got %v", err)
	}
	if sender.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", sender.State())
	}

	// A failed engine refuses further rounds and delivery.
	if _, err := sender.Round(0, pub); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after failure, got %v", err)
	}
	if _, err := sender.DeliverAll(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after failure, got %v", err)
	}
}

func TestDeliverBeforeRoundsComplete(t *testing.T) {
	sender, err := NewSender(makeSecrets(4))
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if err := sender.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := sender.DeliverAll(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestReceiverRejectsOutOfRangeIndex(t *testing.T) {
	if _, err := NewReceiver(4, 4); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
	if _, err := NewReceiver(4, -1); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
}

func TestSenderRejectsInvalidPeerPoint(t *testing.T) {
	sender, err := NewSender(makeSecrets(2))
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if err := sender.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := sender.Round(0, bytes.Repeat([]byte{0x00}, 33)); !errors.Is(err, otcrypto.ErrInvalidPoint) {
		t.Fatalf("expected ErrInvalidPoint, got %v", err)
	}
	if sender.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", sender.State())
	}
}
