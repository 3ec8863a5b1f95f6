// Demo client: provisions a paid purchase directly in the store, generates a
// purchase proof and drives the whole delivery protocol against a running
// server, recovering exactly one book key.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"veilstore/auth"
	"veilstore/otengine"
	"veilstore/proofverifier"
	"veilstore/shared"
	"veilstore/store"
)

type demoConfig struct {
	ServerURL      string
	DatabaseDSN    string
	TokenSecret    string
	ProvingKeyPath string
	ChosenIndex    int
	Price          int64
	CatalogRoot    int64
}

func main() {
	_ = godotenv.Load()

	config := demoConfig{
		ServerURL:      shared.GetEnvOrDefault("SERVER_URL", "ws://localhost:8080/ws"),
		DatabaseDSN:    shared.GetEnvOrDefault("DATABASE_DSN", "veilstore.db"),
		TokenSecret:    shared.GetEnvOrDefault("TOKEN_SECRET", "dev-secret"),
		ProvingKeyPath: shared.GetEnvOrDefault("PROVING_KEY_PATH", "keys/purchase.pk"),
		ChosenIndex:    shared.GetEnvIntOrDefault("CHOSEN_INDEX", 5),
		Price:          int64(shared.GetEnvIntOrDefault("PRICE", 500)),
		CatalogRoot:    int64(shared.GetEnvIntOrDefault("CATALOG_ROOT", 777)),
	}

	fmt.Println("🔐 Oblivious Book Delivery - End-to-End Demo")
	fmt.Println(strings.Repeat("=", 50))

	if err := runDemo(config); err != nil {
		log.Fatalf("Demo failed: %v", err)
	}

	fmt.Println("\n✅ Demo completed successfully!")
}

func runDemo(config demoConfig) error {
	ctx := context.Background()

	fmt.Println("📚 Step 1: Opening catalog and creating a paid purchase")
	st, err := store.Open(config.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	books, err := st.ListBooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list catalog: %w", err)
	}
	if config.ChosenIndex < 0 || config.ChosenIndex >= len(books) {
		return fmt.Errorf("chosen index %d out of range for %d books", config.ChosenIndex, len(books))
	}
	fmt.Printf("   Catalog has %d books; buying index %d (%q) without telling the server\n",
		len(books), config.ChosenIndex, books[config.ChosenIndex].Title)

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to draw nonce: %w", err)
	}
	req := proofverifier.ProofRequest{
		ItemID: big.NewInt(int64(config.ChosenIndex)),
		Nonce:  nonce,
		Price:  big.NewInt(config.Price),
		Root:   big.NewInt(config.CatalogRoot),
	}
	commitment := proofverifier.ComputeCommitment(req.ItemID, req.Nonce, req.Price)

	purchase, err := st.CreatePurchase(ctx, "demo-buyer", commitment)
	if err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	// The demo stands in for the payment processor.
	if err := st.AdvanceStatus(ctx, purchase.ID, store.StatusPending, store.StatusPaid); err != nil {
		return fmt.Errorf("failed to mark purchase paid: %w", err)
	}
	fmt.Printf("   Purchase %s created and paid, commitment %s...\n", purchase.ID, commitment[:16])

	fmt.Println("🧮 Step 2: Generating the purchase proof")
	ccs, err := proofverifier.Compile()
	if err != nil {
		return err
	}
	pk, err := proofverifier.LoadProvingKey(config.ProvingKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load proving key (start the server once to generate it): %w", err)
	}
	proof, signals, err := proofverifier.Prove(ccs, pk, req)
	if err != nil {
		return err
	}
	fmt.Printf("   Proof ready, nullifier %s...\n", signals[proofverifier.SignalNullifier][:16])

	token, err := auth.NewTokenVerifier([]byte(config.TokenSecret)).IssueToken("demo-buyer", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Printf("🔌 Step 3: Connecting to %s\n", config.ServerURL)
	conn, _, err := websocket.DefaultDialer.Dial(config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if err := send(conn, shared.MsgInit, shared.InitData{Token: token, PurchaseID: purchase.ID}); err != nil {
		return err
	}
	if _, err := expect(conn, shared.MsgReadyForProof); err != nil {
		return err
	}
	fmt.Println("   Authenticated, payment confirmed")

	fmt.Println("📤 Step 4: Submitting proof")
	if err := send(conn, shared.MsgSubmitProof, shared.SubmitProofData{Proof: proof, PublicSignals: signals}); err != nil {
		return err
	}
	var begin shared.OTBeginData
	if err := expectInto(conn, shared.MsgOTBegin, &begin); err != nil {
		return err
	}
	fmt.Printf("   Proof accepted; oblivious transfer over %d items in %d rounds\n", begin.ItemCount, begin.Rounds)

	fmt.Println("🎲 Step 5: Running the transfer rounds")
	receiver, err := otengine.NewReceiver(begin.ItemCount, config.ChosenIndex)
	if err != nil {
		return err
	}
	for j := 0; j < begin.Rounds; j++ {
		var roundBegin shared.OTRoundBeginData
		if err := expectInto(conn, shared.MsgOTRoundBegin, &roundBegin); err != nil {
			return err
		}
		pub, err := receiver.RoundReply(roundBegin.Round)
		if err != nil {
			return err
		}
		if err := send(conn, shared.MsgOTRoundReply, shared.OTRoundReplyData{Round: roundBegin.Round, PublicKey: pub}); err != nil {
			return err
		}
		var challenge shared.OTRoundChallengeData
		if err := expectInto(conn, shared.MsgOTRoundChallenge, &challenge); err != nil {
			return err
		}
		if err := receiver.ProcessChallenge(&otengine.RoundChallenge{
			Round:       challenge.Round,
			PublicKey0:  challenge.PublicKey0,
			PublicKey1:  challenge.PublicKey1,
			SealedSeed0: challenge.SealedSeed0,
			SealedSeed1: challenge.SealedSeed1,
		}); err != nil {
			return err
		}
		fmt.Printf("   Round %d complete\n", roundBegin.Round)
	}

	if err := send(conn, shared.MsgOTRoundsComplete, nil); err != nil {
		return err
	}
	var deliver shared.OTDeliverData
	if err := expectInto(conn, shared.MsgOTDeliver, &deliver); err != nil {
		return err
	}
	secret, err := receiver.RecoverSecret(deliver.SealedKeys)
	if err != nil {
		return err
	}
	fmt.Printf("🔑 Step 6: Recovered key for book %d: %s\n", config.ChosenIndex, hex.EncodeToString(secret))

	if err := send(conn, shared.MsgRequestDownloadRef, shared.RequestDownloadRefData{Index: config.ChosenIndex}); err != nil {
		return err
	}
	var ref shared.DownloadRefData
	if err := expectInto(conn, shared.MsgDownloadRef, &ref); err != nil {
		return err
	}
	fmt.Printf("📦 Step 7: Download ref (expires %s):\n   %s\n",
		time.Unix(ref.ExpiresAt, 0).Format(time.RFC3339), ref.URL)

	if err := send(conn, shared.MsgDownloadAck, nil); err != nil {
		return err
	}
	return nil
}

func send(conn *websocket.Conn, msgType shared.MessageType, payload interface{}) error {
	msg, err := shared.NewWSMessage(msgType, "", payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func expect(conn *websocket.Conn, want shared.MessageType) (*shared.WSMessage, error) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
	var msg shared.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("connection lost while waiting for %s: %w", want, err)
	}
	if msg.Type == shared.MsgError {
		var errData shared.ErrorData
		_ = json.Unmarshal(msg.Data, &errData)
		return nil, fmt.Errorf("server error %s: %s", errData.Code, errData.Reason)
	}
	if msg.Type != want {
		return nil, fmt.Errorf("unexpected message %s, wanted %s", msg.Type, want)
	}
	return &msg, nil
}

func expectInto(conn *websocket.Conn, want shared.MessageType, out interface{}) error {
	msg, err := expect(conn, want)
	if err != nil {
		return err
	}
	return json.Unmarshal(msg.Data, out)
}
