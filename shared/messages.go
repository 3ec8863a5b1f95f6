package shared

import (
	"encoding/json"
	"time"
)

// MessageType identifies a protocol message on the purchase channel
type MessageType string

const (
	// Client to server messages
	MsgInit               MessageType = "init"
	MsgSubmitProof        MessageType = "submit_proof"
	MsgOTRoundReply       MessageType = "ot_round_reply"
	MsgOTRoundsComplete   MessageType = "ot_rounds_complete"
	MsgRequestDownloadRef MessageType = "request_download_ref"
	MsgDownloadAck        MessageType = "download_ack"

	// Server to client messages
	MsgReadyForProof    MessageType = "ready_for_proof"
	MsgOTBegin          MessageType = "ot_begin"
	MsgOTRoundBegin     MessageType = "ot_round_begin"
	MsgOTRoundChallenge MessageType = "ot_round_challenge"
	MsgOTDeliver        MessageType = "ot_deliver"
	MsgDownloadRef      MessageType = "download_ref"
	MsgError            MessageType = "error"
)

// WSMessage is the envelope for all protocol messages
type WSMessage struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewWSMessage wraps a payload into an envelope
func NewWSMessage(msgType MessageType, sessionID string, payload interface{}) (*WSMessage, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	return &WSMessage{
		Type:      msgType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}, nil
}

// Protocol message payloads

type InitData struct {
	Token      string `json:"token"`
	PurchaseID string `json:"purchase_id"`
}

type SubmitProofData struct {
	Proof         []byte   `json:"proof"`
	PublicSignals []string `json:"public_signals"`
}

type OTBeginData struct {
	ItemCount int `json:"item_count"`
	Rounds    int `json:"rounds"`
}

type OTRoundBeginData struct {
	Round int `json:"round"`
}

type OTRoundReplyData struct {
	Round     int    `json:"round"`
	PublicKey []byte `json:"public_key"`
}

type OTRoundChallengeData struct {
	Round       int    `json:"round"`
	PublicKey0  []byte `json:"public_key_0"`
	PublicKey1  []byte `json:"public_key_1"`
	SealedSeed0 []byte `json:"sealed_seed_0"`
	SealedSeed1 []byte `json:"sealed_seed_1"`
}

type OTDeliverData struct {
	SealedKeys [][]byte `json:"sealed_keys"`
}

type RequestDownloadRefData struct {
	Index int `json:"index"`
}

type DownloadRefData struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

type ErrorData struct {
	Code   ErrorCode `json:"code"`
	Reason string    `json:"reason,omitempty"`
}
