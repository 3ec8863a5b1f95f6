package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veilstore/otcrypto"
	"veilstore/otengine"
	"veilstore/shared"
	"veilstore/store"
)

// Session phases. Payment waiting happens synchronously inside the init
// handler, so it needs no phase of its own; the OT sender's internal state
// machine covers the round sequencing within phaseOT.
type phase int

const (
	phaseAwaitingInit phase = iota
	phaseAwaitingProof
	phaseOT
	phaseAwaitingKeyRequest
	phaseAwaitingAck
	phaseClosed
)

// Application close codes, one per fatal protocol error.
var closeCodes = map[shared.ErrorCode]int{
	shared.ErrCodeUnauthorized:       4001,
	shared.ErrCodeInvalidState:       4002,
	shared.ErrCodeProofRejected:      4003,
	shared.ErrCodeNullifierUsed:      4004,
	shared.ErrCodeRoundMismatch:      4005,
	shared.ErrCodeAuthFailed:         4006,
	shared.ErrCodeBadMessage:         4007,
	shared.ErrCodeTimeout:            4008,
	shared.ErrCodePersistenceFailure: 4009,
}

var errPaymentPending = errors.New("payment still pending")

// purchaseSession is the per-connection state machine. It is owned by a
// single goroutine; the write mutex only guards against the reader goroutine
// racing a close frame.
type purchaseSession struct {
	id     string
	server *Server
	conn   *websocket.Conn
	wmu    sync.Mutex
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	phase    phase
	purchase *store.Purchase
	books    []store.Book
	sender   *otengine.Sender
}

func newPurchaseSession(s *Server, conn *websocket.Conn) *purchaseSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &purchaseSession{
		id:     id,
		server: s,
		conn:   conn,
		logger: s.logger.WithSession(id),
		ctx:    ctx,
		cancel: cancel,
		phase:  phaseAwaitingInit,
	}
}

// run reads inbound messages until the session closes. The reader goroutine
// cancels the session context on connection loss, which also aborts an
// in-flight payment poll; ephemeral OT state dies with the session.
func (ps *purchaseSession) run() {
	defer ps.cancel()
	defer ps.conn.Close()

	inbound := make(chan *shared.WSMessage)
	go func() {
		defer ps.cancel()
		for {
			var msg shared.WSMessage
			if err := ps.conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ps.logger.Debug("Connection read failed", zap.Error(err))
				}
				return
			}
			select {
			case inbound <- &msg:
			case <-ps.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ps.ctx.Done():
			if ps.sender != nil {
				ps.sender.Fail()
			}
			return
		case msg := <-inbound:
			ps.handleMessage(msg)
			if ps.phase == phaseClosed {
				return
			}
		}
	}
}

func (ps *purchaseSession) handleMessage(msg *shared.WSMessage) {
	switch msg.Type {
	case shared.MsgInit:
		ps.handleInit(msg)
	case shared.MsgSubmitProof:
		ps.handleSubmitProof(msg)
	case shared.MsgOTRoundReply:
		ps.handleOTRoundReply(msg)
	case shared.MsgOTRoundsComplete:
		ps.handleOTRoundsComplete()
	case shared.MsgRequestDownloadRef:
		ps.handleRequestDownloadRef(msg)
	case shared.MsgDownloadAck:
		ps.handleDownloadAck()
	default:
		ps.closeWith(shared.ErrCodeBadMessage, "unknown message type")
	}
}

// handleInit authenticates the session, waits for payment confirmation and
// opens the proof phase.
func (ps *purchaseSession) handleInit(msg *shared.WSMessage) {
	if ps.phase != phaseAwaitingInit {
		ps.closeWith(shared.ErrCodeInvalidState, "unexpected init")
		return
	}

	var data shared.InitData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		ps.closeWith(shared.ErrCodeBadMessage, "invalid init payload")
		return
	}

	userID, err := ps.server.tokens.VerifyToken(data.Token)
	if err != nil {
		ps.logger.Warn("Token verification failed", zap.Error(err))
		ps.closeWith(shared.ErrCodeUnauthorized, "invalid token")
		return
	}

	purchase, err := ps.server.store.GetPurchase(ps.ctx, data.PurchaseID)
	if err != nil || purchase.UserID != userID {
		ps.closeWith(shared.ErrCodeUnauthorized, "purchase not accessible")
		return
	}
	ps.purchase = purchase
	ps.logger = ps.logger.With(zap.String("purchase_id", purchase.ID))

	switch purchase.Status {
	case store.StatusPaid:
		// proceed immediately
	case store.StatusPending:
		if err := ps.waitForPayment(); err != nil {
			if errors.Is(err, errPaymentPending) {
				ps.closeWith(shared.ErrCodeTimeout, "payment confirmation timed out")
			} else if ps.ctx.Err() == nil {
				ps.closeWith(shared.ErrCodeInvalidState, "purchase not payable")
			}
			return
		}
	default:
		ps.closeWith(shared.ErrCodeInvalidState, fmt.Sprintf("purchase is %s", purchase.Status))
		return
	}

	ps.phase = phaseAwaitingProof
	ps.send(shared.MsgReadyForProof, nil)
}

// waitForPayment polls the persisted status on a fixed interval up to the
// configured attempt budget. The poll is bound to the session context, so a
// dropped connection stops it immediately. The payment webhook collaborator
// flips pending to paid out of band.
func (ps *purchaseSession) waitForPayment() error {
	cfg := ps.server.config
	operation := func() error {
		purchase, err := ps.server.store.GetPurchase(ps.ctx, ps.purchase.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch purchase.Status {
		case store.StatusPaid:
			return nil
		case store.StatusPending:
			return errPaymentPending
		default:
			return backoff.Permanent(fmt.Errorf("purchase is %s", purchase.Status))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.PaymentPollInterval), uint64(cfg.PaymentPollMaxAttempts)),
		ps.ctx,
	)
	return backoff.Retry(operation, policy)
}

// handleSubmitProof runs the proof verifier and the replay guard, then opens
// the OT phase.
func (ps *purchaseSession) handleSubmitProof(msg *shared.WSMessage) {
	if ps.phase != phaseAwaitingProof {
		ps.closeWith(shared.ErrCodeInvalidState, "unexpected proof")
		return
	}

	var data shared.SubmitProofData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		ps.closeWith(shared.ErrCodeBadMessage, "invalid proof payload")
		return
	}

	claim, err := ps.server.verifier.Verify(data.Proof, data.PublicSignals, ps.purchase.Commitment)
	if err != nil {
		ps.server.logger.Security("Proof rejected",
			zap.String("session_id", ps.id),
			zap.String("purchase_id", ps.purchase.ID))
		ps.closeWith(shared.ErrCodeProofRejected, "proof verification failed")
		return
	}

	err = ps.server.store.ConsumeNullifier(ps.ctx, ps.purchase.ID, store.StatusPaid, claim.Nullifier)
	switch {
	case errors.Is(err, store.ErrNullifierUsed):
		ps.server.logger.Security("Nullifier replay detected",
			zap.String("session_id", ps.id),
			zap.String("purchase_id", ps.purchase.ID))
		ps.closeWith(shared.ErrCodeNullifierUsed, "proof already spent")
		return
	case errors.Is(err, store.ErrStatusMismatch):
		ps.closeWith(shared.ErrCodeInvalidState, "purchase not in payable state")
		return
	case err != nil:
		ps.closeWith(shared.ErrCodePersistenceFailure, "could not record verification")
		return
	}

	books, err := ps.server.store.ListBooks(ps.ctx)
	if err != nil || len(books) == 0 {
		ps.closeWith(shared.ErrCodePersistenceFailure, "catalog unavailable")
		return
	}
	ps.books = books

	secrets := make([][]byte, len(books))
	for i, b := range books {
		secrets[i] = b.SecretKey
	}
	sender, err := otengine.NewSender(secrets)
	if err != nil {
		ps.closeWith(shared.ErrCodePersistenceFailure, "transfer setup failed")
		return
	}
	if err := sender.Begin(); err != nil {
		ps.closeWith(shared.ErrCodeInvalidState, "transfer setup failed")
		return
	}
	ps.sender = sender
	ps.phase = phaseOT

	ps.logger.Info("Proof accepted, starting oblivious transfer",
		zap.Int("item_count", sender.ItemCount()),
		zap.Int("rounds", sender.Rounds()))

	ps.send(shared.MsgOTBegin, shared.OTBeginData{ItemCount: sender.ItemCount(), Rounds: sender.Rounds()})
	if sender.Rounds() > 0 {
		ps.send(shared.MsgOTRoundBegin, shared.OTRoundBeginData{Round: 0})
	}
}

// handleOTRoundReply feeds one round response into the sender and returns
// the round challenge.
func (ps *purchaseSession) handleOTRoundReply(msg *shared.WSMessage) {
	if ps.phase != phaseOT {
		ps.closeWith(shared.ErrCodeInvalidState, "unexpected round reply")
		return
	}

	var data shared.OTRoundReplyData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		ps.closeWith(shared.ErrCodeBadMessage, "invalid round payload")
		return
	}

	challenge, err := ps.sender.Round(data.Round, data.PublicKey)
	switch {
	case errors.Is(err, otengine.ErrRoundMismatch):
		ps.closeWith(shared.ErrCodeRoundMismatch, "round out of sequence")
		return
	case errors.Is(err, otcrypto.ErrInvalidPoint):
		ps.closeWith(shared.ErrCodeBadMessage, "invalid public key")
		return
	case err != nil:
		ps.closeWith(shared.ErrCodeInvalidState, "round processing failed")
		return
	}

	ps.send(shared.MsgOTRoundChallenge, shared.OTRoundChallengeData{
		Round:       challenge.Round,
		PublicKey0:  challenge.PublicKey0,
		PublicKey1:  challenge.PublicKey1,
		SealedSeed0: challenge.SealedSeed0,
		SealedSeed1: challenge.SealedSeed1,
	})
	if ps.sender.State() == otengine.StateRoundInProgress {
		ps.send(shared.MsgOTRoundBegin, shared.OTRoundBeginData{Round: ps.sender.CurrentRound()})
	}
}

// handleOTRoundsComplete finalizes the transfer and broadcasts the sealed
// key array.
func (ps *purchaseSession) handleOTRoundsComplete() {
	if ps.phase != phaseOT {
		ps.closeWith(shared.ErrCodeInvalidState, "unexpected completion signal")
		return
	}

	sealed, err := ps.sender.DeliverAll()
	if err != nil {
		ps.closeWith(shared.ErrCodeInvalidState, "rounds not complete")
		return
	}

	ps.phase = phaseAwaitingKeyRequest
	ps.send(shared.MsgOTDeliver, shared.OTDeliverData{SealedKeys: sealed})
}

// handleRequestDownloadRef passes a storage reference through for the chosen
// item. An out-of-range index is the one recoverable protocol error: it is
// answered in-band and the client may retry.
func (ps *purchaseSession) handleRequestDownloadRef(msg *shared.WSMessage) {
	if ps.phase != phaseAwaitingKeyRequest {
		ps.closeWith(shared.ErrCodeInvalidState, "unexpected download request")
		return
	}

	var data shared.RequestDownloadRefData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		ps.closeWith(shared.ErrCodeBadMessage, "invalid download request payload")
		return
	}

	if data.Index < 0 || data.Index >= len(ps.books) {
		ps.send(shared.MsgError, shared.ErrorData{Code: shared.ErrCodeInvalidIndex, Reason: "index out of range"})
		return
	}

	ref, expiresAt, err := ps.server.refs.IssueDownloadRef(ps.books[data.Index].ObjectKey)
	if err != nil {
		ps.closeWith(shared.ErrCodePersistenceFailure, "could not issue download ref")
		return
	}

	ps.phase = phaseAwaitingAck
	ps.send(shared.MsgDownloadRef, shared.DownloadRefData{URL: ref, ExpiresAt: expiresAt.Unix()})
}

// handleDownloadAck marks the purchase completed and closes normally. A
// failed completion write is logged for reconciliation but does not undo a
// delivery the buyer already has.
func (ps *purchaseSession) handleDownloadAck() {
	if ps.phase != phaseAwaitingAck {
		ps.closeWith(shared.ErrCodeInvalidState, "unexpected ack")
		return
	}

	if err := ps.server.store.AdvanceStatus(ps.ctx, ps.purchase.ID, store.StatusVerified, store.StatusCompleted); err != nil {
		ps.logger.Error("Failed to persist completion", zap.Error(err))
	} else {
		ps.logger.Info("Purchase completed")
	}

	ps.phase = phaseClosed
	ps.writeClose(websocket.CloseNormalClosure, "done")
}

// send writes one outbound protocol message.
func (ps *purchaseSession) send(msgType shared.MessageType, payload interface{}) {
	msg, err := shared.NewWSMessage(msgType, ps.id, payload)
	if err != nil {
		ps.logger.Error("Failed to build message", zap.Error(err))
		ps.phase = phaseClosed
		return
	}

	ps.wmu.Lock()
	err = ps.conn.WriteJSON(msg)
	ps.wmu.Unlock()
	if err != nil {
		ps.logger.Debug("Failed to write message", zap.Error(err))
		ps.phase = phaseClosed
	}
}

// closeWith terminates the session with a distinguishing error code. The
// reason strings stay generic on purpose: no error path may disclose which
// branch or catalog index was involved.
func (ps *purchaseSession) closeWith(code shared.ErrorCode, reason string) {
	ps.server.logger.SessionTerminated(ps.id, string(code))

	ps.send(shared.MsgError, shared.ErrorData{Code: code, Reason: reason})
	closeCode, ok := closeCodes[code]
	if !ok {
		closeCode = websocket.ClosePolicyViolation
	}
	ps.writeClose(closeCode, string(code))
	ps.phase = phaseClosed
}

func (ps *purchaseSession) writeClose(code int, reason string) {
	ps.wmu.Lock()
	defer ps.wmu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = ps.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
