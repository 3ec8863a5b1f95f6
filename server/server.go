// Package server runs the purchase protocol endpoint: one websocket
// connection per purchase session, driven by a per-connection state machine
// that sequences authentication, payment confirmation, proof verification,
// the oblivious transfer and final download-ref delivery.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veilstore/auth"
	"veilstore/proofverifier"
	"veilstore/shared"
	"veilstore/storage"
	"veilstore/store"
)

// ProofVerifier is the verification capability the controller depends on.
type ProofVerifier interface {
	Verify(proofBytes []byte, publicSignals []string, expectedCommitment string) (*proofverifier.VerifiedClaim, error)
}

// Config tunes the session controller.
type Config struct {
	// PaymentPollInterval is the delay between payment-status rechecks
	// while a purchase is still pending.
	PaymentPollInterval time.Duration

	// PaymentPollMaxAttempts bounds the rechecks before the session is
	// closed with a timeout.
	PaymentPollMaxAttempts int
}

// DefaultConfig returns the production poll budget.
func DefaultConfig() Config {
	return Config{
		PaymentPollInterval:    2 * time.Second,
		PaymentPollMaxAttempts: 30,
	}
}

// Server owns the shared collaborators and spawns one session per
// connection. Sessions never share mutable state; races on the same
// purchase are resolved by the store's conditional updates.
type Server struct {
	store    *store.Store
	verifier ProofVerifier
	tokens   *auth.TokenVerifier
	refs     storage.RefIssuer
	logger   *shared.Logger
	config   Config
	upgrader websocket.Upgrader
}

// New creates a server around its collaborators.
func New(st *store.Store, verifier ProofVerifier, tokens *auth.TokenVerifier, refs storage.RefIssuer, logger *shared.Logger, config Config) *Server {
	return &Server{
		store:    st,
		verifier: verifier,
		tokens:   tokens,
		refs:     refs,
		logger:   logger,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The bearer token in the init message is the real gate.
				return true
			},
		},
	}
}

// Handler returns the HTTP mux serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// handleWebSocket upgrades the connection and drives one purchase session
// until it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	session := newPurchaseSession(s, conn)
	s.logger.WithConnection(conn.RemoteAddr().String()).Info("New purchase session",
		zap.String("session_id", session.id))

	session.run()
}
