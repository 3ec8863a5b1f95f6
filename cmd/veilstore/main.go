package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"veilstore/auth"
	"veilstore/otcrypto"
	"veilstore/proofverifier"
	"veilstore/server"
	"veilstore/shared"
	"veilstore/storage"
	"veilstore/store"
)

func main() {
	// Load environment variables first
	_ = godotenv.Load()

	logger, err := shared.NewLoggerFromEnv("veilstore")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Server exited", zap.Error(err))
	}
}

func run(logger *shared.Logger) error {
	tokenSecret := os.Getenv("TOKEN_SECRET")
	if tokenSecret == "" {
		return errors.New("TOKEN_SECRET is required")
	}
	refSecret := shared.GetEnvOrDefault("REF_SIGNING_SECRET", tokenSecret)

	st, err := store.Open(shared.GetEnvOrDefault("DATABASE_DSN", "veilstore.db"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	if shared.GetEnvOrDefault("SEED_DEMO_CATALOG", "false") == "true" {
		if err := seedDemoCatalog(st); err != nil {
			return fmt.Errorf("failed to seed demo catalog: %w", err)
		}
		logger.Info("Demo catalog seeded")
	}

	vk, err := loadOrGenerateKeys(logger)
	if err != nil {
		return err
	}

	refs := storage.NewSignedRefIssuer(
		shared.GetEnvOrDefault("DOWNLOAD_BASE_URL", "http://localhost:8090/download"),
		[]byte(refSecret),
		shared.GetEnvDurationOrDefault("DOWNLOAD_REF_TTL", 15*time.Minute),
	)

	config := server.Config{
		PaymentPollInterval:    shared.GetEnvDurationOrDefault("PAYMENT_POLL_INTERVAL", 2*time.Second),
		PaymentPollMaxAttempts: shared.GetEnvIntOrDefault("PAYMENT_POLL_MAX_ATTEMPTS", 30),
	}

	srv := server.New(st, proofverifier.NewVerifier(vk), auth.NewTokenVerifier([]byte(tokenSecret)), refs, logger, config)

	addr := ":" + shared.GetEnvOrDefault("PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting purchase server", zap.String("addr", addr))
		errChan <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal, stopping server", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}
	return nil
}

// loadOrGenerateKeys loads the Groth16 verifying key, running the trusted
// setup on first start when no key exists yet. The proving key is written
// alongside for the demo client.
func loadOrGenerateKeys(logger *shared.Logger) (groth16.VerifyingKey, error) {
	vkPath := shared.GetEnvOrDefault("VERIFYING_KEY_PATH", "keys/purchase.vk")
	pkPath := shared.GetEnvOrDefault("PROVING_KEY_PATH", "keys/purchase.pk")

	vk, err := proofverifier.LoadVerifyingKey(vkPath)
	if err == nil {
		logger.Info("Loaded verifying key", zap.String("path", vkPath))
		return vk, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logger.Info("No verifying key found, running trusted setup", zap.String("path", vkPath))
	_, pk, vk, err := proofverifier.Setup()
	if err != nil {
		return nil, fmt.Errorf("trusted setup failed: %w", err)
	}
	if err := os.MkdirAll(shared.GetEnvOrDefault("KEY_DIR", "keys"), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := proofverifier.WriteVerifyingKey(vkPath, vk); err != nil {
		return nil, err
	}
	if err := proofverifier.WriteProvingKey(pkPath, pk); err != nil {
		return nil, err
	}
	logger.Info("Wrote fresh key material", zap.String("vk", vkPath), zap.String("pk", pkPath))
	return vk, nil
}

func seedDemoCatalog(st *store.Store) error {
	titles := []string{
		"The Annotated Turing",
		"Applied Cryptography",
		"The Art of Computer Programming",
		"Purely Functional Data Structures",
		"Compilers: Principles, Techniques, and Tools",
		"Introduction to Modern Cryptography",
		"Distributed Systems",
		"The Codebreakers",
	}
	books := make([]store.Book, len(titles))
	for i, title := range titles {
		key, err := otcrypto.NewSeed()
		if err != nil {
			return err
		}
		books[i] = store.Book{
			Title:     title,
			ObjectKey: fmt.Sprintf("books/%03d.epub.enc", i),
			SecretKey: key,
		}
	}
	return st.SeedBooks(context.Background(), books)
}
