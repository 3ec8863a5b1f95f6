// Package store persists purchases and the encrypted-book catalog. Status
// transitions are compare-and-swap style conditional updates so concurrent
// sessions racing on one purchase cannot double-advance it, and a uniqueness
// constraint on the nullifier column turns proof replay into a
// distinguishable error.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Status is the purchase lifecycle state. Transitions are strictly ordered:
// pending -> paid -> verified -> completed, with failed reachable from any
// non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusVerified  Status = "verified"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrStatusMismatch is returned when a conditional transition finds the
	// purchase in a different state than expected.
	ErrStatusMismatch = errors.New("store: purchase status mismatch")

	// ErrNullifierUsed is returned when a nullifier has already been
	// consumed by any purchase. This is the replay-attack defense.
	ErrNullifierUsed = errors.New("store: nullifier already used")

	// ErrNotFound is returned when a purchase or book does not exist.
	ErrNotFound = errors.New("store: record not found")
)

// Purchase is one buyer's purchase record. The commitment is written once at
// creation and never updated; inbound commitments are only compared against
// it. The nullifier is set once, on first successful proof verification.
type Purchase struct {
	ID         string  `gorm:"primaryKey"`
	UserID     string  `gorm:"index;not null"`
	Commitment string  `gorm:"not null"`
	Status     Status  `gorm:"not null"`
	Nullifier  *string `gorm:"uniqueIndex"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Book is one catalog item. The id ordering defines the binary index used
// during oblivious transfer; SecretKey decrypts the blob at ObjectKey.
type Book struct {
	ID        uint   `gorm:"primaryKey"`
	Title     string `gorm:"not null"`
	ObjectKey string `gorm:"not null"`
	SecretKey []byte `gorm:"not null"`
}

// Store wraps the purchase/catalog database.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the database at the given SQLite DSN. Tests use
// an in-memory DSN.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every pooled connection to an in-memory DSN gets its own database,
	// so pin the pool to a single connection there.
	if strings.Contains(dsn, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Purchase{}, &Book{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &Store{db: db}, nil
}

// CreatePurchase records a new pending purchase bound to its commitment.
func (s *Store) CreatePurchase(ctx context.Context, userID, commitment string) (*Purchase, error) {
	purchase := &Purchase{
		ID:         uuid.NewString(),
		UserID:     userID,
		Commitment: commitment,
		Status:     StatusPending,
	}
	if err := s.db.WithContext(ctx).Create(purchase).Error; err != nil {
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}
	return purchase, nil
}

// GetPurchase loads one purchase by id.
func (s *Store) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	var purchase Purchase
	err := s.db.WithContext(ctx).First(&purchase, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	return &purchase, nil
}

// AdvanceStatus moves a purchase from exactly one status to the next. The
// update only succeeds if the persisted status still matches from; anything
// else returns ErrStatusMismatch and changes nothing.
func (s *Store) AdvanceStatus(ctx context.Context, id string, from, to Status) error {
	result := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return fmt.Errorf("failed to advance status: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return ErrStatusMismatch
	}
	return nil
}

// ConsumeNullifier is the replay guard: one conditional update setting the
// purchase to verified and recording the nullifier, succeeding only if the
// purchase is still in the expected prior status. A duplicate nullifier
// anywhere in the table yields ErrNullifierUsed instead of a silent
// overwrite.
func (s *Store) ConsumeNullifier(ctx context.Context, id string, expectedPrior Status, nullifier string) error {
	result := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("id = ? AND status = ?", id, expectedPrior).
		Updates(map[string]interface{}{
			"status":    StatusVerified,
			"nullifier": nullifier,
		})
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return ErrNullifierUsed
	}
	if result.Error != nil {
		return fmt.Errorf("failed to consume nullifier: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return ErrStatusMismatch
	}
	return nil
}

// MarkFailed moves a purchase to the terminal failed state from any
// non-terminal state.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("id = ? AND status NOT IN ?", id, []Status{StatusCompleted, StatusFailed}).
		Update("status", StatusFailed)
	if result.Error != nil {
		return fmt.Errorf("failed to mark purchase failed: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return ErrStatusMismatch
	}
	return nil
}

// SeedBooks inserts catalog items if the catalog is empty. The catalog is
// read-only for the protocol core.
func (s *Store) SeedBooks(ctx context.Context, books []Book) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Book{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count books: %w", err)
	}
	if count > 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&books).Error; err != nil {
		return fmt.Errorf("failed to seed books: %w", err)
	}
	return nil
}

// ListBooks returns the full catalog ordered by id. The ordering defines
// the OT binary index.
func (s *Store) ListBooks(ctx context.Context) ([]Book, error) {
	var books []Book
	if err := s.db.WithContext(ctx).Order("id asc").Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}
