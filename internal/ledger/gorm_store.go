package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wnt/chainswap/internal/metrics"
	"github.com/wnt/chainswap/internal/models"
)

// GormStore persists ledger entries in the relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Create persists a new entry, assigning its id and pending status.
func (s *GormStore) Create(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Status = models.StatusPending
	entry.CreatedAt = time.Now().UTC()

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		metrics.LedgerOperations.WithLabelValues("create", "failed").Inc()
		return fmt.Errorf("ledger: create entry: %w", err)
	}
	metrics.LedgerOperations.WithLabelValues("create", "success").Inc()
	return nil
}

// MarkSubmitted stores the chain transaction hash on a pending entry.
func (s *GormStore) MarkSubmitted(ctx context.Context, id, txHash string) error {
	return s.updatePending(ctx, id, map[string]interface{}{"tx_hash": txHash})
}

// MarkCompleted moves a pending entry to completed.
func (s *GormStore) MarkCompleted(ctx context.Context, id, txHash string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       models.StatusCompleted,
		"completed_at": &now,
	}
	if txHash != "" {
		updates["tx_hash"] = txHash
	}
	return s.updatePending(ctx, id, updates)
}

// MarkFailed moves a pending entry to failed with the error detail.
func (s *GormStore) MarkFailed(ctx context.Context, id, errorDetail string) error {
	now := time.Now().UTC()
	return s.updatePending(ctx, id, map[string]interface{}{
		"status":       models.StatusFailed,
		"error_detail": errorDetail,
		"completed_at": &now,
	})
}

// updatePending applies updates only while the entry is still pending,
// enforcing the single terminal transition at the database level.
func (s *GormStore) updatePending(ctx context.Context, id string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(updates)
	if res.Error != nil {
		metrics.LedgerOperations.WithLabelValues("update", "failed").Inc()
		return fmt.Errorf("ledger: update entry %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.LedgerOperations.WithLabelValues("update", "failed").Inc()
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyTerminal
	}
	metrics.LedgerOperations.WithLabelValues("update", "success").Inc()
	return nil
}

// Get returns one entry by id.
func (s *GormStore) Get(ctx context.Context, id string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get entry %s: %w", id, err)
	}
	return &entry, nil
}

// ListByUser returns a user's entries ordered by recency.
func (s *GormStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var entries []models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries for %s: %w", userID, err)
	}
	return entries, nil
}

// CountByKind aggregates a user's entries by operation kind.
func (s *GormStore) CountByKind(ctx context.Context, userID string) (map[string]int64, error) {
	type row struct {
		Kind  string
		Count int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select("kind, COUNT(*) as count").
		Where("user_id = ?", userID).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: aggregate entries for %s: %w", userID, err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Kind] = r.Count
	}
	return out, nil
}
