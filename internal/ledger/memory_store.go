package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wnt/chainswap/internal/models"
)

// MemoryStore is an in-memory Store used in tests and ephemeral setups.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.LedgerEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*models.LedgerEntry{}}
}

// Create persists a new entry, assigning its id and pending status.
func (s *MemoryStore) Create(_ context.Context, entry *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Status = models.StatusPending
	entry.CreatedAt = time.Now().UTC()

	stored := *entry
	s.entries[entry.ID] = &stored
	return nil
}

// MarkSubmitted stores the chain transaction hash on a pending entry.
func (s *MemoryStore) MarkSubmitted(_ context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.pending(id)
	if err != nil {
		return err
	}
	entry.TxHash = txHash
	return nil
}

// MarkCompleted moves a pending entry to completed.
func (s *MemoryStore) MarkCompleted(_ context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.pending(id)
	if err != nil {
		return err
	}
	if txHash != "" {
		entry.TxHash = txHash
	}
	now := time.Now().UTC()
	entry.Status = models.StatusCompleted
	entry.CompletedAt = &now
	return nil
}

// MarkFailed moves a pending entry to failed with the error detail.
func (s *MemoryStore) MarkFailed(_ context.Context, id, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.pending(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry.Status = models.StatusFailed
	entry.ErrorDetail = errorDetail
	entry.CompletedAt = &now
	return nil
}

// Get returns one entry by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

// ListByUser returns a user's entries ordered by recency.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.LedgerEntry
	for _, entry := range s.entries {
		if entry.UserID == userID {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByKind aggregates a user's entries by operation kind.
func (s *MemoryStore) CountByKind(_ context.Context, userID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]int64{}
	for _, entry := range s.entries {
		if entry.UserID == userID {
			out[entry.Kind]++
		}
	}
	return out, nil
}

// pending fetches an entry for mutation, refusing terminal entries.
// Callers must hold the write lock.
func (s *MemoryStore) pending(id string) (*models.LedgerEntry, error) {
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	return entry, nil
}
