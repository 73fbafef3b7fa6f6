package ledger

import (
	"context"
	"errors"

	"github.com/wnt/chainswap/internal/models"
)

var (
	// ErrNotFound indicates the ledger entry does not exist.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrAlreadyTerminal indicates an attempt to mutate an entry that
	// already reached completed or failed. Entries are never resurrected.
	ErrAlreadyTerminal = errors.New("ledger entry already in terminal state")
)

// Store is the durable record of every attempted money-movement
// operation. Entries are created pending and move exactly once to a
// terminal status; only the orchestrator mutates them.
type Store interface {
	// Create persists a new entry, assigning its id and pending status.
	Create(ctx context.Context, entry *models.LedgerEntry) error

	// MarkSubmitted stores the chain transaction hash on a pending entry.
	MarkSubmitted(ctx context.Context, id, txHash string) error

	// MarkCompleted moves a pending entry to completed.
	MarkCompleted(ctx context.Context, id, txHash string) error

	// MarkFailed moves a pending entry to failed with the error detail.
	MarkFailed(ctx context.Context, id, errorDetail string) error

	// Get returns one entry by id.
	Get(ctx context.Context, id string) (*models.LedgerEntry, error)

	// ListByUser returns a user's entries ordered by recency.
	ListByUser(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)

	// CountByKind aggregates a user's entries by operation kind.
	CountByKind(ctx context.Context, userID string) (map[string]int64, error)
}
