package models

import (
	"time"
)

// Ledger entry statuses. An entry is created pending and moves exactly
// once to completed or failed.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Ledger entry kinds.
const (
	KindSwap     = "swap"
	KindWithdraw = "withdraw"
	KindSend     = "send"
	KindBuy      = "buy"
)

// LedgerEntry is the durable record of a single attempted money-movement
// operation and its terminal status.
type LedgerEntry struct {
	ID     string `gorm:"primaryKey;size:36"`
	UserID string `gorm:"size:64;index;not null"`
	Kind   string `gorm:"size:20;index;not null"`

	// Token identifiers as the caller supplied them; FromToken/ToToken
	// are populated for swaps, Token for single-token operations.
	Token     string `gorm:"size:64"`
	FromToken string `gorm:"size:64"`
	ToToken   string `gorm:"size:64"`

	// Amount is the human-readable decimal amount, stored as text to
	// avoid float rounding.
	Amount   string `gorm:"size:80;not null"`
	ValueUSD string `gorm:"size:80"`

	FromWallet string `gorm:"size:42;index"`
	ToWallet   string `gorm:"size:42"`

	Status      string `gorm:"size:20;index;not null;default:pending"`
	TxHash      string `gorm:"size:80;index"`
	ErrorDetail string `gorm:"type:text"`
	Notes       string `gorm:"type:text"`

	CreatedAt   time.Time  `gorm:"index"`
	CompletedAt *time.Time
}

// Terminal reports whether the entry has reached a terminal status.
func (e *LedgerEntry) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}
