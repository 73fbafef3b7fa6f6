package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/wnt/chainswap/internal/models"
	"github.com/wnt/chainswap/internal/wallets"
)

// WithdrawResult reports a recorded fiat withdrawal.
type WithdrawResult struct {
	EntryID       string `json:"entry_id"`
	Reference     string `json:"reference"`
	EstimatedTime string `json:"estimated_time"`
}

// WithdrawToFiat records a fiat off-ramp request for the given USD
// amount. Settlement happens out of band through the payout provider;
// the ledger entry carries a synthetic reference instead of a chain
// transaction hash.
func (e *Engine) WithdrawToFiat(ctx context.Context, userID, amountUSD string) (*WithdrawResult, error) {
	if amountUSD == "" {
		return nil, errors.New("withdrawal amount is required")
	}

	fromWallet := ""
	if w, err := e.wallets.Connected(ctx, userID); err == nil {
		fromWallet = w.Address
	} else if !errors.Is(err, wallets.ErrNotFound) {
		return nil, fmt.Errorf("load connected wallet: %w", err)
	}

	entry := &models.LedgerEntry{
		UserID:     userID,
		Kind:       models.KindWithdraw,
		Token:      "USD",
		Amount:     amountUSD,
		ValueUSD:   amountUSD,
		FromWallet: fromWallet,
		Notes:      "fiat off-ramp via payout provider",
	}
	if err := e.entries.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}

	reference := fmt.Sprintf("sim_withdraw_%d_%06d", time.Now().UnixMilli(), rand.Intn(1000000))
	if err := e.entries.MarkCompleted(ctx, entry.ID, reference); err != nil {
		// The entry must not stay pending once this call returns.
		if mErr := e.entries.MarkFailed(context.WithoutCancel(ctx), entry.ID, err.Error()); mErr != nil {
			e.logger.Error().Err(mErr).Str("entry_id", entry.ID).Msg("failed to mark withdrawal entry failed")
		}
		return nil, fmt.Errorf("finalize withdrawal entry: %w", err)
	}

	e.logger.Info().
		Str("user_id", userID).
		Str("amount_usd", amountUSD).
		Str("reference", reference).
		Msg("fiat withdrawal recorded")

	return &WithdrawResult{
		EntryID:       entry.ID,
		Reference:     reference,
		EstimatedTime: "1-3 business days",
	}, nil
}

// ListHistory returns the user's most recent ledger entries.
func (e *Engine) ListHistory(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.entries.ListByUser(ctx, userID, limit)
}

// HistorySummary aggregates the user's ledger entries by kind.
func (e *Engine) HistorySummary(ctx context.Context, userID string) (map[string]int64, error) {
	return e.entries.CountByKind(ctx, userID)
}
