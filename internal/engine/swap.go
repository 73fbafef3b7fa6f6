package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wnt/chainswap/internal/chain"
	"github.com/wnt/chainswap/internal/keyvault"
	"github.com/wnt/chainswap/internal/logger"
	"github.com/wnt/chainswap/internal/metrics"
	"github.com/wnt/chainswap/internal/models"
	"github.com/wnt/chainswap/internal/quote"
	"github.com/wnt/chainswap/internal/wallets"
)

// approveGasLimit bounds the standalone ERC-20 approval transaction.
const approveGasLimit = 100000

// SwapResult reports a confirmed swap.
type SwapResult struct {
	EntryID   string `json:"entry_id"`
	TxHash    string `json:"tx_hash"`
	BuyAmount string `json:"buy_amount"`
}

// Swap sells amount of sellToken for buyToken from the user's connected
// custodial wallet. The amount is a human-readable decimal in the sell
// token's units. Once a ledger entry exists it is guaranteed to reach a
// terminal status before Swap returns.
func (e *Engine) Swap(ctx context.Context, userID, sellToken, buyToken, amount string, slippagePercent float64) (res *SwapResult, err error) {
	start := time.Now()
	log := logger.WithUser(e.logger, userID).With().
		Str("sell_token", sellToken).
		Str("buy_token", buyToken).
		Str("amount", amount).
		Logger()
	log.Info().Msg("swap initiated")

	wallet, err := e.wallets.Connected(ctx, userID)
	if errors.Is(err, wallets.ErrNotFound) {
		return nil, ErrNoWallet
	}
	if err != nil {
		return nil, fmt.Errorf("load connected wallet: %w", err)
	}
	if !wallet.Custodial() {
		return nil, ErrNotCustodial
	}

	priv, err := e.vault.Decrypt(wallet.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("unlock wallet key: %w", err)
	}
	defer keyvault.Zero(priv)

	owner := common.HexToAddress(wallet.Address)
	if slippagePercent <= 0 {
		slippagePercent = e.defaultSlippage
	}

	sellNative := e.quoter.Native(sellToken)
	var (
		sellTokenAddr common.Address
		sellAmount    *big.Int
	)
	if sellNative {
		sellAmount, err = chain.ParseUnits(amount, 18)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
		}
	} else {
		if !common.IsHexAddress(sellToken) {
			return nil, fmt.Errorf("sell token %q must be the native symbol or a token address", sellToken)
		}
		sellTokenAddr = common.HexToAddress(sellToken)
		decimals, derr := e.chain.TokenDecimals(ctx, sellTokenAddr)
		if derr != nil {
			decimals = fallbackDecimals
		}
		sellAmount, err = chain.ParseUnits(amount, int(decimals))
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
		}
	}
	if sellAmount.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be positive", amount)
	}

	// The wallet must cover gas, plus the sold amount when selling the
	// native coin. The funder tops up from the master wallet if short.
	minNative := new(big.Int).Set(e.gasReserve)
	if sellNative {
		minNative.Add(minNative, sellAmount)
	}
	if _, err = e.funder.EnsureFunded(ctx, owner, minNative); err != nil {
		return nil, fmt.Errorf("insufficient native balance: %w", err)
	}

	q, err := e.quoter.GetQuote(ctx, quote.Params{
		SellToken:       sellToken,
		BuyToken:        buyToken,
		SellAmount:      sellAmount,
		TakerAddress:    owner.Hex(),
		SlippagePercent: slippagePercent,
	})
	if err != nil {
		return nil, fmt.Errorf("obtain quote: %w", err)
	}

	entry := &models.LedgerEntry{
		UserID:     userID,
		Kind:       models.KindSwap,
		FromToken:  sellToken,
		ToToken:    buyToken,
		Amount:     amount,
		FromWallet: wallet.Address,
		Notes:      fmt.Sprintf("quote to=%s buyAmount=%s estimatedGas=%s", q.To, q.BuyAmount, q.EstimatedGas),
	}
	if err = e.entries.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("record swap: %w", err)
	}
	log = logger.WithEntry(log, entry.ID)

	// From here on the entry exists; any failure must land it in the
	// failed state before returning.
	defer func() {
		if err == nil {
			return
		}
		if mErr := e.entries.MarkFailed(context.WithoutCancel(ctx), entry.ID, err.Error()); mErr != nil {
			log.Error().Err(mErr).Msg("failed to mark swap entry failed")
		}
		metrics.SwapsTotal.WithLabelValues("failed").Inc()
	}()

	if !sellNative {
		if err = e.ensureAllowance(ctx, priv, owner, sellTokenAddr, q.AllowanceTarget, sellAmount); err != nil {
			return nil, fmt.Errorf("token approval: %w", err)
		}
	}

	txHash, receipt, err := e.signAndSend(ctx, priv, owner,
		common.HexToAddress(q.To), parseBig(q.Value), parseGasLimit(q.EstimatedGas), common.FromHex(q.Data))
	if (txHash != common.Hash{}) {
		if mErr := e.entries.MarkSubmitted(ctx, entry.ID, txHash.Hex()); mErr != nil {
			log.Warn().Err(mErr).Msg("failed to record swap tx hash")
		}
	}
	if err != nil {
		return nil, err
	}

	if receipt.Status != 1 {
		err = &TransactionRevertedError{TxHash: txHash.Hex()}
		return nil, err
	}

	if err = e.entries.MarkCompleted(ctx, entry.ID, txHash.Hex()); err != nil {
		return nil, fmt.Errorf("finalize swap entry: %w", err)
	}
	if tErr := e.wallets.TouchLastUsed(ctx, userID, wallet.Address); tErr != nil {
		log.Warn().Err(tErr).Msg("failed to stamp wallet last-used time")
	}

	metrics.SwapsTotal.WithLabelValues("completed").Inc()
	metrics.SwapDurationSeconds.Observe(time.Since(start).Seconds())
	log.Info().Str("tx_hash", txHash.Hex()).Msg("swap confirmed")

	return &SwapResult{
		EntryID:   entry.ID,
		TxHash:    txHash.Hex(),
		BuyAmount: q.BuyAmount,
	}, nil
}

// ensureAllowance grants the quote's allowance target permission to pull
// the sold token, skipping the transaction when the current allowance
// already covers the amount.
func (e *Engine) ensureAllowance(ctx context.Context, priv *ecdsa.PrivateKey, owner, token common.Address, allowanceTarget string, amount *big.Int) error {
	if !common.IsHexAddress(allowanceTarget) {
		return fmt.Errorf("quote has no usable allowance target %q", allowanceTarget)
	}
	spender := common.HexToAddress(allowanceTarget)

	current, err := e.chain.TokenAllowance(ctx, token, owner, spender)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}

	txHash, receipt, err := e.signAndSend(ctx, priv, owner, token, big.NewInt(0), approveGasLimit, chain.ApproveCalldata(spender, amount))
	if err != nil {
		return err
	}
	if receipt.Status != 1 {
		return &TransactionRevertedError{TxHash: txHash.Hex()}
	}

	e.logger.Debug().
		Str("token", token.Hex()).
		Str("spender", spender.Hex()).
		Str("tx_hash", txHash.Hex()).
		Msg("allowance granted")
	return nil
}
