package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/wnt/chainswap/internal/funding"
	"github.com/wnt/chainswap/internal/ledger"
	"github.com/wnt/chainswap/internal/quote"
	"github.com/wnt/chainswap/internal/wallets"
)

// Chain is the subset of the RPC gateway the orchestrator needs.
type Chain interface {
	ChainID() *big.Int
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TokenSymbol(ctx context.Context, token common.Address) (string, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Quoter obtains swap quotes from the external quote service.
type Quoter interface {
	GetQuote(ctx context.Context, p quote.Params) (*quote.Quote, error)
	Native(token string) bool
}

// Funder keeps wallets gas-funded from the master wallet.
type Funder interface {
	EnsureFunded(ctx context.Context, addr common.Address, minBalance *big.Int) (funding.FundingResult, error)
	MasterAddress() common.Address
	MasterBalance(ctx context.Context) (*big.Int, error)
}

// Vault generates custodial keypairs and protects their key material.
type Vault interface {
	Generate() (common.Address, string, error)
	Decrypt(material string) (*ecdsa.PrivateKey, error)
}

var (
	// ErrNoWallet indicates the user has no connected wallet.
	ErrNoWallet = errors.New("no connected wallet for user")

	// ErrNotCustodial indicates the connected wallet has no custodial
	// key material, so the engine cannot sign for it.
	ErrNotCustodial = errors.New("wallet has no custodial key material")
)

// TransactionRevertedError reports an on-chain revert together with the
// transaction hash for manual inspection.
type TransactionRevertedError struct {
	TxHash string
}

func (e *TransactionRevertedError) Error() string {
	return fmt.Sprintf("transaction %s reverted on chain; inspect the hash for details", e.TxHash)
}

// Config carries the engine's operational parameters.
type Config struct {
	// GasReserve is the native balance (wei) kept aside for gas.
	GasReserve *big.Int

	// FundingMin is the native balance (wei) a fresh custodial wallet
	// is topped up to, best effort.
	FundingMin *big.Int

	// NativeSymbol is the display symbol of the chain's native coin.
	NativeSymbol string

	// DefaultSlippagePercent is used when a caller passes none.
	DefaultSlippagePercent float64

	// SubmitTimeout bounds broadcast plus confirmation wait.
	SubmitTimeout time.Duration
}

// Engine is the swap orchestrator. It is the sole caller of the key
// vault, RPC gateway, quote broker and funding subsystem, and owns each
// ledger entry for the lifetime of its operation. It holds no state
// between invocations.
type Engine struct {
	chain   Chain
	quoter  Quoter
	funder  Funder
	vault   Vault
	entries ledger.Store
	wallets wallets.Store

	gasReserve      *big.Int
	fundingMin      *big.Int
	nativeSymbol    string
	defaultSlippage float64
	submitTimeout   time.Duration
	logger          zerolog.Logger
}

// New wires an engine from its collaborators.
func New(chain Chain, quoter Quoter, funder Funder, vault Vault, entries ledger.Store, walletStore wallets.Store, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if chain == nil || quoter == nil || funder == nil || vault == nil || entries == nil || walletStore == nil {
		return nil, errors.New("engine: all collaborators are required")
	}

	gasReserve := cfg.GasReserve
	if gasReserve == nil {
		gasReserve = big.NewInt(0)
	}
	fundingMin := cfg.FundingMin
	if fundingMin == nil {
		fundingMin = big.NewInt(0)
	}
	nativeSymbol := cfg.NativeSymbol
	if nativeSymbol == "" {
		nativeSymbol = "ETH"
	}
	slippage := cfg.DefaultSlippagePercent
	if slippage <= 0 {
		slippage = 1.0
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 90 * time.Second
	}

	return &Engine{
		chain:           chain,
		quoter:          quoter,
		funder:          funder,
		vault:           vault,
		entries:         entries,
		wallets:         walletStore,
		gasReserve:      gasReserve,
		fundingMin:      fundingMin,
		nativeSymbol:    nativeSymbol,
		defaultSlippage: slippage,
		submitTimeout:   submitTimeout,
		logger:          logger.With().Str("component", "engine").Logger(),
	}, nil
}

// signAndSend builds, signs and broadcasts one transaction from the
// given key, then waits for its receipt within the submit timeout.
func (e *Engine) signAndSend(ctx context.Context, priv *ecdsa.PrivateKey, from common.Address, to common.Address, value *big.Int, gasLimit uint64, data []byte) (common.Hash, *coretypes.Receipt, error) {
	nonce, err := e.chain.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("nonce fetch: %w", err)
	}

	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("gas price: %w", err)
	}

	if value == nil {
		value = big.NewInt(0)
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(e.chain.ChainID()), priv)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := e.chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, nil, fmt.Errorf("broadcast transaction: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()
	receipt, err := e.chain.WaitMined(waitCtx, signed.Hash())
	if err != nil {
		return signed.Hash(), nil, fmt.Errorf("await transaction %s: %w", signed.Hash().Hex(), err)
	}
	return signed.Hash(), receipt, nil
}

// parseBig reads a quote amount that may be decimal or 0x-prefixed hex.
func parseBig(s string) *big.Int {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if v, ok := new(big.Int).SetString(s[2:], 16); ok {
			return v
		}
		return big.NewInt(0)
	}
	if v, ok := new(big.Int).SetString(s, 10); ok {
		return v
	}
	return big.NewInt(0)
}

// parseGasLimit reads the quote's gas estimate, falling back to a
// conservative default.
func parseGasLimit(s string) uint64 {
	const defaultGasLimit = 300000
	v := parseBig(s)
	if v.Sign() <= 0 || !v.IsUint64() {
		return defaultGasLimit
	}
	return v.Uint64()
}
