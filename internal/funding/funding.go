package funding

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/wnt/chainswap/internal/metrics"
)

const transferGasLimit = 21000

// Chain is the subset of the RPC gateway the funder needs.
type Chain interface {
	ChainID() *big.Int
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// ErrMasterReadOnly is returned when a send is attempted through a
// master wallet configured without a private key.
var ErrMasterReadOnly = errors.New("master wallet is read-only: private key not configured")

// Master is the funding source. The two variants make the read-only
// distinction type-visible instead of a runtime capability check.
type Master interface {
	Address() common.Address
}

// ReadOnlyMaster knows the master address but cannot sign. Balance
// checks work; any send fails with ErrMasterReadOnly.
type ReadOnlyMaster struct {
	addr common.Address
}

// NewReadOnlyMaster wraps a bare master address.
func NewReadOnlyMaster(hexAddr string) (*ReadOnlyMaster, error) {
	if !common.IsHexAddress(hexAddr) {
		return nil, fmt.Errorf("funding: invalid master address %q", hexAddr)
	}
	return &ReadOnlyMaster{addr: common.HexToAddress(hexAddr)}, nil
}

// Address returns the master wallet address.
func (m *ReadOnlyMaster) Address() common.Address { return m.addr }

// SigningMaster holds the master private key and can fund wallets.
type SigningMaster struct {
	addr common.Address
	priv *ecdsa.PrivateKey
}

// NewSigningMaster parses a hex-encoded master private key.
func NewSigningMaster(hexKey string) (*SigningMaster, error) {
	h := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	priv, err := crypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("funding: invalid master private key: %w", err)
	}
	return &SigningMaster{
		addr: crypto.PubkeyToAddress(priv.PublicKey),
		priv: priv,
	}, nil
}

// Address returns the master wallet address.
func (m *SigningMaster) Address() common.Address { return m.addr }

// MasterWalletUnderfundedError is returned when the master wallet cannot
// cover a required transfer without queuing a doomed transaction.
type MasterWalletUnderfundedError struct {
	MasterAddress common.Address
	Shortfall     *big.Int
	Balance       *big.Int
}

func (e *MasterWalletUnderfundedError) Error() string {
	return fmt.Sprintf("master wallet %s underfunded: need %s wei but have %s wei; please fund the master wallet",
		e.MasterAddress.Hex(), e.Shortfall, e.Balance)
}

// FundingResult reports whether a transfer was made and its hash.
type FundingResult struct {
	Funded bool
	TxHash string
}

// Funder tops wallets up from the master wallet by exactly the
// shortfall, never more. Master-wallet submissions are serialized
// through a single in-process mutex so concurrent funding operations
// cannot race on the master nonce.
type Funder struct {
	chain    Chain
	master   Master
	submitMu sync.Mutex
	logger   zerolog.Logger
}

// NewFunder creates a funder over the given chain and master wallet.
func NewFunder(chain Chain, master Master, logger zerolog.Logger) *Funder {
	return &Funder{
		chain:  chain,
		master: master,
		logger: logger.With().Str("component", "funding").Logger(),
	}
}

// MasterAddress returns the configured master wallet address.
func (f *Funder) MasterAddress() common.Address {
	return f.master.Address()
}

// MasterBalance reads the master wallet's native balance.
func (f *Funder) MasterBalance(ctx context.Context) (*big.Int, error) {
	return f.chain.NativeBalance(ctx, f.master.Address())
}

// EnsureFunded checks the address's native balance and tops it up from
// the master wallet by exactly the shortfall. Calling it on an already
// funded address is a no-op, so it is safe to invoke before every
// gas-spending flow.
func (f *Funder) EnsureFunded(ctx context.Context, addr common.Address, minBalance *big.Int) (FundingResult, error) {
	balance, err := f.chain.NativeBalance(ctx, addr)
	if err != nil {
		return FundingResult{}, fmt.Errorf("funding: balance check for %s: %w", addr.Hex(), err)
	}

	if balance.Cmp(minBalance) >= 0 {
		return FundingResult{Funded: false}, nil
	}

	// Only send what's needed, not the full minimum.
	shortfall := new(big.Int).Sub(minBalance, balance)

	masterBalance, err := f.chain.NativeBalance(ctx, f.master.Address())
	if err != nil {
		return FundingResult{}, fmt.Errorf("funding: master balance check: %w", err)
	}
	if masterBalance.Cmp(shortfall) < 0 {
		metrics.FundingTransfersTotal.WithLabelValues("underfunded").Inc()
		return FundingResult{}, &MasterWalletUnderfundedError{
			MasterAddress: f.master.Address(),
			Shortfall:     shortfall,
			Balance:       masterBalance,
		}
	}

	signer, ok := f.master.(*SigningMaster)
	if !ok {
		return FundingResult{}, ErrMasterReadOnly
	}

	hash, err := f.transfer(ctx, signer, addr, shortfall)
	if err != nil {
		metrics.FundingTransfersTotal.WithLabelValues("failed").Inc()
		return FundingResult{}, err
	}

	metrics.FundingTransfersTotal.WithLabelValues("success").Inc()
	f.logger.Info().
		Str("to", addr.Hex()).
		Str("amount_wei", shortfall.String()).
		Str("tx_hash", hash).
		Msg("Funded wallet from master")
	return FundingResult{Funded: true, TxHash: hash}, nil
}

// transfer builds, signs and broadcasts a native transfer from the
// master wallet, holding the submission lock for the whole sequence so
// only one master transaction is in flight at a time.
func (f *Funder) transfer(ctx context.Context, signer *SigningMaster, to common.Address, amount *big.Int) (string, error) {
	f.submitMu.Lock()
	defer f.submitMu.Unlock()

	nonce, err := f.chain.PendingNonceAt(ctx, signer.addr)
	if err != nil {
		return "", fmt.Errorf("funding: nonce fetch: %w", err)
	}

	gasPrice, err := f.chain.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("funding: gas price: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(f.chain.ChainID()), signer.priv)
	if err != nil {
		return "", fmt.Errorf("funding: sign transfer: %w", err)
	}

	if err := f.chain.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("funding: broadcast transfer: %w", err)
	}

	receipt, err := f.chain.WaitMined(ctx, signed.Hash())
	if err != nil {
		return signed.Hash().Hex(), fmt.Errorf("funding: await transfer %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return signed.Hash().Hex(), fmt.Errorf("funding: transfer %s reverted", signed.Hash().Hex())
	}

	return signed.Hash().Hex(), nil
}
