package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wnt/chainswap/internal/logger"
	"github.com/wnt/chainswap/internal/models"
	"github.com/wnt/chainswap/internal/wallets"
)

// CreateOrConnectWallet returns the user's custodial wallet, generating
// one on first use. A freshly generated wallet is topped up from the
// master wallet on a best-effort basis so it can pay gas immediately.
func (e *Engine) CreateOrConnectWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	if existing, err := e.wallets.Custodial(ctx, userID); err == nil {
		if !existing.IsConnected {
			if _, err := e.wallets.ConnectExternal(ctx, userID, existing.Address); err == nil {
				existing.IsConnected = true
			}
		}
		return existing, nil
	} else if !errors.Is(err, wallets.ErrNotFound) {
		return nil, fmt.Errorf("load custodial wallet: %w", err)
	}

	addr, material, err := e.vault.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate wallet: %w", err)
	}

	w, err := e.wallets.SaveCustodial(ctx, userID, addr.Hex(), material)
	if err != nil {
		return nil, fmt.Errorf("persist custodial wallet: %w", err)
	}

	wlog := logger.WithWallet(logger.WithUser(e.logger, userID), w.Address)
	wlog.Info().Msg("custodial wallet created")

	if e.fundingMin.Sign() > 0 {
		res, err := e.funder.EnsureFunded(ctx, addr, e.fundingMin)
		if err != nil {
			wlog.Warn().Err(err).Msg("initial wallet funding skipped")
		} else if res.Funded {
			wlog.Info().Str("tx_hash", res.TxHash).Msg("initial wallet funding sent")
		}
	}

	return w, nil
}

// ConnectExternalWallet records a user-supplied address as the user's
// connected wallet. The engine cannot sign for external wallets.
func (e *Engine) ConnectExternalWallet(ctx context.Context, userID, address string) (*models.Wallet, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid wallet address %q", address)
	}
	address = common.HexToAddress(address).Hex()

	return e.wallets.ConnectExternal(ctx, userID, address)
}

// GetConnectedWallet returns the user's currently connected wallet.
func (e *Engine) GetConnectedWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	w, err := e.wallets.Connected(ctx, userID)
	if errors.Is(err, wallets.ErrNotFound) {
		return nil, ErrNoWallet
	}
	return w, err
}

// DisconnectWallet detaches a wallet from the user. Custodial key
// material stays in the store so the wallet can be reconnected later.
func (e *Engine) DisconnectWallet(ctx context.Context, userID, address string) error {
	return e.wallets.Disconnect(ctx, userID, address)
}

// WalletStatus summarizes the user's connected wallet for display.
type WalletStatus struct {
	Connected  bool   `json:"connected"`
	Address    string `json:"address,omitempty"`
	WalletType string `json:"wallet_type,omitempty"`

	// CanExecute is true when the engine holds key material for the
	// wallet and can sign swaps on its behalf.
	CanExecute    bool   `json:"can_execute"`
	NativeBalance string `json:"native_balance,omitempty"`
}

// Status reports whether the user has a connected wallet and, if so,
// its native balance.
func (e *Engine) Status(ctx context.Context, userID string) (*WalletStatus, error) {
	w, err := e.wallets.Connected(ctx, userID)
	if errors.Is(err, wallets.ErrNotFound) {
		return &WalletStatus{Connected: false}, nil
	}
	if err != nil {
		return nil, err
	}

	st := &WalletStatus{Connected: true, Address: w.Address, WalletType: w.WalletType, CanExecute: w.Custodial()}
	bal, err := e.GetNativeBalance(ctx, w.Address)
	if err != nil {
		e.logger.Warn().Err(err).Str("address", w.Address).Msg("wallet status balance lookup failed")
		return st, nil
	}
	st.NativeBalance = bal.Formatted
	return st, nil
}

// MasterStatus reports the master wallet's address and native balance.
type MasterStatus struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Hint    string `json:"hint,omitempty"`
}

// Master returns the funding master wallet's status.
func (e *Engine) Master(ctx context.Context) (*MasterStatus, error) {
	bal, err := e.funder.MasterBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("master balance: %w", err)
	}
	st := &MasterStatus{
		Address: e.funder.MasterAddress().Hex(),
		Balance: formatNative(bal),
	}
	if bal.Cmp(e.fundingMin) < 0 {
		st.Hint = fmt.Sprintf("master balance below the funding minimum of %s; top it up to keep wallet auto-funding available", formatNative(e.fundingMin))
	}
	return st, nil
}
