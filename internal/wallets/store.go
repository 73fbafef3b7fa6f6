package wallets

import (
	"context"
	"errors"

	"github.com/wnt/chainswap/internal/models"
)

var (
	// ErrNotFound indicates the user has no matching wallet.
	ErrNotFound = errors.New("wallet not found")

	// ErrWalletInUse indicates the address is already connected for a
	// different user. An address is connected for at most one user.
	ErrWalletInUse = errors.New("wallet already connected to another user")
)

// Store persists wallets and their connection state. A user has at most
// one connected wallet at a time.
type Store interface {
	// Connected returns the user's currently connected wallet.
	Connected(ctx context.Context, userID string) (*models.Wallet, error)

	// Custodial returns the user's custodial wallet regardless of
	// connection state.
	Custodial(ctx context.Context, userID string) (*models.Wallet, error)

	// SaveCustodial records a freshly generated custodial wallet as the
	// user's connected wallet.
	SaveCustodial(ctx context.Context, userID, address, encryptedKey string) (*models.Wallet, error)

	// ConnectExternal marks an external address as the user's connected
	// wallet, disconnecting any previous one. Fails with ErrWalletInUse
	// if the address is connected for a different user.
	ConnectExternal(ctx context.Context, userID, address string) (*models.Wallet, error)

	// Disconnect clears the connected flag on the user's wallet.
	Disconnect(ctx context.Context, userID, address string) error

	// TouchLastUsed stamps the wallet's last-used time.
	TouchLastUsed(ctx context.Context, userID, address string) error
}
