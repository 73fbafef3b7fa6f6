package wallets

import (
	"context"
	"sync"
	"time"

	"github.com/wnt/chainswap/internal/models"
)

// MemoryStore is an in-memory Store used in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets []*models.Wallet
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Connected returns the user's currently connected wallet.
func (s *MemoryStore) Connected(_ context.Context, userID string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.wallets {
		if w.UserID == userID && w.IsConnected {
			copied := *w
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// Custodial returns the user's custodial wallet regardless of
// connection state.
func (s *MemoryStore) Custodial(_ context.Context, userID string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.wallets {
		if w.UserID == userID && w.WalletType == models.WalletCustodial {
			copied := *w
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// SaveCustodial records a freshly generated custodial wallet as the
// user's connected wallet.
func (s *MemoryStore) SaveCustodial(_ context.Context, userID, address, encryptedKey string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.disconnectAllLocked(userID, now)

	wallet := &models.Wallet{
		UserID:       userID,
		Address:      address,
		WalletName:   "Custodial Wallet",
		WalletType:   models.WalletCustodial,
		ChainType:    "iota-evm",
		IsConnected:  true,
		EncryptedKey: encryptedKey,
		ConnectedAt:  &now,
		LastUsedAt:   &now,
	}
	s.wallets = append(s.wallets, wallet)

	copied := *wallet
	return &copied, nil
}

// ConnectExternal marks an external address as the user's connected
// wallet, disconnecting any previous one.
func (s *MemoryStore) ConnectExternal(_ context.Context, userID, address string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.wallets {
		if w.Address == address && w.IsConnected && w.UserID != userID {
			return nil, ErrWalletInUse
		}
	}

	now := time.Now().UTC()
	s.disconnectAllLocked(userID, now)

	for _, w := range s.wallets {
		if w.UserID == userID && w.Address == address {
			w.IsConnected = true
			w.ConnectedAt = &now
			w.DisconnectedAt = nil
			copied := *w
			return &copied, nil
		}
	}

	wallet := &models.Wallet{
		UserID:      userID,
		Address:     address,
		WalletType:  models.WalletExternal,
		ChainType:   "iota-evm",
		IsConnected: true,
		ConnectedAt: &now,
	}
	s.wallets = append(s.wallets, wallet)

	copied := *wallet
	return &copied, nil
}

// Disconnect clears the connected flag on the user's wallet.
func (s *MemoryStore) Disconnect(_ context.Context, userID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, w := range s.wallets {
		if w.UserID == userID && w.Address == address && w.IsConnected {
			w.IsConnected = false
			w.DisconnectedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

// TouchLastUsed stamps the wallet's last-used time.
func (s *MemoryStore) TouchLastUsed(_ context.Context, userID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, w := range s.wallets {
		if w.UserID == userID && w.Address == address {
			w.LastUsedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) disconnectAllLocked(userID string, now time.Time) {
	for _, w := range s.wallets {
		if w.UserID == userID && w.IsConnected {
			w.IsConnected = false
			w.DisconnectedAt = &now
		}
	}
}
