package wallets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wnt/chainswap/internal/models"
)

// GormStore persists wallets in the relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Connected returns the user's currently connected wallet.
func (s *GormStore) Connected(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_connected = ?", userID, true).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallets: connected wallet for %s: %w", userID, err)
	}
	return &wallet, nil
}

// Custodial returns the user's custodial wallet regardless of
// connection state.
func (s *GormStore) Custodial(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND wallet_type = ?", userID, models.WalletCustodial).
		First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallets: custodial wallet for %s: %w", userID, err)
	}
	return &wallet, nil
}

// SaveCustodial records a freshly generated custodial wallet as the
// user's connected wallet.
func (s *GormStore) SaveCustodial(ctx context.Context, userID, address, encryptedKey string) (*models.Wallet, error) {
	now := time.Now().UTC()
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

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A user has at most one connected wallet.
		if err := tx.Model(&models.Wallet{}).
			Where("user_id = ? AND is_connected = ?", userID, true).
			Updates(map[string]interface{}{"is_connected": false, "disconnected_at": &now}).Error; err != nil {
			return err
		}
		return tx.Create(wallet).Error
	})
	if err != nil {
		return nil, fmt.Errorf("wallets: save custodial wallet: %w", err)
	}
	return wallet, nil
}

// ConnectExternal marks an external address as the user's connected
// wallet, disconnecting any previous one.
func (s *GormStore) ConnectExternal(ctx context.Context, userID, address string) (*models.Wallet, error) {
	now := time.Now().UTC()
	var wallet *models.Wallet

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The address must not be connected for anyone else.
		var other models.Wallet
		err := tx.Where("address = ? AND is_connected = ? AND user_id <> ?", address, true, userID).
			First(&other).Error
		if err == nil {
			return ErrWalletInUse
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err := tx.Model(&models.Wallet{}).
			Where("user_id = ? AND is_connected = ?", userID, true).
			Updates(map[string]interface{}{"is_connected": false, "disconnected_at": &now}).Error; err != nil {
			return err
		}

		var existing models.Wallet
		err = tx.Where("user_id = ? AND address = ?", userID, address).First(&existing).Error
		switch {
		case err == nil:
			existing.IsConnected = true
			existing.ConnectedAt = &now
			existing.DisconnectedAt = nil
			wallet = &existing
			return tx.Save(&existing).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			wallet = &models.Wallet{
				UserID:      userID,
				Address:     address,
				WalletType:  models.WalletExternal,
				ChainType:   "iota-evm",
				IsConnected: true,
				ConnectedAt: &now,
			}
			return tx.Create(wallet).Error
		default:
			return err
		}
	})
	if err != nil {
		if errors.Is(err, ErrWalletInUse) {
			return nil, ErrWalletInUse
		}
		return nil, fmt.Errorf("wallets: connect external wallet: %w", err)
	}
	return wallet, nil
}

// Disconnect clears the connected flag on the user's wallet.
func (s *GormStore) Disconnect(ctx context.Context, userID, address string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("user_id = ? AND address = ? AND is_connected = ?", userID, address, true).
		Updates(map[string]interface{}{"is_connected": false, "disconnected_at": &now})
	if res.Error != nil {
		return fmt.Errorf("wallets: disconnect wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed stamps the wallet's last-used time.
func (s *GormStore) TouchLastUsed(ctx context.Context, userID, address string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("user_id = ? AND address = ?", userID, address).
		Update("last_used_at", &now).Error
}
