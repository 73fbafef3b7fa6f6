package models

import (
	"time"

	"gorm.io/gorm"
)

// Wallet types.
const (
	WalletCustodial = "custodial"
	WalletExternal  = "external"
)

// Wallet represents a user's wallet on the configured chain. At most one
// wallet is connected per user at a time, and an address connected for
// one user cannot simultaneously be connected for another.
type Wallet struct {
	gorm.Model
	UserID      string `gorm:"size:64;index;not null"`
	Address     string `gorm:"size:42;index;not null"`
	WalletName  string `gorm:"size:80"`
	WalletType  string `gorm:"size:20;index;not null;default:custodial"`
	ChainType   string `gorm:"size:20;default:iota-evm"`
	IsConnected bool   `gorm:"index"`

	// EncryptedKey holds the custodial private key ciphertext produced
	// by the key vault. Empty for external wallets. Never logged.
	EncryptedKey string `gorm:"type:text"`

	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	LastUsedAt     *time.Time
}

// Custodial reports whether the wallet's key material is held by the system.
func (w *Wallet) Custodial() bool {
	return w.WalletType == WalletCustodial && w.EncryptedKey != ""
}
