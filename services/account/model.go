package account

import (
	"strings"
	"time"
)

// MaxSponsorDepth bounds the tree. A sponsor chain longer than this is
// rejected at signup so ancestor walks stay O(depth).
const MaxSponsorDepth = 15

type Account struct {
	ID        string  `gorm:"column:id;primaryKey"`
	RefCode   string  `gorm:"column:ref_code;uniqueIndex"`
	SponsorID *string `gorm:"column:sponsor_id;index"`
	// SponsorFloor is the depth in the tree, root = 0.
	SponsorFloor int `gorm:"column:sponsor_floor;index"`
	// SponsorPath materializes the ancestor chain, root first, as
	// "/rootID/.../parentID/". Written once at creation.
	SponsorPath     string    `gorm:"column:sponsor_path"`
	ActivePackage   bool      `gorm:"column:active_package"`
	LevelCommission int       `gorm:"column:level_commission"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}

// AncestorIDs returns the materialized chain ordered nearest first, so
// index 0 is the direct sponsor (level 1).
func (a *Account) AncestorIDs() []string {
	trimmed := strings.Trim(a.SponsorPath, "/")
	if trimmed == "" {
		return nil
	}

	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		out = append(out, parts[i])
	}
	return out
}

// Wallet maps an on-chain deposit address to an account and currency.
type Wallet struct {
	ID           string    `gorm:"column:id;primaryKey"`
	AccountID    string    `gorm:"column:account_id;index"`
	CurrencyCode string    `gorm:"column:currency_code"`
	Address      string    `gorm:"column:address;uniqueIndex"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Wallet) TableName() string {
	return "wallets"
}
