package currency

import (
	"time"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Chain is an EVM network currencies settle on.
type Chain struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Code      string    `gorm:"column:code;uniqueIndex"`
	Name      string    `gorm:"column:name"`
	RpcURL    string    `gorm:"column:rpc_url"`
	Status    Status    `gorm:"column:status;default:ACTIVE"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Chain) TableName() string {
	return "chains"
}

// Currency is platform reference data. UsdRate is maintained by an external
// rate feed and read here, never computed.
type Currency struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Code      string    `gorm:"column:code;uniqueIndex"`
	Name      string    `gorm:"column:name"`
	ChainID   string    `gorm:"column:chain_id;index"`
	UsdRate   float64   `gorm:"column:usd_rate"`
	Status    Status    `gorm:"column:status;default:ACTIVE"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Currency) TableName() string {
	return "currencies"
}
