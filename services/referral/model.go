package referral

import (
	"time"
)

type RuleType string

const (
	TypePercent RuleType = "PERCENT"
	// TypeFixed pays a flat USD amount regardless of investment size.
	TypeFixed RuleType = "FIXED"
)

type RuleKind string

const (
	// KindInvest rules drive the per-level fan-out on each investment.
	KindInvest RuleKind = "INVEST"
	// KindBonusOP pays the direct sponsor a one-off bonus per investment.
	KindBonusOP RuleKind = "BONUS_OP"
	// KindBonusInvest drives the monthly volume bonus sweep.
	KindBonusInvest RuleKind = "BONUS_INVEST"
)

// CommissionRule is the single configured source for every payout table.
// Level 0 pays the investor; level N pays the Nth ancestor.
type CommissionRule struct {
	ID         string    `gorm:"column:id;primaryKey"`
	PackageID  string    `gorm:"column:package_id;index"`
	Kind       RuleKind  `gorm:"column:kind;index;default:INVEST"`
	Level      int       `gorm:"column:level"`
	CurrencyID string    `gorm:"column:currency_id"`
	Commission float64   `gorm:"column:commission"`
	Type       RuleType  `gorm:"column:type;default:PERCENT"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (CommissionRule) TableName() string {
	return "commission_rules"
}

// FloorSummary is one row of the floor report beneath an account.
type FloorSummary struct {
	Level         int
	Members       int64
	InvestedUsd   float64
	CommissionUsd float64
}
