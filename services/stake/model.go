package stake

import (
	"time"

	"gorm.io/gorm"
)

type PackageType string

const (
	PackageFlexible PackageType = "FLEXIBLE"
	// PackageLocked forbids manual claims; reward is only paid at redemption.
	PackageLocked PackageType = "LOCKED"
)

type Package struct {
	ID                string         `gorm:"column:id;primaryKey"`
	Name              string         `gorm:"column:name"`
	Type              PackageType    `gorm:"column:type;default:FLEXIBLE"`
	StakeCurrencyCode string         `gorm:"column:stake_currency_code"`
	MinStake          float64        `gorm:"column:min_stake"`
	MaxStake          float64        `gorm:"column:max_stake"`
	StartDate         time.Time      `gorm:"column:start_date"`
	EndDate           time.Time      `gorm:"column:end_date"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt         gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (Package) TableName() string {
	return "stake_packages"
}

type Term struct {
	ID        string `gorm:"column:id;primaryKey"`
	PackageID string `gorm:"column:package_id;index"`
	Days      int    `gorm:"column:days"`
	// Capacity caps the summed stake on this term. Zero means unlimited.
	Capacity  float64   `gorm:"column:capacity"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Term) TableName() string {
	return "stake_terms"
}

// RewardSchedule is immutable reference data. A (package, term) pair may
// carry several rows, one per payout currency.
type RewardSchedule struct {
	ID               string    `gorm:"column:id;primaryKey"`
	PackageID        string    `gorm:"column:package_id;index"`
	TermID           string    `gorm:"column:term_id;index"`
	CurrencyRewardID string    `gorm:"column:currency_reward_id"`
	AprReward        float64   `gorm:"column:apr_reward"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (RewardSchedule) TableName() string {
	return "reward_schedules"
}

type PositionStatus string

const (
	StatusHolding   PositionStatus = "HOLDING"
	StatusCompleted PositionStatus = "COMPLETED"
)

type Position struct {
	ID               string         `gorm:"column:id;primaryKey"`
	Code             string         `gorm:"column:code;uniqueIndex"`
	CustomerID       string         `gorm:"column:customer_id;index"`
	PackageID        string         `gorm:"column:package_id;index"`
	TermID           string         `gorm:"column:term_id;index"`
	CurrencyCode     string         `gorm:"column:currency_code"`
	AmountStake      float64        `gorm:"column:amount_stake"`
	AmountUsdStake   float64        `gorm:"column:amount_usd_stake"`
	SubscriptionDate time.Time      `gorm:"column:subscription_date"`
	LastTimeReward   time.Time      `gorm:"column:last_time_reward"`
	RedemptionDate   time.Time      `gorm:"column:redemption_date;index"`
	Status           PositionStatus `gorm:"column:status;index"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Position) TableName() string {
	return "stake_positions"
}

type StakeInput struct {
	CustomerID string
	PackageID  string
	TermID     string
	Amount     float64
}
