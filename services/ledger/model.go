package ledger

import (
	"time"

	"gorm.io/datatypes"
)

type Action string

const (
	ActionStake                  Action = "STAKE"
	ActionUnstake                Action = "UNSTAKE"
	ActionInterest               Action = "INTEREST"
	ActionDirectCommissionInvest Action = "DIRECT_COMMISSION_INVEST"
	ActionBonusOP                Action = "BONUS_OP"
	ActionBonusInvest            Action = "BONUS_INVEST"
	ActionWithdraw               Action = "WITHDRAW"
	ActionDeposit                Action = "DEPOSIT"
	ActionReverse                Action = "REVERSE"
	ActionFee                    Action = "FEE"
)

// Direction is the sign convention per action. Amount columns always hold
// the positive magnitude.
func (a Action) Direction() float64 {
	switch a {
	case ActionStake, ActionWithdraw, ActionFee:
		return -1
	default:
		return 1
	}
}

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusCanceled   Status = "CANCELED"
)

// validTransition encodes the entry lifecycle. COMPLETED and CANCELED are
// terminal.
func validTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusProcessing || to == StatusCompleted || to == StatusCanceled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusCanceled
	default:
		return false
	}
}

// Entry is one immutable balance-affecting event. The idx_entry_idem unique
// index is the idempotency guard: at most one entry may exist per
// (customer, action, order_ref, currency) tuple, enforced by the storage
// layer rather than a prior read.
type Entry struct {
	ID            string         `gorm:"column:id;primaryKey"`
	CustomerID    string         `gorm:"column:customer_id;index:idx_entry_customer_currency;uniqueIndex:idx_entry_idem,priority:1"`
	Action        Action         `gorm:"column:action;uniqueIndex:idx_entry_idem,priority:2"`
	OrderRef      string         `gorm:"column:order_ref;uniqueIndex:idx_entry_idem,priority:3"`
	CurrencyCode  string         `gorm:"column:currency_code;index:idx_entry_customer_currency;uniqueIndex:idx_entry_idem,priority:4"`
	Amount        float64        `gorm:"column:amount"`
	AmountUsd     float64        `gorm:"column:amount_usd"`
	BalanceBefore float64        `gorm:"column:balance_before"`
	Balance       float64        `gorm:"column:balance"`
	Code          string         `gorm:"column:code;uniqueIndex"`
	TransactionID string         `gorm:"column:transaction_id;index"`
	TxHash        string         `gorm:"column:tx_hash;index"`
	Status        Status         `gorm:"column:status;index"`
	Description   string         `gorm:"column:description"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Entry) TableName() string {
	return "ledger_entries"
}

type CreateInput struct {
	CustomerID    string
	Action        Action
	OrderRef      string
	CurrencyCode  string
	Amount        float64
	AmountUsd     float64
	TransactionID string
	TxHash        string
	Status        Status
	Description   string
	Metadata      datatypes.JSON
	// Direction overrides the action's sign convention. A REVERSE entry of
	// a debit is a credit and vice versa; everything else leaves it zero.
	Direction float64
}

type DepositInput struct {
	TxHash        string
	Address       string
	CurrencyCode  string
	Amount        float64
	TransactionID string
}

// Query filters FindByQuery and CountTransaction.
type Query struct {
	CustomerID   string
	Action       Action
	CurrencyCode string
	Status       Status
	OrderRef     string
	TxHash       string
}
