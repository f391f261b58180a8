package outbox

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusDispatched Status = "DISPATCHED"
	StatusFailed     Status = "FAILED"
)

// Event is a durable record of a side effect that must eventually reach the
// task queue. Rows are written inside the same transaction as the money
// movement that caused them.
type Event struct {
	ID           string         `gorm:"column:id;primaryKey"`
	TaskType     string         `gorm:"column:task_type;index"`
	Queue        string         `gorm:"column:queue"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	Status       Status         `gorm:"column:status;index;default:PENDING"`
	Attempts     int            `gorm:"column:attempts;default:0"`
	LastError    string         `gorm:"column:last_error"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime"`
	DispatchedAt *time.Time     `gorm:"column:dispatched_at"`
}

func (Event) TableName() string {
	return "outbox_events"
}
