package outbox

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Writer appends outbox rows. Append must run on the caller's transaction so
// the event commits or rolls back together with the state it announces.
type Writer struct {
	node *snowflake.Node
}

type WriterParams struct {
	fx.In
	Node *snowflake.Node
}

func NewWriter(p WriterParams) *Writer {
	return &Writer{node: p.Node}
}

func (w *Writer) Append(ctx context.Context, tx *gorm.DB, taskType, queue string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return tx.WithContext(ctx).Create(&Event{
		ID:       w.node.Generate().String(),
		TaskType: taskType,
		Queue:    queue,
		Payload:  datatypes.JSON(b),
		Status:   StatusPending,
	}).Error
}
