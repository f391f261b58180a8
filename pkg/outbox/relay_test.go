package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coinvest-core/pkg/config"
	"coinvest-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueuerMock struct {
	tasks []*asynq.Task
	err   error
}

func (m *enqueuerMock) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.tasks = append(m.tasks, task)
	return &asynq.TaskInfo{ID: task.Type()}, nil
}

func newRelayFixture(t *testing.T, enq *enqueuerMock) (*Relay, *Writer, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Event{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	writer := NewWriter(WriterParams{Node: node})
	relay := NewRelay(RelayParams{DB: db, Enqueuer: enq, Config: &config.Config{}})

	return relay, writer, db
}

func TestAppendCommitsWithTransaction(t *testing.T) {
	_, writer, db := newRelayFixture(t, &enqueuerMock{})
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		return writer.Append(ctx, tx, "referral:commission:invest", "critical", map[string]string{
			"investment_id": "inv-1",
		})
	})
	require.NoError(t, err)

	var events []*Event
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, StatusPending, events[0].Status)
	require.Equal(t, "critical", events[0].Queue)
	require.JSONEq(t, `{"investment_id":"inv-1"}`, string(events[0].Payload))
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	_, writer, db := newRelayFixture(t, &enqueuerMock{})
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := writer.Append(ctx, tx, "referral:commission:invest", "critical", nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Model(&Event{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestDrainDispatchesPending(t *testing.T) {
	enq := &enqueuerMock{}
	relay, writer, db := newRelayFixture(t, enq)
	ctx := context.Background()

	require.NoError(t, writer.Append(ctx, db, "referral:commission:invest", "critical", map[string]string{"investment_id": "inv-1"}))
	require.NoError(t, writer.Append(ctx, db, "referral:bonus:op_parent", "default", map[string]string{"investment_id": "inv-1"}))

	require.NoError(t, relay.Drain(ctx))

	require.Len(t, enq.tasks, 2)

	var events []*Event
	require.NoError(t, db.Find(&events).Error)
	for _, ev := range events {
		require.Equal(t, StatusDispatched, ev.Status)
		require.NotNil(t, ev.DispatchedAt)
	}

	// A second drain finds nothing pending.
	require.NoError(t, relay.Drain(ctx))
	require.Len(t, enq.tasks, 2)
}

func TestDrainTreatsDuplicateTaskIDAsDispatched(t *testing.T) {
	enq := &enqueuerMock{err: asynq.ErrTaskIDConflict}
	relay, writer, db := newRelayFixture(t, enq)
	ctx := context.Background()

	require.NoError(t, writer.Append(ctx, db, "referral:commission:invest", "critical", nil))
	require.NoError(t, relay.Drain(ctx))

	var ev Event
	require.NoError(t, db.First(&ev).Error)
	require.Equal(t, StatusDispatched, ev.Status)
}

func TestDrainParksEventAfterRepeatedFailures(t *testing.T) {
	enq := &enqueuerMock{err: errors.New("redis down")}
	relay, writer, db := newRelayFixture(t, enq)
	ctx := context.Background()

	require.NoError(t, writer.Append(ctx, db, "referral:commission:invest", "critical", nil))

	for i := 0; i < maxDispatchAttempts-1; i++ {
		require.NoError(t, relay.Drain(ctx))
	}

	var ev Event
	require.NoError(t, db.First(&ev).Error)
	require.Equal(t, StatusPending, ev.Status)
	require.Equal(t, maxDispatchAttempts-1, ev.Attempts)
	require.Equal(t, "redis down", ev.LastError)

	require.NoError(t, relay.Drain(ctx))

	require.NoError(t, db.First(&ev).Error)
	require.Equal(t, StatusFailed, ev.Status)

	// Parked events are out of the batch for good.
	require.NoError(t, relay.Drain(ctx))
	require.NoError(t, db.First(&ev).Error)
	require.Equal(t, maxDispatchAttempts, ev.Attempts)
}
