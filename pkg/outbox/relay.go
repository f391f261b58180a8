package outbox

import (
	"context"
	"errors"
	"time"

	"coinvest-core/pkg/config"
	"coinvest-core/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxDispatchAttempts = 10

// Relay drains pending outbox rows into the task queue. A row that keeps
// failing to enqueue is parked as FAILED after maxDispatchAttempts so it
// cannot wedge the batch.
type Relay struct {
	db       *gorm.DB
	enqueuer task.Enqueuer
	interval time.Duration
	batch    int
}

type RelayParams struct {
	fx.In
	DB       *gorm.DB
	Enqueuer task.Enqueuer
	Config   *config.Config
}

func NewRelay(p RelayParams) *Relay {
	interval := p.Config.Outbox.RelayInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	batch := p.Config.Outbox.BatchSize
	if batch <= 0 {
		batch = 100
	}

	return &Relay{
		db:       p.DB,
		enqueuer: p.Enqueuer,
		interval: interval,
		batch:    batch,
	}
}

var Module = fx.Module("outbox",
	fx.Provide(NewWriter, NewRelay),
)

var RelayModule = fx.Module("outbox:relay",
	fx.Invoke(StartRelay),
)

// StartRelay dipanggil otomatis oleh FX saat service start
func StartRelay(lc fx.Lifecycle, r *Relay) {
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go r.run(stop)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			return nil
		},
	})
}

func (r *Relay) run(stop <-chan struct{}) {
	zap.L().Info("[Outbox] started relay loop", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Drain(context.Background()); err != nil {
				zap.L().Error("[Outbox] drain failed", zap.Error(err))
			}
		case <-stop:
			zap.L().Warn("[Outbox] relay stopped")
			return
		}
	}
}

// Drain dispatches one batch of pending events, oldest first.
func (r *Relay) Drain(ctx context.Context) error {
	var events []*Event
	if err := r.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at asc").
		Limit(r.batch).
		Find(&events).Error; err != nil {
		return err
	}

	for _, ev := range events {
		r.dispatch(ctx, ev)
	}

	return nil
}

func (r *Relay) dispatch(ctx context.Context, ev *Event) {
	opts := []asynq.Option{asynq.TaskID(ev.ID)}
	if ev.Queue != "" {
		opts = append(opts, asynq.Queue(ev.Queue))
	}

	_, err := r.enqueuer.Enqueue(asynq.NewTask(ev.TaskType, ev.Payload), opts...)
	if err != nil && errors.Is(err, asynq.ErrTaskIDConflict) {
		// Already on the queue from an earlier drain that crashed before
		// the status update. Safe to mark dispatched.
		err = nil
	}
	if err != nil {
		attempts := ev.Attempts + 1
		updates := map[string]any{
			"attempts":   attempts,
			"last_error": err.Error(),
		}
		if attempts >= maxDispatchAttempts {
			updates["status"] = StatusFailed
			zap.L().Error("[Outbox] event parked after repeated enqueue failures",
				zap.String("event_id", ev.ID),
				zap.String("task_type", ev.TaskType),
				zap.Error(err),
			)
		} else {
			zap.L().Warn("[Outbox] failed to enqueue event",
				zap.String("event_id", ev.ID),
				zap.String("task_type", ev.TaskType),
				zap.Error(err),
			)
		}

		if uerr := r.db.WithContext(ctx).Model(&Event{}).Where("id = ?", ev.ID).Updates(updates).Error; uerr != nil {
			zap.L().Error("[Outbox] failed to record enqueue failure", zap.String("event_id", ev.ID), zap.Error(uerr))
		}
		return
	}

	now := time.Now()
	if uerr := r.db.WithContext(ctx).Model(&Event{}).Where("id = ?", ev.ID).Updates(map[string]any{
		"status":        StatusDispatched,
		"dispatched_at": &now,
	}).Error; uerr != nil {
		zap.L().Error("[Outbox] failed to mark event dispatched", zap.String("event_id", ev.ID), zap.Error(uerr))
	}
}
