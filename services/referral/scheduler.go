package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coinvest-core/pkg/task"
	"coinvest-core/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler enqueues the monthly bonus sweep. It wakes daily and only
// submits on the first of the month; the month-keyed task ID makes a
// double submission a no-op.
type Scheduler struct {
	enqueuer task.Enqueuer
}

type SchedulerFxParams struct {
	fx.In
	Enqueuer task.Enqueuer
}

func NewScheduler(p SchedulerFxParams) *Scheduler {
	return &Scheduler{enqueuer: p.Enqueuer}
}

var SchedulerModule = fx.Module("referral.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)

// StartScheduler dipanggil otomatis oleh FX saat service start
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run(stop)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			return nil
		},
	})
}

func (s *Scheduler) run(stop <-chan struct{}) {
	zap.L().Info("[Scheduler] started monthly bonus scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, 1, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.runDaily()
		case <-stop:
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily() {
	now := time.Now()
	if now.Day() != 1 {
		return
	}

	prevMonth := now.AddDate(0, -1, 0).Format("2006-01")
	b, _ := json.Marshal(BonusMonthlyPayload{})

	_, err := s.enqueuer.Enqueue(
		asynq.NewTask(taskname.ReferralBonusMonthly, b),
		asynq.Queue("low"),
		asynq.TaskID(fmt.Sprintf("bonus:%s", prevMonth)),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return
		}
		zap.L().Error("[Scheduler] failed to enqueue monthly bonus", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] monthly bonus sweep enqueued", zap.String("month", prevMonth))
}

// nextRunTime computes the next occurrence of the given wall-clock time.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
