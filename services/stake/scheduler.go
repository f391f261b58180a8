package stake

import (
	"context"
	"sync/atomic"
	"time"

	"coinvest-core/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler sweeps matured positions. The atomic flag only guards
// self-overlap within this process; running multiple instances needs a
// distributed lock at deployment level.
type Scheduler struct {
	service  *Service
	interval time.Duration
	running  atomic.Bool
}

type SchedulerParams struct {
	fx.In
	Service *Service
	Config  *config.Config `optional:"true"`
}

func NewScheduler(p SchedulerParams) *Scheduler {
	interval := 30 * time.Minute
	if p.Config != nil && p.Config.Scheduler.SweepInterval > 0 {
		interval = p.Config.Scheduler.SweepInterval
	}

	return &Scheduler{service: p.Service, interval: interval}
}

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
	zap.L().Info("[Scheduler] started redemption sweep", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-stop:
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// Sweep redeems every HOLDING position maturing today that has passed its
// redemption date. Per-position failures are logged and the sweep moves on.
func (s *Scheduler) Sweep(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		zap.L().Warn("[Scheduler] previous sweep still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	start := time.Now()

	positions, err := s.service.GetOrderRedeem(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] failed to query redeemable positions", zap.Error(err))
		return
	}

	var redeemed int
	for _, pos := range positions {
		if pos.RedemptionDate.After(start) {
			continue
		}

		if err := s.service.Redeem(ctx, pos.ID); err != nil {
			zap.L().Error("[Scheduler] failed to redeem position",
				zap.String("position_id", pos.ID),
				zap.Error(err),
			)
			continue
		}
		redeemed++
	}

	zap.L().Info("[Scheduler] sweep finished",
		zap.Int("candidates", len(positions)),
		zap.Int("redeemed", redeemed),
		zap.Duration("duration", time.Since(start)),
	)
}
