package referral

import (
	"context"
	"encoding/json"
	"fmt"

	"coinvest-core/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.referral",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)

type Task struct {
	service *Service
}

type TaskParams struct {
	fx.In
	Service *Service
}

func NewTask(p TaskParams) *Task {
	return &Task{service: p.Service}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.ReferralCommissionInvest, t.HandleCommissionInvest)
	mux.HandleFunc(taskname.ReferralBonusOPParent, t.HandleBonusOPParent)
	mux.HandleFunc(taskname.ReferralBonusMonthly, t.HandleBonusMonthly)
}

func (s *Task) HandleCommissionInvest(ctx context.Context, t *asynq.Task) error {
	var payload CommissionInvestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("investment_id", payload.InvestmentID),
		zap.String("trace_id", payload.TraceID),
	)
	zapLog.Info("start commission invest task")

	if err := s.service.CommissionInvest(ctx, payload.InvestmentID); err != nil {
		zapLog.Error("commission invest failed", zap.Error(err))
		return err
	}

	zapLog.Info("commission invest processed")
	return nil
}

func (s *Task) HandleBonusOPParent(ctx context.Context, t *asynq.Task) error {
	var payload BonusOPParentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("investment_id", payload.InvestmentID),
		zap.String("trace_id", payload.TraceID),
	)

	if err := s.service.BonusOPParent(ctx, payload.InvestmentID); err != nil {
		zapLog.Error("op bonus failed", zap.Error(err))
		return err
	}

	return nil
}

func (s *Task) HandleBonusMonthly(ctx context.Context, t *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", t.Type()))
	zapLog.Info("start monthly bonus sweep")

	if err := s.service.BonusInvest(ctx); err != nil {
		zapLog.Error("monthly bonus sweep failed", zap.Error(err))
		return err
	}

	zapLog.Info("monthly bonus sweep finished")
	return nil
}
