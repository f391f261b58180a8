package chainsync

import (
	"context"
	"encoding/json"

	"coinvest-core/pkg/config"
	"coinvest-core/pkg/task"
	"coinvest-core/pkg/taskname"
	"coinvest-core/services/currency"
	"coinvest-core/services/ledger"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Ledger interface {
	FindByTxHash(ctx context.Context, txHash string) (*ledger.Entry, error)
	UpdateStatus(ctx context.Context, id string, status ledger.Status) error
	Cancel(ctx context.Context, id string) error
	Deposit(ctx context.Context, in ledger.DepositInput) (*ledger.Entry, error)
}

type Chains interface {
	ChainFor(ctx context.Context, currencyCode string) (*currency.Chain, error)
}

type Service struct {
	enqueuer task.Enqueuer
	maxRetry int
}

type ServiceParams struct {
	fx.In
	Enqueuer task.Enqueuer
	Config   *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	maxRetry := 10
	if p.Config != nil && p.Config.Chain.MaxRetry > 0 {
		maxRetry = p.Config.Chain.MaxRetry
	}

	return &Service{
		enqueuer: p.Enqueuer,
		maxRetry: maxRetry,
	}
}

// EnqueueConfirmation schedules confirmation polling for a tx hash. The
// retry budget is bounded; the handler parks the entry permanently once it
// is spent.
func (s *Service) EnqueueConfirmation(ctx context.Context, payload CheckTxHashPayload, opts ...EnqueueOptions) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOpts := []asynq.Option{
		asynq.Queue("critical"),
		asynq.MaxRetry(s.maxRetry),
	}
	taskOpts = append(taskOpts, enqueueOptions(opts)...)

	info, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.ChainConfirm, b), taskOpts...)
	if err != nil {
		return err
	}

	zap.L().Info("enqueued confirmation poll",
		zap.String("task_id", info.ID),
		zap.String("tx_hash", payload.TxHash),
	)
	return nil
}

// EnqueueCreate submits a raw creation payload. Creation is terminal on
// failure, so no retry budget is granted.
func (s *Service) EnqueueCreate(ctx context.Context, payload CreateTransactionPayload, opts ...EnqueueOptions) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOpts := []asynq.Option{
		asynq.Queue("default"),
		asynq.MaxRetry(0),
	}
	taskOpts = append(taskOpts, enqueueOptions(opts)...)

	info, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.ChainCreateEntry, b), taskOpts...)
	if err != nil {
		return err
	}

	zap.L().Info("enqueued entry creation",
		zap.String("task_id", info.ID),
		zap.String("tx_hash", payload.TxHash),
	)
	return nil
}

func enqueueOptions(opts []EnqueueOptions) []asynq.Option {
	var out []asynq.Option
	for _, o := range opts {
		if o.Queue != "" {
			out = append(out, asynq.Queue(o.Queue))
		}
		if o.Delay > 0 {
			out = append(out, asynq.ProcessIn(o.Delay))
		}
	}
	return out
}
