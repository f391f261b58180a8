package chainsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"coinvest-core/pkg/chain"
	"coinvest-core/pkg/config"
	"coinvest-core/pkg/errutil"
	"coinvest-core/pkg/taskname"
	"coinvest-core/services/ledger"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.chainsync",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)

type Task struct {
	ledger        Ledger
	chains        Chains
	registry      *chain.Registry
	service       *Service
	confirmations uint64
}

type TaskParams struct {
	fx.In
	Ledger   Ledger
	Chains   Chains
	Registry *chain.Registry
	Service  *Service
	Config   *config.Config `optional:"true"`
}

func NewTask(p TaskParams) *Task {
	confirmations := uint64(12)
	if p.Config != nil && p.Config.Chain.Confirmations > 0 {
		confirmations = p.Config.Chain.Confirmations
	}

	return &Task{
		ledger:        p.Ledger,
		chains:        p.Chains,
		registry:      p.Registry,
		service:       p.Service,
		confirmations: confirmations,
	}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.ChainConfirm, t.HandleCheckTxHash)
	mux.HandleFunc(taskname.ChainCreateEntry, t.HandleCreateTransaction)
}

// HandleCheckTxHash polls the chain for one entry's receipt. Unconfirmed
// hashes are retried on the server's backoff schedule until the retry
// budget runs out; then the entry is canceled and an operator alert fires.
func (s *Task) HandleCheckTxHash(ctx context.Context, t *asynq.Task) error {
	var payload CheckTxHashPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("tx_hash", payload.TxHash),
		zap.String("trace_id", payload.TraceID),
	)

	entry, err := s.ledger.FindByTxHash(ctx, payload.TxHash)
	if err != nil {
		if errutil.IsNotFound(err) {
			zapLog.Error("no entry for tx hash, dropping confirmation job")
			return fmt.Errorf("entry not found for %s: %w", payload.TxHash, asynq.SkipRetry)
		}
		return err
	}

	if entry.Status == ledger.StatusCompleted || entry.Status == ledger.StatusCanceled {
		return nil
	}

	ch, err := s.chains.ChainFor(ctx, entry.CurrencyCode)
	if err != nil {
		return err
	}

	client, err := s.registry.Client(ch.RpcURL)
	if err != nil {
		return err
	}

	rcpt, err := client.TransactionReceipt(ctx, entry.TxHash)
	if err != nil && !errors.Is(err, chain.ErrTxNotFound) {
		zapLog.Warn("receipt lookup failed", zap.Error(err))
		return err
	}

	if rcpt != nil && rcpt.Confirmations >= s.confirmations {
		if !rcpt.Success {
			zapLog.Error("transaction reverted on chain, canceling entry",
				zap.String("entry_id", entry.ID),
			)
			if err := s.ledger.Cancel(ctx, entry.ID); err != nil {
				return err
			}
			return nil
		}

		if err := s.ledger.UpdateStatus(ctx, entry.ID, ledger.StatusCompleted); err != nil {
			return err
		}

		zapLog.Info("transaction confirmed", zap.String("entry_id", entry.ID))
		return nil
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried >= maxRetry {
		zapLog.Error("confirmation budget exhausted, canceling entry",
			zap.String("entry_id", entry.ID),
			zap.Int("attempts", retried+1),
		)
		if err := s.ledger.Cancel(ctx, entry.ID); err != nil {
			return err
		}
		return fmt.Errorf("tx %s never confirmed: %w", payload.TxHash, asynq.SkipRetry)
	}

	return fmt.Errorf("tx %s not confirmed yet", payload.TxHash)
}

// HandleCreateTransaction records an observed deposit and schedules its
// confirmation. Failure is terminal; the payload stays replayable by hand.
func (s *Task) HandleCreateTransaction(ctx context.Context, t *asynq.Task) error {
	var payload CreateTransactionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("tx_hash", payload.TxHash),
		zap.String("trace_id", payload.TraceID),
	)
	zapLog.Info("start create transaction task")

	entry, err := s.ledger.Deposit(ctx, ledger.DepositInput{
		TxHash:        payload.TxHash,
		Address:       payload.Address,
		CurrencyCode:  payload.CurrencyCode,
		Amount:        payload.Amount,
		TransactionID: payload.TransactionID,
	})
	if err != nil {
		if errutil.IsConflict(err) {
			zapLog.Info("deposit already recorded")
			return nil
		}
		zapLog.Error("failed to create deposit entry", zap.Error(err))
		return fmt.Errorf("create entry failed: %w", asynq.SkipRetry)
	}

	if err := s.service.EnqueueConfirmation(ctx, CheckTxHashPayload{
		TxHash:        entry.TxHash,
		TransactionID: entry.TransactionID,
		TraceID:       payload.TraceID,
	}); err != nil {
		zapLog.Error("failed to enqueue confirmation", zap.Error(err))
		return err
	}

	zapLog.Info("deposit recorded", zap.String("entry_id", entry.ID))
	return nil
}
