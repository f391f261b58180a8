package chainsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coinvest-core/pkg/chain"
	"coinvest-core/pkg/errutil"
	"coinvest-core/services/currency"
	"coinvest-core/services/ledger"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type ledgerMock struct {
	findByTxHashFn func(ctx context.Context, txHash string) (*ledger.Entry, error)
	updateStatusFn func(ctx context.Context, id string, status ledger.Status) error
	cancelFn       func(ctx context.Context, id string) error
	depositFn      func(ctx context.Context, in ledger.DepositInput) (*ledger.Entry, error)
}

func (m *ledgerMock) FindByTxHash(ctx context.Context, txHash string) (*ledger.Entry, error) {
	return m.findByTxHashFn(ctx, txHash)
}

func (m *ledgerMock) UpdateStatus(ctx context.Context, id string, status ledger.Status) error {
	return m.updateStatusFn(ctx, id, status)
}

func (m *ledgerMock) Cancel(ctx context.Context, id string) error {
	return m.cancelFn(ctx, id)
}

func (m *ledgerMock) Deposit(ctx context.Context, in ledger.DepositInput) (*ledger.Entry, error) {
	return m.depositFn(ctx, in)
}

type chainsMock struct{}

func (chainsMock) ChainFor(ctx context.Context, currencyCode string) (*currency.Chain, error) {
	return &currency.Chain{ID: "chain-1", Code: "ETH", RpcURL: "http://node"}, nil
}

type clientMock struct {
	rcpt *chain.Receipt
	err  error
}

func (m clientMock) TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return m.rcpt, m.err
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

func newTask(led *ledgerMock, client chain.Client, enq *enqueuerMock) *Task {
	registry := chain.NewRegistryWithDialer(func(rpcURL string) (chain.Client, error) {
		return client, nil
	})

	return NewTask(TaskParams{
		Ledger:   led,
		Chains:   chainsMock{},
		Registry: registry,
		Service:  NewService(ServiceParams{Enqueuer: enq}),
	})
}

func checkTask(t *testing.T, txHash string) *asynq.Task {
	t.Helper()

	b, err := json.Marshal(CheckTxHashPayload{TxHash: txHash})
	require.NoError(t, err)
	return asynq.NewTask("chain:confirm", b)
}

func TestHandleCheckTxHashConfirmed(t *testing.T) {
	var completed []string
	led := &ledgerMock{
		findByTxHashFn: func(ctx context.Context, txHash string) (*ledger.Entry, error) {
			return &ledger.Entry{ID: "entry-1", TxHash: txHash, CurrencyCode: "USDT", Status: ledger.StatusCreated}, nil
		},
		updateStatusFn: func(ctx context.Context, id string, status ledger.Status) error {
			require.Equal(t, ledger.StatusCompleted, status)
			completed = append(completed, id)
			return nil
		},
	}
	client := clientMock{rcpt: &chain.Receipt{TxHash: "0x1", Success: true, Confirmations: 20}}

	task := newTask(led, client, &enqueuerMock{})
	require.NoError(t, task.HandleCheckTxHash(context.Background(), checkTask(t, "0x1")))
	require.Equal(t, []string{"entry-1"}, completed)
}

func TestHandleCheckTxHashReverted(t *testing.T) {
	var canceled []string
	led := &ledgerMock{
		findByTxHashFn: func(ctx context.Context, txHash string) (*ledger.Entry, error) {
			return &ledger.Entry{ID: "entry-1", TxHash: txHash, CurrencyCode: "USDT", Status: ledger.StatusCreated}, nil
		},
		cancelFn: func(ctx context.Context, id string) error {
			canceled = append(canceled, id)
			return nil
		},
	}
	client := clientMock{rcpt: &chain.Receipt{TxHash: "0x1", Success: false, Confirmations: 20}}

	task := newTask(led, client, &enqueuerMock{})
	require.NoError(t, task.HandleCheckTxHash(context.Background(), checkTask(t, "0x1")))
	require.Equal(t, []string{"entry-1"}, canceled)
}

func TestHandleCheckTxHashBudgetExhausted(t *testing.T) {
	var canceled []string
	led := &ledgerMock{
		findByTxHashFn: func(ctx context.Context, txHash string) (*ledger.Entry, error) {
			return &ledger.Entry{ID: "entry-1", TxHash: txHash, CurrencyCode: "USDT", Status: ledger.StatusCreated}, nil
		},
		cancelFn: func(ctx context.Context, id string) error {
			canceled = append(canceled, id)
			return nil
		},
	}
	client := clientMock{err: chain.ErrTxNotFound}

	// A bare context carries no retry budget, so the handler treats the
	// attempt as the last one.
	task := newTask(led, client, &enqueuerMock{})
	err := task.HandleCheckTxHash(context.Background(), checkTask(t, "0x1"))
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, []string{"entry-1"}, canceled)
}

func TestHandleCheckTxHashTerminalEntry(t *testing.T) {
	led := &ledgerMock{
		findByTxHashFn: func(ctx context.Context, txHash string) (*ledger.Entry, error) {
			return &ledger.Entry{ID: "entry-1", TxHash: txHash, Status: ledger.StatusCompleted}, nil
		},
	}

	task := newTask(led, clientMock{}, &enqueuerMock{})
	require.NoError(t, task.HandleCheckTxHash(context.Background(), checkTask(t, "0x1")))
}

func TestHandleCheckTxHashUnknownHash(t *testing.T) {
	led := &ledgerMock{
		findByTxHashFn: func(ctx context.Context, txHash string) (*ledger.Entry, error) {
			return nil, errutil.NotFound("entry not found", nil)
		},
	}

	task := newTask(led, clientMock{}, &enqueuerMock{})
	err := task.HandleCheckTxHash(context.Background(), checkTask(t, "0xmissing"))
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func createTask(t *testing.T, payload CreateTransactionPayload) *asynq.Task {
	t.Helper()

	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask("chain:create_entry", b)
}

func TestHandleCreateTransaction(t *testing.T) {
	led := &ledgerMock{
		depositFn: func(ctx context.Context, in ledger.DepositInput) (*ledger.Entry, error) {
			return &ledger.Entry{ID: "entry-1", TxHash: in.TxHash, TransactionID: in.TransactionID}, nil
		},
	}
	enq := &enqueuerMock{}

	task := newTask(led, clientMock{}, enq)
	err := task.HandleCreateTransaction(context.Background(), createTask(t, CreateTransactionPayload{
		TxHash:       "0x1",
		Address:      "0xabc",
		CurrencyCode: "USDT",
		Amount:       50,
	}))
	require.NoError(t, err)

	require.Len(t, enq.tasks, 1)
	require.Equal(t, "chain:confirm", enq.tasks[0].Type())
}

func TestHandleCreateTransactionDuplicate(t *testing.T) {
	led := &ledgerMock{
		depositFn: func(ctx context.Context, in ledger.DepositInput) (*ledger.Entry, error) {
			return nil, errutil.Conflict("already applied", nil)
		},
	}
	enq := &enqueuerMock{}

	task := newTask(led, clientMock{}, enq)
	err := task.HandleCreateTransaction(context.Background(), createTask(t, CreateTransactionPayload{TxHash: "0x1"}))
	require.NoError(t, err)
	require.Empty(t, enq.tasks)
}

func TestHandleCreateTransactionTerminalFailure(t *testing.T) {
	led := &ledgerMock{
		depositFn: func(ctx context.Context, in ledger.DepositInput) (*ledger.Entry, error) {
			return nil, errutil.NotFound("address not registered", nil)
		},
	}

	task := newTask(led, clientMock{}, &enqueuerMock{})
	err := task.HandleCreateTransaction(context.Background(), createTask(t, CreateTransactionPayload{TxHash: "0x1"}))
	require.Error(t, err)
	require.ErrorIs(t, err, asynq.SkipRetry)
}
