package ledger

import (
	"context"
	"errors"
	"fmt"

	"coinvest-core/pkg/db/option"
	"coinvest-core/pkg/db/pagination"
	"coinvest-core/pkg/errutil"
	"coinvest-core/pkg/repository"
	"coinvest-core/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AddressResolver maps an on-chain deposit address to the owning account.
type AddressResolver interface {
	ResolveAccountID(ctx context.Context, address string) (string, error)
}

// CurrencyResolver supplies rates and pairing checks from the currency
// reference data.
type CurrencyResolver interface {
	UsdRate(ctx context.Context, code string) (float64, error)
	PairActive(ctx context.Context, code string) error
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	addresses  AddressResolver
	currencies CurrencyResolver

	entry repository.Repository[Entry]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator `optional:"true"`

	Addresses  AddressResolver  `optional:"true"`
	Currencies CurrencyResolver `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		seq:        p.Seq,
		addresses:  p.Addresses,
		currencies: p.Currencies,

		entry: repository.ProvideStore[Entry](p.DB),
	}
}

// Create appends one entry in its own transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Entry, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()
	opts := []zap.Field{zap.String("trace_id", traceID), zap.String("span_id", spanID)}

	var created *Entry
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		entry, err := s.CreateInTx(ctx, tx, in)
		if err != nil {
			return err
		}
		created = entry
		return nil
	}); err != nil {
		if !errutil.IsConflict(err) {
			zap.L().With(opts...).Error("failed to append ledger entry", zap.Error(err))
		}
		return nil, err
	}

	return created, nil
}

// CreateInTx appends one entry on the caller's transaction. The last entry
// for the (customer, currency) pair is locked first so the balance snapshot
// cannot go stale between read and insert.
func (s *Service) CreateInTx(ctx context.Context, tx *gorm.DB, in CreateInput) (*Entry, error) {
	if in.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0", nil)
	}
	if in.CustomerID == "" || in.CurrencyCode == "" || in.OrderRef == "" {
		return nil, errutil.ValidationFailed("customer, currency and order_ref are required", nil)
	}

	direction := in.Direction
	if direction == 0 {
		direction = in.Action.Direction()
	}

	status := in.Status
	if status == "" {
		status = StatusCompleted
	}

	lastEntry, err := s.getLastEntry(tx, ctx, in.CustomerID, in.CurrencyCode)
	if err != nil {
		return nil, err
	}

	var balanceBefore float64
	if lastEntry != nil {
		balanceBefore = lastEntry.Balance
	}

	if direction < 0 && balanceBefore < in.Amount {
		return nil, errutil.UnprocessableEntity("balance not enough", nil)
	}

	code, err := s.nextCode(ctx)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:            s.node.Generate().String(),
		CustomerID:    in.CustomerID,
		Action:        in.Action,
		OrderRef:      in.OrderRef,
		CurrencyCode:  in.CurrencyCode,
		Amount:        in.Amount,
		AmountUsd:     in.AmountUsd,
		BalanceBefore: balanceBefore,
		Balance:       balanceBefore + direction*in.Amount,
		Code:          code,
		TransactionID: in.TransactionID,
		TxHash:        in.TxHash,
		Status:        status,
		Description:   in.Description,
		Metadata:      in.Metadata,
	}

	if err := s.entry.WithTrx(tx).Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("already applied", err)
		}
		return nil, err
	}

	return entry, nil
}

// GetBalance returns the most recent entry's balance, or 0.
func (s *Service) GetBalance(ctx context.Context, customerID, currencyCode string) (float64, error) {
	lastEntry, err := s.entry.FindOne(ctx, &Entry{
		CustomerID:   customerID,
		CurrencyCode: currencyCode,
	}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "id",
		OrderBy: "desc",
		Allow:   map[string]bool{"id": true},
	}))
	if err != nil {
		return 0, err
	}

	if lastEntry == nil {
		return 0, nil
	}

	return lastEntry.Balance, nil
}

// Deposit records incoming on-chain funds. The tx hash must be new, the
// destination address must map to a known account, and the chain/currency
// pairing must be active. The entry starts CREATED and is completed by the
// confirmation worker.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (*Entry, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()
	opts := []zap.Field{zap.String("trace_id", traceID), zap.String("span_id", spanID)}

	if in.TxHash == "" {
		return nil, errutil.ValidationFailed("tx_hash is required", nil)
	}

	if exist, err := s.entry.FindOne(ctx, &Entry{TxHash: in.TxHash}); err != nil {
		return nil, err
	} else if exist != nil {
		zap.L().With(opts...).Warn("tx_hash already recorded", zap.String("tx_hash", in.TxHash))
		return nil, errutil.Conflict("tx_hash already recorded", nil)
	}

	customerID, err := s.addresses.ResolveAccountID(ctx, in.Address)
	if err != nil {
		return nil, err
	}

	if err := s.currencies.PairActive(ctx, in.CurrencyCode); err != nil {
		return nil, err
	}

	rate, err := s.currencies.UsdRate(ctx, in.CurrencyCode)
	if err != nil {
		return nil, err
	}

	return s.Create(ctx, CreateInput{
		CustomerID:    customerID,
		Action:        ActionDeposit,
		OrderRef:      in.TxHash,
		CurrencyCode:  in.CurrencyCode,
		Amount:        in.Amount,
		AmountUsd:     in.Amount * rate,
		TransactionID: in.TransactionID,
		TxHash:        in.TxHash,
		Status:        StatusCreated,
		Description:   "on-chain deposit",
	})
}

// UpdateStatus transitions an entry. COMPLETED and CANCELED are terminal.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) error {
	entry, err := s.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if !validTransition(entry.Status, status) {
		return errutil.UnprocessableEntity(
			fmt.Sprintf("invalid status transition %s -> %s", entry.Status, status), nil)
	}

	return s.entry.Update(ctx, id, map[string]any{"status": status})
}

// Accepted moves a withdrawal-class entry into PROCESSING.
func (s *Service) Accepted(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, StatusProcessing)
}

// Cancel marks the entry CANCELED and appends a REVERSE entry crediting the
// amount back, plus one for any linked FEE entry. The original rows are
// never mutated beyond their status.
func (s *Service) Cancel(ctx context.Context, id string) error {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()
	opts := []zap.Field{zap.String("trace_id", traceID), zap.String("span_id", spanID)}

	return s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		original, err := s.entry.WithTrx(tx).FindOne(ctx, &Entry{ID: id})
		if err != nil {
			zap.L().With(opts...).Error("failed to query entry", zap.Error(err))
			return err
		}
		if original == nil {
			return errutil.NotFound("entry not found", nil)
		}

		if original.Status == StatusCompleted || original.Status == StatusCanceled {
			return errutil.UnprocessableEntity("entry is terminal and cannot be canceled", nil)
		}

		if err := s.entry.WithTrx(tx).Update(ctx, original.ID, map[string]any{"status": StatusCanceled}); err != nil {
			return err
		}

		if err := s.reverse(ctx, tx, original); err != nil {
			return err
		}

		// A withdrawal may carry a linked fee under the same order_ref.
		if original.Action == ActionWithdraw {
			fee, err := s.entry.WithTrx(tx).FindOne(ctx, &Entry{
				CustomerID:   original.CustomerID,
				Action:       ActionFee,
				OrderRef:     original.OrderRef,
				CurrencyCode: original.CurrencyCode,
			})
			if err != nil {
				return err
			}
			if fee != nil && fee.Status != StatusCanceled {
				if err := s.entry.WithTrx(tx).Update(ctx, fee.ID, map[string]any{"status": StatusCanceled}); err != nil {
					return err
				}
				if err := s.reverse(ctx, tx, fee); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

func (s *Service) reverse(ctx context.Context, tx *gorm.DB, original *Entry) error {
	_, err := s.CreateInTx(ctx, tx, CreateInput{
		CustomerID:    original.CustomerID,
		Action:        ActionReverse,
		OrderRef:      original.ID,
		CurrencyCode:  original.CurrencyCode,
		Amount:        original.Amount,
		AmountUsd:     original.AmountUsd,
		TransactionID: original.TransactionID,
		Description:   fmt.Sprintf("reverse of %s", original.ID),
		Direction:     -original.Action.Direction(),
	})
	return err
}

func (s *Service) FindByID(ctx context.Context, id string) (*Entry, error) {
	entry, err := s.entry.FindOne(ctx, &Entry{ID: id})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errutil.NotFound("entry not found", nil)
	}
	return entry, nil
}

func (s *Service) FindByTransactionID(ctx context.Context, transactionID string) (*Entry, error) {
	entry, err := s.entry.FindOne(ctx, &Entry{TransactionID: transactionID})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errutil.NotFound("entry not found", nil)
	}
	return entry, nil
}

func (s *Service) FindByTxHash(ctx context.Context, txHash string) (*Entry, error) {
	entry, err := s.entry.FindOne(ctx, &Entry{TxHash: txHash})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errutil.NotFound("entry not found", nil)
	}
	return entry, nil
}

// FindByQuery lists entries matching the filter, newest first, with cursor
// pagination over the snowflake ID.
func (s *Service) FindByQuery(ctx context.Context, q Query, page pagination.Pagination) ([]*Entry, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	queryOpts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "desc",
			Allow:   map[string]bool{"id": true},
		}),
		option.WithLimit(limit + 1),
	}

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		queryOpts = append(queryOpts, option.ApplyOperator(option.Condition{
			Field:    "id",
			Operator: option.LT,
			Value:    cursor.ID,
		}))
	}

	entries, err := s.entry.Find(ctx, q.filter(), queryOpts...)
	if err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(entries, int32(limit), func(e *Entry) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: e.ID})
		return cursor
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, pageInfo, nil
}

func (s *Service) CountTransaction(ctx context.Context, q Query) (int64, error) {
	return s.entry.Count(ctx, q.filter())
}

func (q Query) filter() *Entry {
	return &Entry{
		CustomerID:   q.CustomerID,
		Action:       q.Action,
		CurrencyCode: q.CurrencyCode,
		Status:       q.Status,
		OrderRef:     q.OrderRef,
		TxHash:       q.TxHash,
	}
}

func (s *Service) getLastEntry(tx *gorm.DB, ctx context.Context, customerID, currencyCode string) (*Entry, error) {
	lastEntry, err := s.entry.WithTrx(tx).FindOne(ctx, &Entry{
		CustomerID:   customerID,
		CurrencyCode: currencyCode,
	}, option.WithSortBy(
		option.QuerySortBy{
			SortBy:  "id",
			OrderBy: "desc",
			Allow: map[string]bool{
				"id": true,
			},
		},
	), option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	return lastEntry, nil
}
