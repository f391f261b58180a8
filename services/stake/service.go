package stake

import (
	"context"
	"fmt"
	"time"

	"coinvest-core/pkg/errutil"
	"coinvest-core/pkg/outbox"
	"coinvest-core/pkg/repository"
	"coinvest-core/pkg/sequence"
	"coinvest-core/pkg/taskname"
	"coinvest-core/services/currency"
	"coinvest-core/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger is the slice of the ledger contract this engine consumes.
type Ledger interface {
	Create(ctx context.Context, in ledger.CreateInput) (*ledger.Entry, error)
	CreateInTx(ctx context.Context, tx *gorm.DB, in ledger.CreateInput) (*ledger.Entry, error)
	GetBalance(ctx context.Context, customerID, currencyCode string) (float64, error)
	SumAmountUsdByCustomer(ctx context.Context, customerIDs []string, action ledger.Action, from, to time.Time) (map[string]float64, error)
}

type Currencies interface {
	FindActiveByCode(ctx context.Context, code string) (*currency.Currency, error)
	FindActiveByID(ctx context.Context, id string) (*currency.Currency, error)
}

// Accounts flips commission eligibility as positions open and close.
type Accounts interface {
	SetActivePackage(ctx context.Context, accountID string, active bool) error
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	ledger     Ledger
	currencies Currencies
	accounts   Accounts
	outbox     *outbox.Writer
	cache      *AggregateCache

	pkg      repository.Repository[Package]
	term     repository.Repository[Term]
	schedule repository.Repository[RewardSchedule]
	position repository.Repository[Position]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator `optional:"true"`

	Ledger     Ledger
	Currencies Currencies
	Accounts   Accounts       `optional:"true"`
	Outbox     *outbox.Writer `optional:"true"`
	Cache      *AggregateCache
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		seq:        p.Seq,
		ledger:     p.Ledger,
		currencies: p.Currencies,
		accounts:   p.Accounts,
		outbox:     p.Outbox,
		cache:      p.Cache,

		pkg:      repository.ProvideStore[Package](p.DB),
		term:     repository.ProvideStore[Term](p.DB),
		schedule: repository.ProvideStore[RewardSchedule](p.DB),
		position: repository.ProvideStore[Position](p.DB),
	}
}

// Stake opens a position: funds lock, the STAKE debit and the commission
// trigger commit atomically. Cached aggregates are invalidated after commit.
func (s *Service) Stake(ctx context.Context, in StakeInput) (*Position, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()
	opts := []zap.Field{zap.String("trace_id", traceID), zap.String("span_id", spanID)}

	now := time.Now()

	pkg, err := s.pkg.FindOne(ctx, &Package{ID: in.PackageID})
	if err != nil {
		return nil, err
	}
	if pkg == nil || now.Before(pkg.StartDate) || now.After(pkg.EndDate) {
		return nil, errutil.NotFound("package not found", nil)
	}

	term, err := s.term.FindOne(ctx, &Term{ID: in.TermID, PackageID: pkg.ID})
	if err != nil {
		return nil, err
	}
	if term == nil {
		return nil, errutil.NotFound("term not found", nil)
	}

	cur, err := s.currencies.FindActiveByCode(ctx, pkg.StakeCurrencyCode)
	if err != nil {
		return nil, err
	}

	if in.Amount < pkg.MinStake || in.Amount > pkg.MaxStake {
		return nil, errutil.UnprocessableEntity(
			fmt.Sprintf("amount must be within [%v, %v]", pkg.MinStake, pkg.MaxStake), nil)
	}

	if term.Capacity > 0 {
		staked, err := s.sumStakeByTerm(ctx, term.ID)
		if err != nil {
			return nil, err
		}
		if staked+in.Amount > term.Capacity {
			return nil, errutil.UnprocessableEntity("term capacity exceeded", nil)
		}
	}

	code, err := s.nextCode(ctx)
	if err != nil {
		return nil, err
	}

	pos := &Position{
		ID:               s.node.Generate().String(),
		Code:             code,
		CustomerID:       in.CustomerID,
		PackageID:        pkg.ID,
		TermID:           term.ID,
		CurrencyCode:     cur.Code,
		AmountStake:      in.Amount,
		AmountUsdStake:   in.Amount * cur.UsdRate,
		SubscriptionDate: now,
		LastTimeReward:   now,
		RedemptionDate:   now.Add(time.Duration(term.Days) * 24 * time.Hour),
		Status:           StatusHolding,
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.position.WithTrx(tx).Create(ctx, pos); err != nil {
			return err
		}

		if _, err := s.ledger.CreateInTx(ctx, tx, ledger.CreateInput{
			CustomerID:   pos.CustomerID,
			Action:       ledger.ActionStake,
			OrderRef:     pos.ID,
			CurrencyCode: pos.CurrencyCode,
			Amount:       pos.AmountStake,
			AmountUsd:    pos.AmountUsdStake,
			Description:  fmt.Sprintf("stake %s", pos.Code),
		}); err != nil {
			return err
		}

		if s.outbox != nil {
			if err := s.outbox.Append(ctx, tx, taskname.ReferralCommissionInvest, "critical", map[string]string{
				"investment_id": pos.ID,
			}); err != nil {
				return err
			}
			if err := s.outbox.Append(ctx, tx, taskname.ReferralBonusOPParent, "default", map[string]string{
				"investment_id": pos.ID,
			}); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		zap.L().With(opts...).Error("failed to open stake position", zap.Error(err))
		return nil, err
	}

	if s.accounts != nil {
		if err := s.accounts.SetActivePackage(ctx, pos.CustomerID, true); err != nil {
			zap.L().With(opts...).Error("failed to flag active package", zap.Error(err))
		}
	}

	s.invalidateAggregates(ctx, pos)

	return pos, nil
}

// AccrueReward credits INTEREST for whole elapsed hours since the last
// accrual, capped at the redemption date, one entry per reward currency.
// The per-window order_ref makes a raced double accrual collapse into the
// idempotency conflict.
func (s *Service) AccrueReward(ctx context.Context, pos *Position) ([]*ledger.Entry, error) {
	now := time.Now()

	elapsed := int64(now.Sub(pos.LastTimeReward).Hours())
	capHours := int64(pos.RedemptionDate.Sub(pos.LastTimeReward).Hours())
	if elapsed > capHours {
		elapsed = capHours
	}
	if elapsed <= 1 {
		return nil, nil
	}

	schedules, err := s.schedule.Find(ctx, &RewardSchedule{PackageID: pos.PackageID, TermID: pos.TermID})
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, nil
	}

	windowRef := fmt.Sprintf("%s:%d", pos.ID, pos.LastTimeReward.Unix())
	newLast := pos.LastTimeReward.Add(time.Duration(elapsed) * time.Hour)
	if newLast.After(pos.RedemptionDate) {
		newLast = pos.RedemptionDate
	}

	var credited []*ledger.Entry
	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, sched := range schedules {
			rewardCur, err := s.currencies.FindActiveByID(ctx, sched.CurrencyRewardID)
			if err != nil {
				return err
			}
			if rewardCur.UsdRate <= 0 {
				return errutil.UnprocessableEntity("reward currency has no usd rate", nil)
			}

			hourlyRatePercent := sched.AprReward / (365.0 * 24.0)
			stakedValue := pos.AmountUsdStake / rewardCur.UsdRate
			reward := stakedValue * hourlyRatePercent * float64(elapsed) / 100

			if reward <= 0 {
				continue
			}

			entry, err := s.ledger.CreateInTx(ctx, tx, ledger.CreateInput{
				CustomerID:   pos.CustomerID,
				Action:       ledger.ActionInterest,
				OrderRef:     windowRef,
				CurrencyCode: rewardCur.Code,
				Amount:       reward,
				AmountUsd:    reward * rewardCur.UsdRate,
				Description:  fmt.Sprintf("reward %s %dh", pos.Code, elapsed),
			})
			if err != nil {
				return err
			}
			credited = append(credited, entry)
		}

		return s.position.WithTrx(tx).Update(ctx, pos.ID, map[string]any{
			"last_time_reward": newLast,
		})
	})
	if err != nil {
		if errutil.IsConflict(err) {
			// Another caller accrued this window first.
			return nil, nil
		}
		return nil, err
	}

	pos.LastTimeReward = newLast

	if len(credited) > 0 {
		s.cache.Invalidate(ctx, harvestKey(pos.CustomerID))
	}

	return credited, nil
}

// ClaimReward accrues on demand. LOCKED packages pay only at redemption and
// are reported as not-found, as is a no-op accrual.
func (s *Service) ClaimReward(ctx context.Context, orderID string) ([]*ledger.Entry, error) {
	pos, err := s.findHolding(ctx, orderID)
	if err != nil {
		return nil, err
	}

	pkg, err := s.pkg.FindOne(ctx, &Package{ID: pos.PackageID})
	if err != nil {
		return nil, err
	}
	if pkg == nil || pkg.Type == PackageLocked {
		return nil, errutil.NotFound("package not found", nil)
	}

	credited, err := s.AccrueReward(ctx, pos)
	if err != nil {
		return nil, err
	}
	if len(credited) == 0 {
		return nil, errutil.NotFound("nothing to claim", nil)
	}

	return credited, nil
}

// Redeem credits the principal back, runs the final accrual and completes
// the position. The UNSTAKE credit's order_ref is the position ID, so a
// double redeem cannot double-credit.
func (s *Service) Redeem(ctx context.Context, orderID string) error {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()
	opts := []zap.Field{zap.String("trace_id", traceID), zap.String("span_id", spanID)}

	pos, err := s.findHolding(ctx, orderID)
	if err != nil {
		return err
	}

	if _, err := s.ledger.Create(ctx, ledger.CreateInput{
		CustomerID:   pos.CustomerID,
		Action:       ledger.ActionUnstake,
		OrderRef:     pos.ID,
		CurrencyCode: pos.CurrencyCode,
		Amount:       pos.AmountStake,
		AmountUsd:    pos.AmountUsdStake,
		Description:  fmt.Sprintf("redeem %s", pos.Code),
	}); err != nil && !errutil.IsConflict(err) {
		zap.L().With(opts...).Error("failed to credit principal back", zap.Error(err))
		return err
	}

	if _, err := s.AccrueReward(ctx, pos); err != nil {
		zap.L().With(opts...).Error("final accrual failed", zap.Error(err))
		return err
	}

	if err := s.position.Update(ctx, pos.ID, map[string]any{"status": StatusCompleted}); err != nil {
		return err
	}

	remaining, err := s.position.Count(ctx, &Position{CustomerID: pos.CustomerID, Status: StatusHolding})
	if err == nil && remaining == 0 && s.accounts != nil {
		if err := s.accounts.SetActivePackage(ctx, pos.CustomerID, false); err != nil {
			zap.L().With(opts...).Error("failed to clear active package", zap.Error(err))
		}
	}

	s.invalidateAggregates(ctx, pos)

	return nil
}

// GetOrderRedeem returns HOLDING positions maturing today.
func (s *Service) GetOrderRedeem(ctx context.Context) ([]*Position, error) {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	var positions []*Position
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusHolding).
		Where("redemption_date >= ? AND redemption_date < ?", startOfDay, endOfDay).
		Find(&positions).Error; err != nil {
		return nil, err
	}

	return positions, nil
}

func (s *Service) FindByID(ctx context.Context, id string) (*Position, error) {
	pos, err := s.position.FindOne(ctx, &Position{ID: id})
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, errutil.NotFound("order not found", nil)
	}
	return pos, nil
}

func (s *Service) findHolding(ctx context.Context, orderID string) (*Position, error) {
	pos, err := s.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if pos.Status != StatusHolding {
		return nil, errutil.NotFound("order not found", nil)
	}
	return pos, nil
}

func (s *Service) nextCode(ctx context.Context) (string, error) {
	if s.seq != nil {
		return s.seq.NextStakeCode(ctx)
	}
	return ledger.GenerateEntryCode()
}
