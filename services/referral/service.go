package referral

import (
	"context"
	"fmt"
	"time"

	"coinvest-core/pkg/db/option"
	"coinvest-core/pkg/errutil"
	"coinvest-core/pkg/repository"
	"coinvest-core/services/account"
	"coinvest-core/services/currency"
	"coinvest-core/services/ledger"
	"coinvest-core/services/stake"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Ledger interface {
	Create(ctx context.Context, in ledger.CreateInput) (*ledger.Entry, error)
	CountTransaction(ctx context.Context, q ledger.Query) (int64, error)
	SumAmountUsdByCustomer(ctx context.Context, customerIDs []string, action ledger.Action, from, to time.Time) (map[string]float64, error)
}

type Accounts interface {
	FindByID(ctx context.Context, id string) (*account.Account, error)
	AncestorAtLevel(ctx context.Context, accountID string, level int) (*account.Account, error)
	DirectDescendants(ctx context.Context, accountID string) ([]*account.Account, error)
	CountDescendantsAtLevel(ctx context.Context, accountID string, level int) (int64, error)
	DescendantIDsAtLevel(ctx context.Context, accountID string, level int) ([]string, error)
	ListActive(ctx context.Context) ([]*account.Account, error)
}

type Currencies interface {
	FindActiveByCode(ctx context.Context, code string) (*currency.Currency, error)
	FindActiveByID(ctx context.Context, id string) (*currency.Currency, error)
}

// Investments resolves the investment facts a commission run needs.
type Investments interface {
	FindByID(ctx context.Context, id string) (*stake.Position, error)
}

type Service struct {
	db *gorm.DB

	ledger      Ledger
	accounts    Accounts
	currencies  Currencies
	investments Investments

	rule repository.Repository[CommissionRule]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB

	Ledger      Ledger
	Accounts    Accounts
	Currencies  Currencies
	Investments Investments
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		ledger:      p.Ledger,
		accounts:    p.Accounts,
		currencies:  p.Currencies,
		investments: p.Investments,

		rule: repository.ProvideStore[CommissionRule](p.DB),
	}
}

// CommissionInvest fans out per-level payouts for one investment. It is
// idempotent at the whole-investment granularity: if the investor's own
// commission entry already exists the run is treated as applied. Each
// individual payout is additionally guarded by the ledger's idempotency
// index, so a partial earlier run tops up only the missing levels.
func (s *Service) CommissionInvest(ctx context.Context, investmentID string) error {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()
	opts := []zap.Field{zap.String("trace_id", traceID), zap.String("span_id", spanID)}

	pos, err := s.investments.FindByID(ctx, investmentID)
	if err != nil {
		return err
	}

	count, err := s.ledger.CountTransaction(ctx, ledger.Query{
		CustomerID: pos.CustomerID,
		Action:     ledger.ActionDirectCommissionInvest,
		OrderRef:   investmentID,
	})
	if err != nil {
		return err
	}
	if count > 0 {
		zap.L().With(opts...).Info("commission already applied", zap.String("investment_id", investmentID))
		return nil
	}

	return s.fanOut(ctx, pos)
}

// Replay re-drives the whole fan-out, skipping the coarse check so missing
// levels of a partial run get paid.
func (s *Service) Replay(ctx context.Context, investmentID string) error {
	pos, err := s.investments.FindByID(ctx, investmentID)
	if err != nil {
		return err
	}

	return s.fanOut(ctx, pos)
}

func (s *Service) fanOut(ctx context.Context, pos *stake.Position) error {
	invCur, err := s.currencies.FindActiveByCode(ctx, pos.CurrencyCode)
	if err != nil {
		return err
	}
	if invCur.UsdRate <= 0 {
		return errutil.UnprocessableEntity("investment currency has no usd rate", nil)
	}

	rules, err := s.rule.Find(ctx, &CommissionRule{PackageID: pos.PackageID, Kind: KindInvest},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "level",
			OrderBy: "asc",
			Allow:   map[string]bool{"level": true},
		}))
	if err != nil {
		return err
	}

	for _, rule := range rules {
		beneficiary := pos.CustomerID

		if rule.Level >= 1 {
			anc, err := s.accounts.AncestorAtLevel(ctx, pos.CustomerID, rule.Level)
			if err != nil {
				if errutil.IsNotFound(err) {
					continue
				}
				return err
			}
			if !anc.ActivePackage {
				continue
			}
			beneficiary = anc.ID
		}

		usd := ruleAmountUsd(rule, pos.AmountUsdStake)
		if usd <= 0 {
			continue
		}

		if _, err := s.ledger.Create(ctx, ledger.CreateInput{
			CustomerID:   beneficiary,
			Action:       ledger.ActionDirectCommissionInvest,
			OrderRef:     pos.ID,
			CurrencyCode: invCur.Code,
			Amount:       usd / invCur.UsdRate,
			AmountUsd:    usd,
			Description:  fmt.Sprintf("commission L%d for %s", rule.Level, pos.Code),
		}); err != nil {
			if errutil.IsConflict(err) {
				continue
			}
			return err
		}
	}

	return nil
}

// BonusOPParent pays the direct sponsor a one-off bonus per investment,
// when a BONUS_OP rule exists for the package and the sponsor is active.
func (s *Service) BonusOPParent(ctx context.Context, investmentID string) error {
	pos, err := s.investments.FindByID(ctx, investmentID)
	if err != nil {
		return err
	}

	rule, err := s.rule.FindOne(ctx, &CommissionRule{PackageID: pos.PackageID, Kind: KindBonusOP})
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}

	parent, err := s.accounts.AncestorAtLevel(ctx, pos.CustomerID, 1)
	if err != nil {
		if errutil.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !parent.ActivePackage {
		return nil
	}

	invCur, err := s.currencies.FindActiveByCode(ctx, pos.CurrencyCode)
	if err != nil {
		return err
	}

	usd := ruleAmountUsd(rule, pos.AmountUsdStake)
	if usd <= 0 {
		return nil
	}

	if _, err := s.ledger.Create(ctx, ledger.CreateInput{
		CustomerID:   parent.ID,
		Action:       ledger.ActionBonusOP,
		OrderRef:     pos.ID,
		CurrencyCode: invCur.Code,
		Amount:       usd / invCur.UsdRate,
		AmountUsd:    usd,
		Description:  fmt.Sprintf("op bonus for %s", pos.Code),
	}); err != nil && !errutil.IsConflict(err) {
		return err
	}

	return nil
}

// BonusInvest is the monthly sweep: each active sponsor earns a bonus on
// the previous calendar month's direct-descendant investment volume. The
// month key in order_ref makes every (sponsor, month) payout happen once.
func (s *Service) BonusInvest(ctx context.Context) error {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()
	opts := []zap.Field{zap.String("trace_id", traceID), zap.String("span_id", spanID)}

	rule, err := s.rule.FindOne(ctx, &CommissionRule{Kind: KindBonusInvest})
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}

	payCur, err := s.currencies.FindActiveByID(ctx, rule.CurrencyID)
	if err != nil {
		return err
	}
	if payCur.UsdRate <= 0 {
		return errutil.UnprocessableEntity("bonus currency has no usd rate", nil)
	}

	now := time.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	prevStart := monthStart.AddDate(0, -1, 0)
	monthKey := fmt.Sprintf("bonus:%s", prevStart.Format("2006-01"))

	sponsors, err := s.accounts.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, sponsor := range sponsors {
		descendants, err := s.accounts.DirectDescendants(ctx, sponsor.ID)
		if err != nil {
			zap.L().With(opts...).Error("failed to list descendants", zap.String("sponsor_id", sponsor.ID), zap.Error(err))
			continue
		}
		if len(descendants) == 0 {
			continue
		}

		ids := make([]string, 0, len(descendants))
		for _, d := range descendants {
			ids = append(ids, d.ID)
		}

		sums, err := s.ledger.SumAmountUsdByCustomer(ctx, ids, ledger.ActionStake, prevStart, monthStart)
		if err != nil {
			zap.L().With(opts...).Error("failed to sum descendant volume", zap.String("sponsor_id", sponsor.ID), zap.Error(err))
			continue
		}

		var volume float64
		for _, v := range sums {
			volume += v
		}
		if volume <= 0 {
			continue
		}

		usd := ruleAmountUsd(rule, volume)
		if usd <= 0 {
			continue
		}

		if _, err := s.ledger.Create(ctx, ledger.CreateInput{
			CustomerID:   sponsor.ID,
			Action:       ledger.ActionBonusInvest,
			OrderRef:     monthKey,
			CurrencyCode: payCur.Code,
			Amount:       usd / payCur.UsdRate,
			AmountUsd:    usd,
			Description:  fmt.Sprintf("invest bonus %s", prevStart.Format("2006-01")),
		}); err != nil {
			if errutil.IsConflict(err) {
				continue
			}
			zap.L().With(opts...).Error("failed to pay invest bonus", zap.String("sponsor_id", sponsor.ID), zap.Error(err))
		}
	}

	return nil
}

// FloorReport aggregates member counts, invested volume and a commission
// preview for floors 1-3 beneath an account, priced from the same persisted
// rules the fan-out uses.
func (s *Service) FloorReport(ctx context.Context, accountID, packageID string) ([]FloorSummary, error) {
	if _, err := s.accounts.FindByID(ctx, accountID); err != nil {
		return nil, err
	}

	summaries := make([]FloorSummary, 0, 3)
	for level := 1; level <= 3; level++ {
		members, err := s.accounts.CountDescendantsAtLevel(ctx, accountID, level)
		if err != nil {
			return nil, err
		}

		ids, err := s.accounts.DescendantIDsAtLevel(ctx, accountID, level)
		if err != nil {
			return nil, err
		}

		var invested float64
		if len(ids) > 0 {
			sums, err := s.ledger.SumAmountUsdByCustomer(ctx, ids, ledger.ActionStake,
				time.Time{}, time.Now().Add(time.Hour))
			if err != nil {
				return nil, err
			}
			for _, v := range sums {
				invested += v
			}
		}

		var preview float64
		rule, err := s.rule.FindOne(ctx, &CommissionRule{PackageID: packageID, Kind: KindInvest, Level: level})
		if err != nil {
			return nil, err
		}
		if rule != nil {
			switch rule.Type {
			case TypeFixed:
				preview = rule.Commission * float64(members)
			default:
				preview = invested * rule.Commission / 100
			}
		}

		summaries = append(summaries, FloorSummary{
			Level:         level,
			Members:       members,
			InvestedUsd:   invested,
			CommissionUsd: preview,
		})
	}

	return summaries, nil
}

func ruleAmountUsd(rule *CommissionRule, baseUsd float64) float64 {
	if rule.Type == TypeFixed {
		return rule.Commission
	}
	return baseUsd * rule.Commission / 100
}
