package currency

import (
	"context"

	"coinvest-core/pkg/errutil"
	"coinvest-core/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB

	currency repository.Repository[Currency]
	chain    repository.Repository[Chain]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db: p.DB,

		currency: repository.ProvideStore[Currency](p.DB),
		chain:    repository.ProvideStore[Chain](p.DB),
	}
}

// FindActiveByCode returns the currency or not-found. An inactive currency is
// treated identically to a missing one.
func (s *Service) FindActiveByCode(ctx context.Context, code string) (*Currency, error) {
	cur, err := s.currency.FindOne(ctx, &Currency{Code: code})
	if err != nil {
		return nil, err
	}

	if cur == nil || cur.Status != StatusActive {
		return nil, errutil.NotFound("currency not found", nil)
	}

	return cur, nil
}

func (s *Service) FindActiveByID(ctx context.Context, id string) (*Currency, error) {
	cur, err := s.currency.FindOne(ctx, &Currency{ID: id})
	if err != nil {
		return nil, err
	}

	if cur == nil || cur.Status != StatusActive {
		return nil, errutil.NotFound("currency not found", nil)
	}

	return cur, nil
}

// UsdRate resolves the configured USD rate for a currency code.
func (s *Service) UsdRate(ctx context.Context, code string) (float64, error) {
	cur, err := s.FindActiveByCode(ctx, code)
	if err != nil {
		return 0, err
	}

	if cur.UsdRate <= 0 {
		return 0, errutil.UnprocessableEntity("currency has no usd rate", nil)
	}

	return cur.UsdRate, nil
}

// PairActive reports whether the currency and the chain it settles on are
// both active.
func (s *Service) PairActive(ctx context.Context, currencyCode string) error {
	_, err := s.ChainFor(ctx, currencyCode)
	return err
}

// ChainFor resolves the active chain a currency settles on. The pairing is
// only valid when both sides are active.
func (s *Service) ChainFor(ctx context.Context, currencyCode string) (*Chain, error) {
	cur, err := s.FindActiveByCode(ctx, currencyCode)
	if err != nil {
		return nil, err
	}

	ch, err := s.chain.FindOne(ctx, &Chain{ID: cur.ChainID})
	if err != nil {
		return nil, err
	}

	if ch == nil || ch.Status != StatusActive {
		return nil, errutil.NotFound("chain not found", nil)
	}

	return ch, nil
}
