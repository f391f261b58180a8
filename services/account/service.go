package account

import (
	"context"
	"errors"
	"fmt"

	"coinvest-core/pkg/errutil"
	"coinvest-core/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	account repository.Repository[Account]
	wallet  repository.Repository[Wallet]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		account: repository.ProvideStore[Account](p.DB),
		wallet:  repository.ProvideStore[Wallet](p.DB),
	}
}

type CreateInput struct {
	RefCode        string
	SponsorRefCode string
}

// Create registers an account under its sponsor. SponsorFloor and
// SponsorPath are derived here and never recomputed.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Account, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()

	opts := []zap.Field{
		zap.String("trace_id", traceID),
		zap.String("span_id", spanID),
	}

	acc := &Account{
		ID:          s.node.Generate().String(),
		RefCode:     in.RefCode,
		SponsorPath: "/",
	}

	if in.SponsorRefCode != "" {
		sponsor, err := s.account.FindOne(ctx, &Account{RefCode: in.SponsorRefCode})
		if err != nil {
			zap.L().With(opts...).Error("failed to query sponsor", zap.Error(err))
			return nil, err
		}
		if sponsor == nil {
			return nil, errutil.NotFound("sponsor not found", nil)
		}
		if sponsor.SponsorFloor+1 > MaxSponsorDepth {
			return nil, errutil.UnprocessableEntity("sponsor tree depth exceeded", nil)
		}

		acc.SponsorID = &sponsor.ID
		acc.SponsorFloor = sponsor.SponsorFloor + 1
		acc.SponsorPath = sponsor.SponsorPath + sponsor.ID + "/"
	}

	if err := s.account.Create(ctx, acc); err != nil {
		zap.L().With(opts...).Error("failed to create account", zap.Error(err))
		return nil, err
	}

	return acc, nil
}

func (s *Service) FindByID(ctx context.Context, id string) (*Account, error) {
	acc, err := s.account.FindOne(ctx, &Account{ID: id})
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errutil.NotFound("account not found", nil)
	}
	return acc, nil
}

func (s *Service) FindByRefCode(ctx context.Context, refCode string) (*Account, error) {
	acc, err := s.account.FindOne(ctx, &Account{RefCode: refCode})
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errutil.NotFound("account not found", nil)
	}
	return acc, nil
}

// ResolveByAddress maps an on-chain deposit address to its owning account.
func (s *Service) ResolveByAddress(ctx context.Context, address string) (*Account, error) {
	w, err := s.wallet.FindOne(ctx, &Wallet{Address: address})
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errutil.NotFound("address not registered", nil)
	}

	return s.FindByID(ctx, w.AccountID)
}

func (s *Service) RegisterWallet(ctx context.Context, accountID, currencyCode, address string) (*Wallet, error) {
	if _, err := s.FindByID(ctx, accountID); err != nil {
		return nil, err
	}

	w := &Wallet{
		ID:           s.node.Generate().String(),
		AccountID:    accountID,
		CurrencyCode: currencyCode,
		Address:      address,
	}

	if err := s.wallet.Create(ctx, w); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("address already registered", err)
		}
		return nil, err
	}

	return w, nil
}

// SetActivePackage flips the commission-eligibility flag. Called when a
// stake position opens or the last one closes.
func (s *Service) SetActivePackage(ctx context.Context, accountID string, active bool) error {
	return s.account.Update(ctx, accountID, map[string]any{"active_package": active})
}

// SetLevelCommission records the shallowest level an account has been
// claimed at, which prunes deeper descendant walks.
func (s *Service) SetLevelCommission(ctx context.Context, accountID string, level int) error {
	return s.account.Update(ctx, accountID, map[string]any{"level_commission": level})
}

// Ancestors returns the full ancestor chain ordered nearest first, resolved
// from the materialized path in one query.
func (s *Service) Ancestors(ctx context.Context, accountID string) ([]*Account, error) {
	acc, err := s.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ids := acc.AncestorIDs()
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []*Account
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}

	byID := make(map[string]*Account, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	ordered := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, errutil.Internal(fmt.Sprintf("sponsor path references missing account %s", id), nil)
		}
		ordered = append(ordered, a)
	}

	return ordered, nil
}

// AncestorAtLevel resolves the ancestor at an exact distance. Level 1 is the
// direct sponsor. Returns not-found past the root.
func (s *Service) AncestorAtLevel(ctx context.Context, accountID string, level int) (*Account, error) {
	if level < 1 || level > MaxSponsorDepth {
		return nil, errutil.BadRequest("invalid ancestor level", nil)
	}

	acc, err := s.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ids := acc.AncestorIDs()
	if level > len(ids) {
		return nil, errutil.NotFound("no ancestor at level", nil)
	}

	return s.FindByID(ctx, ids[level-1])
}

// ListActive returns every account currently flagged commission-eligible.
func (s *Service) ListActive(ctx context.Context) ([]*Account, error) {
	var rows []*Account
	if err := s.db.WithContext(ctx).Where("active_package = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DirectDescendants returns the accounts sponsored directly by accountID.
func (s *Service) DirectDescendants(ctx context.Context, accountID string) ([]*Account, error) {
	var rows []*Account
	if err := s.db.WithContext(ctx).Where("sponsor_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountDescendantsAtLevel counts subtree members at an exact depth below
// accountID. A branch stops descending once a node's own level_commission
// equals the target level: that branch is already claimed shallower.
func (s *Service) CountDescendantsAtLevel(ctx context.Context, accountID string, level int) (int64, error) {
	if level < 1 || level > MaxSponsorDepth {
		return 0, errutil.BadRequest("invalid descendant level", nil)
	}

	frontier := []string{accountID}
	for depth := 1; depth <= level; depth++ {
		if len(frontier) == 0 {
			return 0, nil
		}

		var children []*Account
		if err := s.db.WithContext(ctx).Where("sponsor_id IN ?", frontier).Find(&children).Error; err != nil {
			return 0, err
		}

		if depth == level {
			return int64(len(children)), nil
		}

		frontier = frontier[:0]
		for _, c := range children {
			if c.LevelCommission == level {
				continue
			}
			frontier = append(frontier, c.ID)
		}
	}

	return 0, nil
}

// DescendantIDsAtLevel is CountDescendantsAtLevel returning the members.
func (s *Service) DescendantIDsAtLevel(ctx context.Context, accountID string, level int) ([]string, error) {
	if level < 1 || level > MaxSponsorDepth {
		return nil, errutil.BadRequest("invalid descendant level", nil)
	}

	frontier := []string{accountID}
	for depth := 1; depth <= level; depth++ {
		if len(frontier) == 0 {
			return nil, nil
		}

		var children []*Account
		if err := s.db.WithContext(ctx).Where("sponsor_id IN ?", frontier).Find(&children).Error; err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(children))
		if depth == level {
			for _, c := range children {
				ids = append(ids, c.ID)
			}
			return ids, nil
		}

		for _, c := range children {
			if c.LevelCommission == level {
				continue
			}
			ids = append(ids, c.ID)
		}
		frontier = ids
	}

	return nil, nil
}
