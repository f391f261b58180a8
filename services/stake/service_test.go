package stake

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coinvest-core/pkg/errutil"
	"coinvest-core/pkg/outbox"
	"coinvest-core/pkg/taskname"
	"coinvest-core/services/currency"
	"coinvest-core/services/ledger"
	"coinvest-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type currenciesStub struct {
	byCode map[string]*currency.Currency
	byID   map[string]*currency.Currency
}

func (s currenciesStub) FindActiveByCode(ctx context.Context, code string) (*currency.Currency, error) {
	cur, ok := s.byCode[code]
	if !ok {
		return nil, errutil.NotFound("currency not found", nil)
	}
	return cur, nil
}

func (s currenciesStub) FindActiveByID(ctx context.Context, id string) (*currency.Currency, error) {
	cur, ok := s.byID[id]
	if !ok {
		return nil, errutil.NotFound("currency not found", nil)
	}
	return cur, nil
}

type accountsStub struct {
	active map[string]bool
}

func (s *accountsStub) SetActivePackage(ctx context.Context, accountID string, active bool) error {
	s.active[accountID] = active
	return nil
}

type fixture struct {
	svc      *Service
	led      *ledger.Service
	db       *gorm.DB
	accounts *accountsStub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Entry{},
		&Package{},
		&Term{},
		&RewardSchedule{},
		&Position{},
		&outbox.Event{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})

	usdt := &currency.Currency{ID: "cur-usdt", Code: "USDT", ChainID: "chain-1", UsdRate: 1}
	accounts := &accountsStub{active: map[string]bool{}}

	svc := NewService(ServiceParams{
		DB:     db,
		Node:   node,
		Ledger: led,
		Currencies: currenciesStub{
			byCode: map[string]*currency.Currency{"USDT": usdt},
			byID:   map[string]*currency.Currency{"cur-usdt": usdt},
		},
		Accounts: accounts,
		Outbox:   outbox.NewWriter(outbox.WriterParams{Node: node}),
		Cache:    NewAggregateCache(CacheParams{}),
	})

	return &fixture{svc: svc, led: led, db: db, accounts: accounts}
}

func (f *fixture) fund(t *testing.T, customerID string, amount float64) {
	t.Helper()

	_, err := f.led.Create(context.Background(), ledger.CreateInput{
		CustomerID:   customerID,
		Action:       ledger.ActionDeposit,
		OrderRef:     "seed-" + customerID,
		CurrencyCode: "USDT",
		Amount:       amount,
		AmountUsd:    amount,
	})
	require.NoError(t, err)
}

func (f *fixture) seedPackage(t *testing.T, pkg *Package, term *Term) {
	t.Helper()

	require.NoError(t, f.db.Create(pkg).Error)
	require.NoError(t, f.db.Create(term).Error)
}

func defaultPackage() (*Package, *Term) {
	now := time.Now()
	pkg := &Package{
		ID:                "pkg-1",
		Name:              "Starter",
		Type:              PackageFlexible,
		StakeCurrencyCode: "USDT",
		MinStake:          10,
		MaxStake:          1000,
		StartDate:         now.Add(-24 * time.Hour),
		EndDate:           now.Add(24 * time.Hour),
	}
	term := &Term{ID: "term-1", PackageID: pkg.ID, Days: 30}
	return pkg, term
}

func TestStakeOpensPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pkg, term := defaultPackage()
	f.seedPackage(t, pkg, term)
	f.fund(t, "cust-1", 500)

	pos, err := f.svc.Stake(ctx, StakeInput{
		CustomerID: "cust-1",
		PackageID:  pkg.ID,
		TermID:     term.ID,
		Amount:     100,
	})
	require.NoError(t, err)
	require.Equal(t, StatusHolding, pos.Status)
	require.Equal(t, float64(100), pos.AmountStake)
	require.Equal(t, float64(100), pos.AmountUsdStake)
	require.WithinDuration(t, pos.SubscriptionDate.Add(30*24*time.Hour), pos.RedemptionDate, time.Second)

	balance, err := f.led.GetBalance(ctx, "cust-1", "USDT")
	require.NoError(t, err)
	require.Equal(t, float64(400), balance)

	var events []*outbox.Event
	require.NoError(t, f.db.Order("id asc").Find(&events).Error)
	require.Len(t, events, 2)
	require.Equal(t, taskname.ReferralCommissionInvest, events[0].TaskType)
	require.Equal(t, taskname.ReferralBonusOPParent, events[1].TaskType)
	require.Equal(t, outbox.StatusPending, events[0].Status)

	require.True(t, f.accounts.active["cust-1"])
}

func TestStakeRejectsAmountOutsideLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pkg, term := defaultPackage()
	f.seedPackage(t, pkg, term)
	f.fund(t, "cust-1", 5000)

	for _, amount := range []float64{5, 2000} {
		_, err := f.svc.Stake(ctx, StakeInput{
			CustomerID: "cust-1",
			PackageID:  pkg.ID,
			TermID:     term.ID,
			Amount:     amount,
		})
		require.Error(t, err)
		require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))
	}
}

func TestStakeRejectsClosedPackage(t *testing.T) {
	f := newFixture(t)

	pkg, term := defaultPackage()
	pkg.StartDate = time.Now().Add(-48 * time.Hour)
	pkg.EndDate = time.Now().Add(-24 * time.Hour)
	f.seedPackage(t, pkg, term)
	f.fund(t, "cust-1", 500)

	_, err := f.svc.Stake(context.Background(), StakeInput{
		CustomerID: "cust-1",
		PackageID:  pkg.ID,
		TermID:     term.ID,
		Amount:     100,
	})
	require.Error(t, err)
	require.True(t, errutil.IsNotFound(err))
}

func TestStakeRejectsForeignTerm(t *testing.T) {
	f := newFixture(t)

	pkg, term := defaultPackage()
	term.PackageID = "pkg-other"
	f.seedPackage(t, pkg, term)
	f.fund(t, "cust-1", 500)

	_, err := f.svc.Stake(context.Background(), StakeInput{
		CustomerID: "cust-1",
		PackageID:  pkg.ID,
		TermID:     term.ID,
		Amount:     100,
	})
	require.Error(t, err)
	require.True(t, errutil.IsNotFound(err))
}

func TestStakeEnforcesTermCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pkg, term := defaultPackage()
	term.Capacity = 150
	f.seedPackage(t, pkg, term)
	f.fund(t, "cust-1", 500)

	_, err := f.svc.Stake(ctx, StakeInput{
		CustomerID: "cust-1",
		PackageID:  pkg.ID,
		TermID:     term.ID,
		Amount:     100,
	})
	require.NoError(t, err)

	_, err = f.svc.Stake(ctx, StakeInput{
		CustomerID: "cust-1",
		PackageID:  pkg.ID,
		TermID:     term.ID,
		Amount:     100,
	})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))
}

func TestStakeRequiresFunds(t *testing.T) {
	f := newFixture(t)

	pkg, term := defaultPackage()
	f.seedPackage(t, pkg, term)

	_, err := f.svc.Stake(context.Background(), StakeInput{
		CustomerID: "cust-broke",
		PackageID:  pkg.ID,
		TermID:     term.ID,
		Amount:     100,
	})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))

	var count int64
	require.NoError(t, f.db.Model(&Position{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func (f *fixture) seedAccrualPosition(t *testing.T, sinceLast, untilRedemption time.Duration) *Position {
	t.Helper()

	pkg, term := defaultPackage()
	f.seedPackage(t, pkg, term)
	require.NoError(t, f.db.Create(&RewardSchedule{
		ID:               "sched-1",
		PackageID:        pkg.ID,
		TermID:           term.ID,
		CurrencyRewardID: "cur-usdt",
		AprReward:        36.5,
	}).Error)

	last := time.Now().Add(-sinceLast)
	pos := &Position{
		ID:             "pos-1",
		Code:           "STK-TEST-1",
		CustomerID:     "cust-1",
		PackageID:      pkg.ID,
		TermID:         term.ID,
		CurrencyCode:   "USDT",
		AmountStake:    1000,
		AmountUsdStake: 1000,
		LastTimeReward: last,
		RedemptionDate: last.Add(untilRedemption),
		Status:         StatusHolding,
	}
	require.NoError(t, f.db.Create(pos).Error)
	return pos
}

func TestAccrueRewardHourlyRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 240 whole hours at 36.5% APR over 1000 USD pays exactly 10 USDT.
	pos := f.seedAccrualPosition(t, 240*time.Hour+30*time.Minute, 1000*time.Hour)

	credited, err := f.svc.AccrueReward(ctx, pos)
	require.NoError(t, err)
	require.Len(t, credited, 1)
	require.Equal(t, ledger.ActionInterest, credited[0].Action)
	require.InDelta(t, 10.0, credited[0].Amount, 1e-9)

	var stored Position
	require.NoError(t, f.db.First(&stored, "id = ?", pos.ID).Error)
	require.WithinDuration(t, pos.LastTimeReward, stored.LastTimeReward, time.Second)
}

func TestAccrueRewardCappedAtRedemption(t *testing.T) {
	f := newFixture(t)

	pos := f.seedAccrualPosition(t, 240*time.Hour, 100*time.Hour)

	credited, err := f.svc.AccrueReward(context.Background(), pos)
	require.NoError(t, err)
	require.Len(t, credited, 1)

	expected := 1000.0 * (36.5 / (365.0 * 24.0)) * 100.0 / 100.0
	require.InDelta(t, expected, credited[0].Amount, 1e-9)
	require.WithinDuration(t, pos.RedemptionDate, pos.LastTimeReward, time.Second)
}

func TestAccrueRewardWholeHoursOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos := f.seedAccrualPosition(t, 30*time.Minute, 1000*time.Hour)

	credited, err := f.svc.AccrueReward(ctx, pos)
	require.NoError(t, err)
	require.Nil(t, credited)

	var count int64
	require.NoError(t, f.db.Model(&ledger.Entry{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestAccrueRewardSecondCallIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pos := f.seedAccrualPosition(t, 48*time.Hour, 1000*time.Hour)

	credited, err := f.svc.AccrueReward(ctx, pos)
	require.NoError(t, err)
	require.Len(t, credited, 1)

	credited, err = f.svc.AccrueReward(ctx, pos)
	require.NoError(t, err)
	require.Empty(t, credited)

	var count int64
	require.NoError(t, f.db.Model(&ledger.Entry{}).
		Where("action = ?", ledger.ActionInterest).
		Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestClaimRewardLockedPackage(t *testing.T) {
	f := newFixture(t)

	pos := f.seedAccrualPosition(t, 48*time.Hour, 1000*time.Hour)
	require.NoError(t, f.db.Model(&Package{}).
		Where("id = ?", pos.PackageID).
		Update("type", PackageLocked).Error)

	_, err := f.svc.ClaimReward(context.Background(), pos.ID)
	require.Error(t, err)
	require.True(t, errutil.IsNotFound(err))
}

func TestClaimRewardNothingAccrued(t *testing.T) {
	f := newFixture(t)

	pos := f.seedAccrualPosition(t, 30*time.Minute, 1000*time.Hour)

	_, err := f.svc.ClaimReward(context.Background(), pos.ID)
	require.Error(t, err)
	require.True(t, errutil.IsNotFound(err))
}

func TestRedeemReturnsPrincipal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pkg, term := defaultPackage()
	f.seedPackage(t, pkg, term)
	f.fund(t, "cust-1", 500)

	pos, err := f.svc.Stake(ctx, StakeInput{
		CustomerID: "cust-1",
		PackageID:  pkg.ID,
		TermID:     term.ID,
		Amount:     200,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Redeem(ctx, pos.ID))

	balance, err := f.led.GetBalance(ctx, "cust-1", "USDT")
	require.NoError(t, err)
	require.Equal(t, float64(500), balance)

	var stored Position
	require.NoError(t, f.db.First(&stored, "id = ?", pos.ID).Error)
	require.Equal(t, StatusCompleted, stored.Status)

	require.False(t, f.accounts.active["cust-1"])

	err = f.svc.Redeem(ctx, pos.ID)
	require.Error(t, err)
	require.True(t, errutil.IsNotFound(err))
}

func TestGetOrderRedeemWindow(t *testing.T) {
	f := newFixture(t)

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	seed := func(id string, redemption time.Time, status PositionStatus) {
		require.NoError(t, f.db.Create(&Position{
			ID:             id,
			Code:           "STK-" + id,
			CustomerID:     "cust-1",
			PackageID:      "pkg-1",
			TermID:         "term-1",
			CurrencyCode:   "USDT",
			AmountStake:    10,
			AmountUsdStake: 10,
			LastTimeReward: now,
			RedemptionDate: redemption,
			Status:         status,
		}).Error)
	}

	seed("pos-today", startOfDay.Add(time.Minute), StatusHolding)
	seed("pos-yesterday", startOfDay.Add(-time.Hour), StatusHolding)
	seed("pos-tomorrow", startOfDay.Add(25*time.Hour), StatusHolding)
	seed("pos-done", startOfDay.Add(time.Minute), StatusCompleted)

	positions, err := f.svc.GetOrderRedeem(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, "pos-today", positions[0].ID)
}

func TestSweepRedeemsMaturedPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	matured := now.Add(-time.Minute)
	if matured.Before(startOfDay) {
		matured = startOfDay
	}

	require.NoError(t, f.db.Create(&Position{
		ID:             "pos-matured",
		Code:           "STK-matured",
		CustomerID:     "cust-1",
		PackageID:      "pkg-1",
		TermID:         "term-1",
		CurrencyCode:   "USDT",
		AmountStake:    50,
		AmountUsdStake: 50,
		LastTimeReward: now,
		RedemptionDate: matured,
		Status:         StatusHolding,
	}).Error)
	require.NoError(t, f.db.Create(&Position{
		ID:             "pos-later",
		Code:           "STK-later",
		CustomerID:     "cust-1",
		PackageID:      "pkg-1",
		TermID:         "term-1",
		CurrencyCode:   "USDT",
		AmountStake:    50,
		AmountUsdStake: 50,
		LastTimeReward: now,
		RedemptionDate: now.Add(4 * time.Hour),
		Status:         StatusHolding,
	}).Error)

	sched := NewScheduler(SchedulerParams{Service: f.svc})
	sched.Sweep(ctx)

	var stored Position
	require.NoError(t, f.db.First(&stored, "id = ?", "pos-matured").Error)
	require.Equal(t, StatusCompleted, stored.Status)

	stored = Position{}
	require.NoError(t, f.db.First(&stored, "id = ?", "pos-later").Error)
	if stored.RedemptionDate.Before(startOfDay.Add(24 * time.Hour)) {
		require.Equal(t, StatusHolding, stored.Status)
	}
}

func TestSweepSkipsWhenAlreadyRunning(t *testing.T) {
	f := newFixture(t)

	now := time.Now()
	require.NoError(t, f.db.Create(&Position{
		ID:             "pos-matured",
		Code:           "STK-matured",
		CustomerID:     "cust-1",
		PackageID:      "pkg-1",
		TermID:         "term-1",
		CurrencyCode:   "USDT",
		AmountStake:    50,
		AmountUsdStake: 50,
		LastTimeReward: now,
		RedemptionDate: now,
		Status:         StatusHolding,
	}).Error)

	sched := NewScheduler(SchedulerParams{Service: f.svc})
	sched.running.Store(true)
	sched.Sweep(context.Background())

	var stored Position
	require.NoError(t, f.db.First(&stored, "id = ?", "pos-matured").Error)
	require.Equal(t, StatusHolding, stored.Status)
}

func TestTotalStakeAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pkg, term := defaultPackage()
	f.seedPackage(t, pkg, term)
	f.fund(t, "cust-1", 1000)

	_, err := f.svc.Stake(ctx, StakeInput{CustomerID: "cust-1", PackageID: pkg.ID, TermID: term.ID, Amount: 300})
	require.NoError(t, err)
	_, err = f.svc.Stake(ctx, StakeInput{CustomerID: "cust-1", PackageID: pkg.ID, TermID: term.ID, Amount: 200})
	require.NoError(t, err)

	total, err := f.svc.TotalStakeCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Equal(t, float64(500), total)

	system, err := f.svc.TotalStakeSystem(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(500), system)

	byTerm, err := f.svc.TotalStakeTerm(ctx, term.ID)
	require.NoError(t, err)
	require.Equal(t, float64(500), byTerm)
}
