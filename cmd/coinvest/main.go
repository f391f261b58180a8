package main

import (
	"context"
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coinvest-core/pkg/chain"
	"coinvest-core/pkg/config"
	"coinvest-core/pkg/db"
	"coinvest-core/pkg/logger"
	"coinvest-core/pkg/outbox"
	"coinvest-core/pkg/redis"
	"coinvest-core/pkg/sequence"
	"coinvest-core/pkg/task"
	"coinvest-core/services/account"
	"coinvest-core/services/chainsync"
	"coinvest-core/services/currency"
	"coinvest-core/services/ledger"
	"coinvest-core/services/referral"
	"coinvest-core/services/stake"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		chain.Module,
		outbox.Module,
		outbox.RelayModule,
		fx.Provide(
			provideSnowflakeNode,
			provideAddressResolver,
			provideCurrencyResolver,
			provideStakeLedger,
			provideStakeCurrencies,
			provideStakeAccounts,
			provideReferralLedger,
			provideReferralAccounts,
			provideReferralCurrencies,
			provideInvestments,
			provideChainsyncLedger,
			provideChains,
		),
		account.Module,
		currency.Module,
		ledger.Module,
		stake.Module,
		stake.SchedulerModule,
		referral.Module,
		chainsync.Module,
		fx.Invoke(autoMigrate, db.Otel, db.Metric),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

type addressResolver struct {
	accounts *account.Service
}

func (r addressResolver) ResolveAccountID(ctx context.Context, address string) (string, error) {
	acc, err := r.accounts.ResolveByAddress(ctx, address)
	if err != nil {
		return "", err
	}
	return acc.ID, nil
}

func provideAddressResolver(s *account.Service) ledger.AddressResolver {
	return addressResolver{accounts: s}
}

func provideCurrencyResolver(s *currency.Service) ledger.CurrencyResolver {
	return s
}

func provideStakeLedger(s *ledger.Service) stake.Ledger {
	return s
}

func provideStakeCurrencies(s *currency.Service) stake.Currencies {
	return s
}

func provideStakeAccounts(s *account.Service) stake.Accounts {
	return s
}

func provideReferralLedger(s *ledger.Service) referral.Ledger {
	return s
}

func provideReferralAccounts(s *account.Service) referral.Accounts {
	return s
}

func provideReferralCurrencies(s *currency.Service) referral.Currencies {
	return s
}

func provideInvestments(s *stake.Service) referral.Investments {
	return s
}

func provideChainsyncLedger(s *ledger.Service) chainsync.Ledger {
	return s
}

func provideChains(s *currency.Service) chainsync.Chains {
	return s
}

func autoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&account.Account{},
		&account.Wallet{},
		&currency.Chain{},
		&currency.Currency{},
		&ledger.Entry{},
		&stake.Package{},
		&stake.Term{},
		&stake.RewardSchedule{},
		&stake.Position{},
		&referral.CommissionRule{},
		&outbox.Event{},
	)
}
