package stake

import (
	"context"
	"strconv"
	"time"

	"coinvest-core/pkg/config"
	"coinvest-core/pkg/rediskey"
	"coinvest-core/services/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "stake_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "stake_cache_miss_total"})
)

// AggregateCache fronts the staking SUM queries with redis. Lookups for the
// same key are collapsed through singleflight so a cold key triggers one
// query, not a stampede.
type AggregateCache struct {
	rdb   *redis.Client
	ttl   time.Duration
	group singleflight.Group
}

type CacheParams struct {
	fx.In
	Redis  *redis.Client  `optional:"true"`
	Config *config.Config `optional:"true"`
}

func NewAggregateCache(p CacheParams) *AggregateCache {
	ttl := 5 * time.Minute
	if p.Config != nil && p.Config.Cache.TTL > 0 {
		ttl = p.Config.Cache.TTL
	}

	return &AggregateCache{
		rdb: p.Redis,
		ttl: ttl,
	}
}

func (c *AggregateCache) Get(ctx context.Context, key string, load func(ctx context.Context) (float64, error)) (float64, error) {
	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
			if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
				cacheHits.Inc()
				return v, nil
			}
		}
	}

	cacheMiss.Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		val, err := load(ctx)
		if err != nil {
			return 0.0, err
		}

		if c.rdb != nil {
			if err := c.rdb.Set(ctx, key, strconv.FormatFloat(val, 'f', -1, 64), c.ttl).Err(); err != nil {
				zap.L().Warn("failed to cache stake aggregate", zap.String("key", key), zap.Error(err))
			}
		}

		return val, nil
	})
	if err != nil {
		return 0, err
	}

	return v.(float64), nil
}

// Invalidate drops keys at the same commit boundary as the write they
// follow, never by pattern broadcast.
func (c *AggregateCache) Invalidate(ctx context.Context, keys ...string) {
	if c.rdb == nil || len(keys) == 0 {
		return
	}

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		zap.L().Warn("failed to invalidate stake aggregate", zap.Strings("keys", keys), zap.Error(err))
	}
}

func customerKey(customerID string) string {
	return rediskey.BuildStakeCustomerKey(customerID)
}

func termKey(termID string) string {
	return rediskey.BuildStakeTermKey(termID)
}

func harvestKey(customerID string) string {
	return rediskey.BuildStakeHarvestKey(customerID)
}

// TotalStakeCustomer is the customer's summed HOLDING stake in USD.
func (s *Service) TotalStakeCustomer(ctx context.Context, customerID string) (float64, error) {
	return s.cache.Get(ctx, customerKey(customerID), func(ctx context.Context) (float64, error) {
		return s.sumStakeUsd(ctx, "customer_id = ?", customerID)
	})
}

// TotalStakeTerm is the summed stake on a term in the stake currency, the
// figure capacity checks compare against.
func (s *Service) TotalStakeTerm(ctx context.Context, termID string) (float64, error) {
	return s.cache.Get(ctx, termKey(termID), func(ctx context.Context) (float64, error) {
		return s.sumStakeByTerm(ctx, termID)
	})
}

// TotalStakeSystem is the platform-wide HOLDING stake in USD.
func (s *Service) TotalStakeSystem(ctx context.Context) (float64, error) {
	return s.cache.Get(ctx, rediskey.StakeSystemKey, func(ctx context.Context) (float64, error) {
		return s.sumStakeUsd(ctx, "")
	})
}

// TotalHarvestCustomer is the customer's lifetime INTEREST volume in USD.
func (s *Service) TotalHarvestCustomer(ctx context.Context, customerID string) (float64, error) {
	return s.cache.Get(ctx, harvestKey(customerID), func(ctx context.Context) (float64, error) {
		sums, err := s.ledger.SumAmountUsdByCustomer(ctx,
			[]string{customerID}, ledger.ActionInterest,
			time.Time{}, time.Now().Add(time.Hour))
		if err != nil {
			return 0, err
		}
		return sums[customerID], nil
	})
}

func (s *Service) sumStakeUsd(ctx context.Context, cond string, args ...any) (float64, error) {
	q := s.db.WithContext(ctx).
		Model(&Position{}).
		Where("status = ?", StatusHolding)
	if cond != "" {
		q = q.Where(cond, args...)
	}

	var total float64
	if err := q.Select("COALESCE(SUM(amount_usd_stake), 0)").Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) sumStakeByTerm(ctx context.Context, termID string) (float64, error) {
	var total float64
	if err := s.db.WithContext(ctx).
		Model(&Position{}).
		Where("term_id = ?", termID).
		Select("COALESCE(SUM(amount_stake), 0)").
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Service) invalidateAggregates(ctx context.Context, pos *Position) {
	s.cache.Invalidate(ctx,
		customerKey(pos.CustomerID),
		termKey(pos.TermID),
		rediskey.StakeSystemKey,
		harvestKey(pos.CustomerID),
	)
}
