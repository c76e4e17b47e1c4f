package policy

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpvault/internal/domain"
	"github.com/alanyoungcy/perpvault/internal/fixedpoint"
)

// StaticPricing is an in-memory domain.PricingSource. Unset tranches price at
// one unit of account; an administrator publishes updates via SetPrice.
type StaticPricing struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
}

// NewStaticPricing creates a pricing source where everything defaults to par.
func NewStaticPricing() *StaticPricing {
	return &StaticPricing{prices: make(map[common.Address]*big.Int)}
}

// SetPrice installs a fixed-point price (scale fixedpoint.PriceScale).
func (p *StaticPricing) SetPrice(tranche common.Address, price *big.Int) {
	p.mu.Lock()
	p.prices[tranche] = new(big.Int).Set(price)
	p.mu.Unlock()
}

func (p *StaticPricing) Price(ctx context.Context, tranche common.Address) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.prices[tranche]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int).Set(fixedpoint.PriceOne), nil
}

// CachedPricing layers a domain.PriceCache (Redis) over another source: cache
// hits younger than MaxAge win, misses fall through and backfill the cache.
type CachedPricing struct {
	source domain.PricingSource
	cache  domain.PriceCache
	maxAge time.Duration
	clock  domain.Clock
	logger *slog.Logger
}

// NewCachedPricing wraps source with cache. A nil clock defaults to time.Now.
func NewCachedPricing(source domain.PricingSource, cache domain.PriceCache, maxAge time.Duration, clock domain.Clock, logger *slog.Logger) *CachedPricing {
	if clock == nil {
		clock = time.Now
	}
	return &CachedPricing{
		source: source,
		cache:  cache,
		maxAge: maxAge,
		clock:  clock,
		logger: logger.With(slog.String("component", "cached_pricing")),
	}
}

func (p *CachedPricing) Price(ctx context.Context, tranche common.Address) (*big.Int, error) {
	if price, ts, err := p.cache.GetPrice(ctx, tranche); err == nil {
		if p.clock().Sub(ts) <= p.maxAge {
			return price, nil
		}
	}
	price, err := p.source.Price(ctx, tranche)
	if err != nil {
		return nil, err
	}
	if err := p.cache.SetPrice(ctx, tranche, price, p.clock()); err != nil {
		p.logger.DebugContext(ctx, "price cache backfill failed",
			slog.String("tranche", tranche.Hex()),
			slog.String("error", err.Error()),
		)
	}
	return price, nil
}

var (
	_ domain.PricingSource = (*StaticPricing)(nil)
	_ domain.PricingSource = (*CachedPricing)(nil)
	_ domain.FeePolicy     = (*FlatFees)(nil)
)
