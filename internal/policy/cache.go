// Package policy provides the read cache in front of the policy store and
// the normalization of stored formula blobs into resolved calculation
// formulas. Legacy field-name precedence is applied once here, at load
// time, so the calculator never sees the dual naming.
package policy

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/waxvault/pricing-engine/internal/calc"
	"github.com/waxvault/pricing-engine/internal/condition"
	"github.com/waxvault/pricing-engine/internal/metrics"
	"github.com/waxvault/pricing-engine/internal/model"
	"github.com/waxvault/pricing-engine/internal/store"
)

// DefaultTTL is the cache entry lifetime. A stale read during the TTL
// window after a policy change is acceptable; correctness comes from the
// explicit Clear after every save/rollback.
const DefaultTTL = 5 * time.Minute

// Engine default percentages, used when a formula carries neither the new
// nor the legacy percentage field, and when a scope has no policy at all.
var (
	DefaultBuyPercentage  = decimal.NewFromFloat(0.55)
	DefaultSellPercentage = decimal.NewFromFloat(1.25)
)

// Resolved is the normalized pricing configuration for a scope. Policy is
// nil when the scope has no active policy and the engine defaults apply —
// policy absence is not a failure mode for price calculation.
type Resolved struct {
	Policy *model.PricingPolicy
	Buy    calc.Formula
	Sell   calc.Formula
}

// resolvePercentage applies the field precedence: explicit new-style name,
// then legacy name, then the engine default.
func resolvePercentage(explicit, legacy *decimal.Decimal, def decimal.Decimal) decimal.Decimal {
	if explicit != nil {
		return *explicit
	}
	if legacy != nil {
		return *legacy
	}
	return def
}

// resolveWeights applies the precedence: weights object, then the split
// legacy fields, then the engine default.
func resolveWeights(f model.FormulaConfig) condition.Weights {
	if f.Weights != nil {
		return *f.Weights
	}
	if f.MediaWeight != nil && f.SleeveWeight != nil {
		return condition.Weights{Media: *f.MediaWeight, Sleeve: *f.SleeveWeight}
	}
	return condition.DefaultWeights()
}

// resolveCurve applies the precedence: formula-scoped curve, then the
// policy-level curve, then the engine default.
func resolveCurve(f model.FormulaConfig, policyCurve condition.Curve) condition.Curve {
	if len(f.ConditionCurve) > 0 {
		return f.ConditionCurve
	}
	if len(policyCurve) > 0 {
		return policyCurve
	}
	return condition.DefaultCurve()
}

// ResolveBuy normalizes a buy formula config against a policy-level curve.
func ResolveBuy(f model.FormulaConfig, policyCurve condition.Curve) calc.Formula {
	return calc.Formula{
		Percentage:      resolvePercentage(f.BuyPercentage, f.Percentage, DefaultBuyPercentage),
		Curve:           resolveCurve(f, policyCurve),
		Weights:         resolveWeights(f),
		RoundIncrement:  f.RoundIncrement,
		Floor:           f.Floor,
		Ceiling:         f.Ceiling,
		MinProfitMargin: f.MinProfitMargin,
	}
}

// ResolveSell normalizes a sell formula config against a policy-level curve.
func ResolveSell(f model.FormulaConfig, policyCurve condition.Curve) calc.Formula {
	return calc.Formula{
		Percentage:      resolvePercentage(f.SellPercentage, f.Percentage, DefaultSellPercentage),
		Curve:           resolveCurve(f, policyCurve),
		Weights:         resolveWeights(f),
		RoundIncrement:  f.RoundIncrement,
		Floor:           f.Floor,
		Ceiling:         f.Ceiling,
		MinProfitMargin: f.MinProfitMargin,
	}
}

// Normalize resolves a stored policy (or nil) into calculation formulas.
func Normalize(p *model.PricingPolicy) Resolved {
	if p == nil {
		return Resolved{
			Buy:  ResolveBuy(model.FormulaConfig{}, nil),
			Sell: ResolveSell(model.FormulaConfig{}, nil),
		}
	}
	return Resolved{
		Policy: p,
		Buy:    ResolveBuy(p.BuyFormula, p.ConditionCurve),
		Sell:   ResolveSell(p.SellFormula, p.ConditionCurve),
	}
}

// Cache is a lazily-populated read cache keyed by (scope, context). The
// context segment is reserved for future segmentation (genre, label,
// channel); it participates in the key but is not used for filtering.
// Entries — including "no policy" results — live for one TTL.
type Cache struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	scope   string
	context string
}

type cacheEntry struct {
	resolved  Resolved
	fetchedAt time.Time
}

// NewCache creates a policy cache over the given store. A non-positive
// ttl falls back to DefaultTTL.
func NewCache(st store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   st,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Get returns the resolved policy for (scope, cacheContext), reading
// through to the store when the cached entry is absent or older than TTL.
func (c *Cache) Get(ctx context.Context, scope, cacheContext string) (Resolved, error) {
	key := cacheKey{scope: scope, context: cacheContext}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		metrics.PolicyCacheHits.WithLabelValues("hit").Inc()
		return entry.resolved, nil
	}
	metrics.PolicyCacheHits.WithLabelValues("miss").Inc()

	p, err := c.store.GetActivePolicy(ctx, scope)
	if err != nil {
		return Resolved{}, err
	}
	resolved := Normalize(p)

	c.mu.Lock()
	c.entries[key] = cacheEntry{resolved: resolved, fetchedAt: c.now()}
	c.mu.Unlock()

	return resolved, nil
}

// Clear drops every entry across all scopes and contexts. Called after
// every policy save or rollback.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of cached entries. Test helper.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
