// Package market resolves a single numeric market statistic for a release.
// The stored snapshot is always preferred; external price sources are an
// ordered set of fallback strategies, and a provider failure is treated as
// "unavailable" rather than an error. A nil result means "no market data"
// — an expected outcome callers must handle, not something to retry.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/waxvault/pricing-engine/internal/metrics"
	"github.com/waxvault/pricing-engine/internal/model"
)

// Market statistics.
const (
	StatLow    = "low"
	StatMedian = "median"
	StatHigh   = "high"
)

var (
	ErrUnknownStatistic = errors.New("market: unknown statistic")
	ErrUnknownSource    = errors.New("market: unknown source preference")
)

var two = decimal.NewFromInt(2)

// Stats is the statistic set returned by an external price source. Any
// field may be nil when the source has no sold-listing data for it.
type Stats struct {
	Low    *decimal.Decimal `json:"low"`
	Median *decimal.Decimal `json:"median"`
	High   *decimal.Decimal `json:"high"`
}

// stat picks the named statistic from the set.
func (s Stats) stat(statistic string) *decimal.Decimal {
	switch statistic {
	case StatLow:
		return s.Low
	case StatMedian:
		return s.Median
	case StatHigh:
		return s.High
	}
	return nil
}

// PriceSource is one external market data capability.
type PriceSource interface {
	// Name identifies the source for logging and metrics.
	Name() string

	// Stats fetches the statistic set for a release. An error means the
	// source is unavailable; the resolver never propagates it.
	Stats(ctx context.Context, releaseID string) (Stats, error)
}

// SnapshotReader is the slice of the store the resolver needs.
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, releaseID string) (*model.MarketSnapshot, error)
}

// Resolver resolves market statistics snapshot-first, then from external
// sources according to the caller's source preference.
type Resolver struct {
	snapshots SnapshotReader
	discogs   PriceSource
	ebay      PriceSource
}

// NewResolver creates a resolver. Either source may be nil when not
// configured; an unconfigured source behaves as permanently unavailable.
func NewResolver(snapshots SnapshotReader, discogs, ebay PriceSource) *Resolver {
	return &Resolver{
		snapshots: snapshots,
		discogs:   discogs,
		ebay:      ebay,
	}
}

// ValidStatistic reports whether s names a known market statistic.
func ValidStatistic(s string) bool {
	return s == StatLow || s == StatMedian || s == StatHigh
}

// Resolve returns the requested statistic for a release, or nil when no
// market data is available anywhere. Persistence failures are real errors;
// provider failures are not.
func (r *Resolver) Resolve(ctx context.Context, releaseID, statistic, preference string) (*decimal.Decimal, error) {
	if !ValidStatistic(statistic) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatistic, statistic)
	}

	snap, err := r.snapshots.LatestSnapshot(ctx, releaseID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s for %s: %w", statistic, releaseID, err)
	}
	if snap != nil {
		if v := snapshotStat(snap, statistic); v != nil {
			slog.Debug("market stat resolved from snapshot",
				"release", releaseID, "statistic", statistic, "source", snap.Source)
			metrics.MarketResolutions.WithLabelValues("snapshot", "hit").Inc()
			return v, nil
		}
	}

	switch preference {
	case model.SourceDiscogs:
		return r.fromSource(ctx, r.discogs, releaseID, statistic), nil
	case model.SourceEBay:
		return r.fromSource(ctx, r.ebay, releaseID, statistic), nil
	case model.SourceHybrid:
		return r.hybrid(ctx, releaseID, statistic), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, preference)
}

// snapshotStat selects a statistic from a snapshot with the in-snapshot
// fallback chain: low→median→high, high→median→low, median→low→high.
func snapshotStat(snap *model.MarketSnapshot, statistic string) *decimal.Decimal {
	var chain []*decimal.Decimal
	switch statistic {
	case StatLow:
		chain = []*decimal.Decimal{snap.StatLow, snap.StatMedian, snap.StatHigh}
	case StatHigh:
		chain = []*decimal.Decimal{snap.StatHigh, snap.StatMedian, snap.StatLow}
	case StatMedian:
		chain = []*decimal.Decimal{snap.StatMedian, snap.StatLow, snap.StatHigh}
	}
	for _, v := range chain {
		if v != nil {
			return v
		}
	}
	return nil
}

// fromSource queries one provider. Any provider error is logged and
// treated as "no data" — partial-source resilience is intentional.
func (r *Resolver) fromSource(ctx context.Context, src PriceSource, releaseID, statistic string) *decimal.Decimal {
	if src == nil {
		return nil
	}
	stats, err := src.Stats(ctx, releaseID)
	if err != nil {
		slog.Warn("price source unavailable",
			"source", src.Name(), "release", releaseID, "err", err)
		metrics.MarketResolutions.WithLabelValues(src.Name(), "error").Inc()
		return nil
	}
	v := stats.stat(statistic)
	if v == nil {
		metrics.MarketResolutions.WithLabelValues(src.Name(), "empty").Inc()
		return nil
	}
	slog.Debug("market stat resolved from source",
		"source", src.Name(), "release", releaseID, "statistic", statistic)
	metrics.MarketResolutions.WithLabelValues(src.Name(), "hit").Inc()
	return v
}

// hybrid queries both providers concurrently and averages when both
// answer; a single answer stands alone; two failures yield nil.
func (r *Resolver) hybrid(ctx context.Context, releaseID, statistic string) *decimal.Decimal {
	var wg sync.WaitGroup
	var discogsVal, ebayVal *decimal.Decimal

	wg.Add(2)
	go func() {
		defer wg.Done()
		discogsVal = r.fromSource(ctx, r.discogs, releaseID, statistic)
	}()
	go func() {
		defer wg.Done()
		ebayVal = r.fromSource(ctx, r.ebay, releaseID, statistic)
	}()
	wg.Wait()

	switch {
	case discogsVal != nil && ebayVal != nil:
		mean := discogsVal.Add(*ebayVal).Div(two)
		return &mean
	case discogsVal != nil:
		return discogsVal
	case ebayVal != nil:
		return ebayVal
	}
	return nil
}
