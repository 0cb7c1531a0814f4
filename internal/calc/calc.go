// Package calc implements the deterministic price calculation at the heart
// of the pricing engine: a market statistic is scaled by a direction
// percentage, adjusted by the condition curve with a media/sleeve weight
// split, snapped to a rounding increment, subjected to the sell-side
// margin floor, and clamped to the policy floor and ceiling — in that
// fixed order, so the same inputs always produce the same breakdown.
//
// All monetary values use shopspring/decimal — never float64 for money.
package calc

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/waxvault/pricing-engine/internal/condition"
)

// Price directions.
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

var (
	// ErrInvalidMarketStat is returned when the market statistic is
	// missing or non-positive. The calculator never substitutes zero.
	ErrInvalidMarketStat = errors.New("calc: market statistic must be positive")

	// ErrNegativeCostBasis is returned for sell pricing with a negative
	// cost basis.
	ErrNegativeCostBasis = errors.New("calc: cost basis must be non-negative")
)

var (
	oneHundred = decimal.NewFromInt(100)
	one        = decimal.NewFromInt(1)
)

// Formula is a fully-resolved formula configuration. The policy cache
// produces these from stored policies after normalizing legacy field
// names; overrides from the API are resolved the same way.
type Formula struct {
	Percentage      decimal.Decimal
	Curve           condition.Curve
	Weights         condition.Weights
	RoundIncrement  decimal.Decimal
	Floor           decimal.Decimal
	Ceiling         decimal.Decimal
	MinProfitMargin decimal.Decimal
}

// Breakdown records every intermediate value of a calculation so callers
// can show exactly how a price was produced.
type Breakdown struct {
	Base             decimal.Decimal `json:"base"`
	Adjusted         decimal.Decimal `json:"adjusted"`
	Rounded          decimal.Decimal `json:"rounded"`
	Final            decimal.Decimal `json:"final"`
	FloorApplied     bool            `json:"floor_applied"`
	CeilingApplied   bool            `json:"ceiling_applied"`
	MinMarginApplied bool            `json:"min_margin_applied,omitempty"`
}

// Result is the output of a buy or sell calculation.
type Result struct {
	Price         decimal.Decimal `json:"price"`
	MarginPercent decimal.Decimal `json:"margin_percent,omitempty"`
	Breakdown     Breakdown       `json:"breakdown"`
}

// ApplyConditionCurve adjusts a base price for media and sleeve condition.
// Each side contributes an independently-scaled fraction of base:
//
//	adjusted = base*curve[media]*w.media + base*curve[sleeve]*w.sleeve
//
// A grade absent from the curve multiplies by 1.
func ApplyConditionCurve(base decimal.Decimal, media, sleeve condition.Grade, curve condition.Curve, w condition.Weights) decimal.Decimal {
	mediaPart := base.Mul(curve.Multiplier(media)).Mul(w.Media)
	sleevePart := base.Mul(curve.Multiplier(sleeve)).Mul(w.Sleeve)
	return mediaPart.Add(sleevePart)
}

// RoundToIncrement snaps x to the nearest multiple of incr, rounding
// half up. A non-positive increment leaves x unchanged.
func RoundToIncrement(x, incr decimal.Decimal) decimal.Decimal {
	if incr.LessThanOrEqual(decimal.Zero) {
		return x
	}
	return x.Div(incr).Round(0).Mul(incr)
}

// Clamp bounds x to [floor, ceiling]. A non-positive ceiling means no
// ceiling is configured.
func Clamp(x, floor, ceiling decimal.Decimal) decimal.Decimal {
	if x.LessThan(floor) {
		return floor
	}
	if ceiling.IsPositive() && x.GreaterThan(ceiling) {
		return ceiling
	}
	return x
}

// Buy computes an acquisition offer price.
func Buy(marketStat decimal.Decimal, media, sleeve condition.Grade, f Formula) (Result, error) {
	return compute(marketStat, media, sleeve, f, decimal.Zero, false)
}

// Sell computes a listing price. The sell-side margin floor raises the
// rounded price to costBasis*(1+minProfitMargin) before the global
// floor/ceiling clamp, so a policy ceiling can still cap it.
func Sell(marketStat decimal.Decimal, media, sleeve condition.Grade, costBasis decimal.Decimal, f Formula) (Result, error) {
	if costBasis.IsNegative() {
		return Result{}, ErrNegativeCostBasis
	}
	return compute(marketStat, media, sleeve, f, costBasis, true)
}

func compute(marketStat decimal.Decimal, media, sleeve condition.Grade, f Formula, costBasis decimal.Decimal, sell bool) (Result, error) {
	if marketStat.LessThanOrEqual(decimal.Zero) {
		return Result{}, ErrInvalidMarketStat
	}

	base := marketStat.Mul(f.Percentage)
	adjusted := ApplyConditionCurve(base, media, sleeve, f.Curve, f.Weights)
	rounded := RoundToIncrement(adjusted, f.RoundIncrement)

	var minAcceptable decimal.Decimal
	if sell {
		minAcceptable = costBasis.Mul(one.Add(f.MinProfitMargin))
		if rounded.LessThan(minAcceptable) {
			rounded = minAcceptable
		}
	}

	final := Clamp(rounded, f.Floor, f.Ceiling)

	b := Breakdown{
		Base:           base,
		Adjusted:       adjusted,
		Rounded:        rounded,
		Final:          final,
		FloorApplied:   final.Equal(f.Floor),
		CeilingApplied: f.Ceiling.IsPositive() && final.Equal(f.Ceiling),
	}

	res := Result{Price: final, Breakdown: b}
	if sell {
		b.MinMarginApplied = final.Equal(minAcceptable)
		res.Breakdown = b
		if costBasis.IsPositive() {
			res.MarginPercent = final.Sub(costBasis).Div(costBasis).Mul(oneHundred)
		}
	}
	return res, nil
}
