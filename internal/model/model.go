// Package model defines the core domain types shared across the pricing
// engine. All monetary values use shopspring/decimal — never float64 for
// money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/waxvault/pricing-engine/internal/condition"
)

// Policy scopes. A BUYER policy governs acquisition offers; a SELLER
// policy governs listing prices.
const (
	ScopeBuyer  = "BUYER"
	ScopeSeller = "SELLER"
)

// ValidScope reports whether s is a known policy scope.
func ValidScope(s string) bool {
	return s == ScopeBuyer || s == ScopeSeller
}

// Audit change types.
const (
	ChangeUpdate   = "UPDATE"
	ChangeRollback = "ROLLBACK"
)

// Market statistic sources.
const (
	SourceDiscogs = "DISCOGS"
	SourceEBay    = "EBAY"
	SourceHybrid  = "HYBRID"
)

// FormulaConfig is the stored formula blob on a policy. Older policies use
// the legacy field names (percentage, mediaWeight/sleeveWeight); newer ones
// use buyPercentage/sellPercentage and a weights object. The policy cache
// normalizes the precedence once at load time.
type FormulaConfig struct {
	Percentage      *decimal.Decimal   `json:"percentage,omitempty"`
	BuyPercentage   *decimal.Decimal   `json:"buyPercentage,omitempty"`
	SellPercentage  *decimal.Decimal   `json:"sellPercentage,omitempty"`
	Weights         *condition.Weights `json:"weights,omitempty"`
	MediaWeight     *decimal.Decimal   `json:"mediaWeight,omitempty"`
	SleeveWeight    *decimal.Decimal   `json:"sleeveWeight,omitempty"`
	ConditionCurve  condition.Curve    `json:"conditionCurve,omitempty"`
	RoundIncrement  decimal.Decimal    `json:"roundIncrement"`
	Floor           decimal.Decimal    `json:"floor"`
	Ceiling         decimal.Decimal    `json:"ceiling"`
	MinProfitMargin decimal.Decimal    `json:"minProfitMargin"`
}

// PolicyDefinition is the admin-submitted content of a policy version.
type PolicyDefinition struct {
	Name            string          `json:"name"`
	BuyFormula      FormulaConfig   `json:"buy_formula"`
	SellFormula     FormulaConfig   `json:"sell_formula"`
	ConditionCurve  condition.Curve `json:"condition_curve,omitempty"`
	MinOffer        decimal.Decimal `json:"min_offer"`
	MaxOffer        decimal.Decimal `json:"max_offer"`
	OfferExpiryDays int             `json:"offer_expiry_days"`
}

// PricingPolicy is one immutable version of a scope's pricing rules.
// Versions for a scope form a gapless ascending sequence starting at 1;
// at most one version per scope is active at any instant. Rows are never
// deleted — superseded versions stay as permanent history.
type PricingPolicy struct {
	ID              string          `json:"id" db:"id"`
	Scope           string          `json:"scope" db:"scope"`
	Version         int             `json:"version" db:"version"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	Name            string          `json:"name" db:"name"`
	BuyFormula      FormulaConfig   `json:"buy_formula" db:"buy_formula"`
	SellFormula     FormulaConfig   `json:"sell_formula" db:"sell_formula"`
	ConditionCurve  condition.Curve `json:"condition_curve,omitempty" db:"condition_curve"`
	MinOffer        decimal.Decimal `json:"min_offer" db:"min_offer"`
	MaxOffer        decimal.Decimal `json:"max_offer" db:"max_offer"`
	OfferExpiryDays int             `json:"offer_expiry_days" db:"offer_expiry_days"`
	CreatedBy       string          `json:"created_by" db:"created_by"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Definition extracts the mutable content of a policy, used when a
// rollback copies an old version forward.
func (p *PricingPolicy) Definition() PolicyDefinition {
	return PolicyDefinition{
		Name:            p.Name,
		BuyFormula:      p.BuyFormula,
		SellFormula:     p.SellFormula,
		ConditionCurve:  p.ConditionCurve,
		MinOffer:        p.MinOffer,
		MaxOffer:        p.MaxOffer,
		OfferExpiryDays: p.OfferExpiryDays,
	}
}

// FieldChange records one field's before/after values in an audit diff.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// PolicyAudit is an append-only record of a policy transition. Created
// atomically alongside every save and rollback; never mutated or deleted.
type PolicyAudit struct {
	ID              string                 `json:"id" db:"id"`
	PolicyID        string                 `json:"policy_id" db:"policy_id"`
	ChangeType      string                 `json:"change_type" db:"change_type"`
	PreviousVersion int                    `json:"previous_version" db:"previous_version"`
	NewVersion      int                    `json:"new_version" db:"new_version"`
	Changes         map[string]FieldChange `json:"changes" db:"changes"`
	ChangedBy       string                 `json:"changed_by" db:"changed_by"`
	ChangedAt       time.Time              `json:"changed_at" db:"changed_at"`
}

// PolicyHistoryEntry is one version with its most recent audit records,
// returned by the history listing.
type PolicyHistoryEntry struct {
	Policy PricingPolicy `json:"policy"`
	Audits []PolicyAudit `json:"audits"`
}

// MarketSnapshot is the most recent stored market statistic set for a
// release. Owned by the catalog ingestion pipeline; the engine only reads.
// Statistics are nullable — a source may have sold-listing data for some
// statistics and not others.
type MarketSnapshot struct {
	ReleaseID  string           `json:"release_id" db:"release_id"`
	Source     string           `json:"source" db:"source"`
	StatLow    *decimal.Decimal `json:"stat_low" db:"stat_low"`
	StatMedian *decimal.Decimal `json:"stat_median" db:"stat_median"`
	StatHigh   *decimal.Decimal `json:"stat_high" db:"stat_high"`
	FetchedAt  time.Time        `json:"fetched_at" db:"fetched_at"`
}
