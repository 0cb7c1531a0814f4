// Package store defines the persistence interface for the pricing engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing); a Redis read-through wrapper caches market snapshot reads.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/waxvault/pricing-engine/internal/model"
)

var (
	// ErrVersionNotFound is returned when a rollback targets a policy
	// version that was never created for the scope.
	ErrVersionNotFound = errors.New("store: policy version not found")
)

// Store is the persistence interface. Policy rows are append-only: a save
// or rollback deactivates the current version and inserts a new one, and
// the audit record commits in the same transaction.
type Store interface {
	// --- Versioned policy operations ---

	// GetActivePolicy returns the active policy for a scope, or nil when
	// the scope has no policy yet (not an error).
	GetActivePolicy(ctx context.Context, scope string) (*model.PricingPolicy, error)

	// GetPolicyVersion returns a specific historical version for a scope.
	// Returns ErrVersionNotFound when absent.
	GetPolicyVersion(ctx context.Context, scope string, version int) (*model.PricingPolicy, error)

	// SavePolicy appends a new active version (current+1, or 1 when the
	// scope is empty), deactivates the previous one, and writes a field
	// diff audit record. Atomic.
	SavePolicy(ctx context.Context, scope string, def model.PolicyDefinition, actor string) (*model.PricingPolicy, error)

	// RollbackPolicy appends a new active version copying targetVersion's
	// content. The version number always moves forward; rollback never
	// reuses an old number. Atomic.
	RollbackPolicy(ctx context.Context, scope string, targetVersion int, actor string) (*model.PricingPolicy, error)

	// ListPolicyHistory returns all versions for a scope, newest first,
	// each with its most recent audit entries.
	ListPolicyHistory(ctx context.Context, scope string) ([]model.PolicyHistoryEntry, error)

	// --- Catalog reads (owned by the ingestion subsystem) ---

	// LatestSnapshot returns the most recent market snapshot for a
	// release, or nil when none exists.
	LatestSnapshot(ctx context.Context, releaseID string) (*model.MarketSnapshot, error)

	// ReleaseExists reports whether a release is known to the catalog.
	ReleaseExists(ctx context.Context, releaseID string) (bool, error)
}

// historyAuditLimit caps how many audit entries accompany each version in
// the history listing.
const historyAuditLimit = 5

// DiffDefinitions computes a field-level diff between two policy
// definitions for the audit trail. Fields compare by JSON encoding so
// formula blobs and curves diff structurally.
func DiffDefinitions(old, new model.PolicyDefinition) map[string]model.FieldChange {
	changes := make(map[string]model.FieldChange)
	add := func(field string, from, to any) {
		fj, _ := json.Marshal(from)
		tj, _ := json.Marshal(to)
		if !bytes.Equal(fj, tj) {
			changes[field] = model.FieldChange{From: from, To: to}
		}
	}

	add("name", old.Name, new.Name)
	add("buy_formula", old.BuyFormula, new.BuyFormula)
	add("sell_formula", old.SellFormula, new.SellFormula)
	add("condition_curve", old.ConditionCurve, new.ConditionCurve)
	add("min_offer", old.MinOffer, new.MinOffer)
	add("max_offer", old.MaxOffer, new.MaxOffer)
	add("offer_expiry_days", old.OfferExpiryDays, new.OfferExpiryDays)
	return changes
}
