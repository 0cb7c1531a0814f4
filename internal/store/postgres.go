package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/waxvault/pricing-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC, formulas and curves as JSONB.
// The schema carries a unique index on (scope, version) and a partial
// unique index on (scope) WHERE is_active, so the invariants hold even if
// a bug slips past the transactional mutation path.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const policyColumns = `id, scope, version, is_active, name,
       buy_formula, sell_formula, condition_curve,
       min_offer::TEXT, max_offer::TEXT, offer_expiry_days,
       created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*model.PricingPolicy, error) {
	var p model.PricingPolicy
	var buyJSON, sellJSON, curveJSON []byte
	var minOffer, maxOffer string

	err := row.Scan(&p.ID, &p.Scope, &p.Version, &p.IsActive, &p.Name,
		&buyJSON, &sellJSON, &curveJSON,
		&minOffer, &maxOffer, &p.OfferExpiryDays,
		&p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(buyJSON, &p.BuyFormula); err != nil {
		return nil, fmt.Errorf("decode buy formula: %w", err)
	}
	if err := json.Unmarshal(sellJSON, &p.SellFormula); err != nil {
		return nil, fmt.Errorf("decode sell formula: %w", err)
	}
	if len(curveJSON) > 0 {
		if err := json.Unmarshal(curveJSON, &p.ConditionCurve); err != nil {
			return nil, fmt.Errorf("decode condition curve: %w", err)
		}
	}
	p.MinOffer, _ = decimal.NewFromString(minOffer)
	p.MaxOffer, _ = decimal.NewFromString(maxOffer)
	return &p, nil
}

func (s *PostgresStore) GetActivePolicy(ctx context.Context, scope string) (*model.PricingPolicy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policyColumns+`
		 FROM pricing_policies
		 WHERE scope = $1 AND is_active
		 ORDER BY version DESC LIMIT 1`, scope)

	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active policy %s: %w", scope, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPolicyVersion(ctx context.Context, scope string, version int) (*model.PricingPolicy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policyColumns+`
		 FROM pricing_policies
		 WHERE scope = $1 AND version = $2`, scope, version)

	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, scope, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s v%d: %w", scope, version, err)
	}
	return p, nil
}

// activeForUpdate locks the scope's active row inside a transaction so
// concurrent saves serialize per scope.
func (s *PostgresStore) activeForUpdate(ctx context.Context, tx pgx.Tx, scope string) (*model.PricingPolicy, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+policyColumns+`
		 FROM pricing_policies
		 WHERE scope = $1 AND is_active
		 ORDER BY version DESC LIMIT 1
		 FOR UPDATE`, scope)

	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock active policy %s: %w", scope, err)
	}
	return p, nil
}

func (s *PostgresStore) insertPolicy(ctx context.Context, tx pgx.Tx, p *model.PricingPolicy) error {
	buyJSON, err := json.Marshal(p.BuyFormula)
	if err != nil {
		return fmt.Errorf("encode buy formula: %w", err)
	}
	sellJSON, err := json.Marshal(p.SellFormula)
	if err != nil {
		return fmt.Errorf("encode sell formula: %w", err)
	}
	var curveJSON []byte
	if p.ConditionCurve != nil {
		if curveJSON, err = json.Marshal(p.ConditionCurve); err != nil {
			return fmt.Errorf("encode condition curve: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO pricing_policies
		 (id, scope, version, is_active, name, buy_formula, sell_formula,
		  condition_curve, min_offer, max_offer, offer_expiry_days,
		  created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		p.ID, p.Scope, p.Version, p.IsActive, p.Name, buyJSON, sellJSON,
		curveJSON, p.MinOffer.String(), p.MaxOffer.String(), p.OfferExpiryDays,
		p.CreatedBy, p.CreatedAt)
	return err
}

func (s *PostgresStore) insertAudit(ctx context.Context, tx pgx.Tx, a *model.PolicyAudit) error {
	changesJSON, err := json.Marshal(a.Changes)
	if err != nil {
		return fmt.Errorf("encode audit changes: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO pricing_policy_audits
		 (id, policy_id, change_type, previous_version, new_version,
		  changes, changed_by, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.PolicyID, a.ChangeType, a.PreviousVersion, a.NewVersion,
		changesJSON, a.ChangedBy, a.ChangedAt)
	return err
}

// SavePolicy runs the deactivate + insert + audit sequence inside one
// transaction so the "at most one active policy per scope" invariant
// survives crashes and concurrent writers.
func (s *PostgresStore) SavePolicy(ctx context.Context, scope string, def model.PolicyDefinition, actor string) (*model.PricingPolicy, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("save policy: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.activeForUpdate(ctx, tx, scope)
	if err != nil {
		return nil, err
	}

	newVersion := 1
	prevVersion := 0
	oldDef := model.PolicyDefinition{}
	if current != nil {
		newVersion = current.Version + 1
		prevVersion = current.Version
		oldDef = current.Definition()

		if _, err := tx.Exec(ctx,
			`UPDATE pricing_policies SET is_active = FALSE WHERE id = $1`,
			current.ID); err != nil {
			return nil, fmt.Errorf("deactivate policy %s: %w", current.ID, err)
		}
	}

	now := time.Now().UTC()
	p := newPolicyRow(scope, newVersion, def, actor, now)
	if err := s.insertPolicy(ctx, tx, p); err != nil {
		return nil, fmt.Errorf("insert policy %s v%d: %w", scope, newVersion, err)
	}

	audit := &model.PolicyAudit{
		ID:              uuid.New().String(),
		PolicyID:        p.ID,
		ChangeType:      model.ChangeUpdate,
		PreviousVersion: prevVersion,
		NewVersion:      newVersion,
		Changes:         DiffDefinitions(oldDef, def),
		ChangedBy:       actor,
		ChangedAt:       now,
	}
	if err := s.insertAudit(ctx, tx, audit); err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("save policy: commit: %w", err)
	}
	return p, nil
}

// RollbackPolicy copies a historical version's content into a fresh row at
// the next version number. Rollback is always a forward-moving append.
func (s *PostgresStore) RollbackPolicy(ctx context.Context, scope string, targetVersion int, actor string) (*model.PricingPolicy, error) {
	target, err := s.GetPolicyVersion(ctx, scope, targetVersion)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("rollback policy: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.activeForUpdate(ctx, tx, scope)
	if err != nil {
		return nil, err
	}

	newVersion := targetVersion + 1
	prevVersion := 0
	if current != nil {
		newVersion = current.Version + 1
		prevVersion = current.Version

		if _, err := tx.Exec(ctx,
			`UPDATE pricing_policies SET is_active = FALSE WHERE id = $1`,
			current.ID); err != nil {
			return nil, fmt.Errorf("deactivate policy %s: %w", current.ID, err)
		}
	}

	now := time.Now().UTC()
	p := newPolicyRow(scope, newVersion, target.Definition(), actor, now)
	if err := s.insertPolicy(ctx, tx, p); err != nil {
		return nil, fmt.Errorf("insert policy %s v%d: %w", scope, newVersion, err)
	}

	audit := &model.PolicyAudit{
		ID:              uuid.New().String(),
		PolicyID:        p.ID,
		ChangeType:      model.ChangeRollback,
		PreviousVersion: prevVersion,
		NewVersion:      newVersion,
		Changes: map[string]model.FieldChange{
			"restored_version": {From: prevVersion, To: targetVersion},
		},
		ChangedBy: actor,
		ChangedAt: now,
	}
	if err := s.insertAudit(ctx, tx, audit); err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("rollback policy: commit: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPolicyHistory(ctx context.Context, scope string) ([]model.PolicyHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyColumns+`
		 FROM pricing_policies
		 WHERE scope = $1
		 ORDER BY version DESC`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PolicyHistoryEntry
	index := make(map[string]int)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		index[p.ID] = len(entries)
		entries = append(entries, model.PolicyHistoryEntry{Policy: *p})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	auditRows, err := s.pool.Query(ctx,
		`SELECT a.id, a.policy_id, a.change_type, a.previous_version,
		        a.new_version, a.changes, a.changed_by, a.changed_at
		 FROM pricing_policy_audits a
		 JOIN pricing_policies p ON p.id = a.policy_id
		 WHERE p.scope = $1
		 ORDER BY a.changed_at DESC`, scope)
	if err != nil {
		return nil, err
	}
	defer auditRows.Close()

	for auditRows.Next() {
		var a model.PolicyAudit
		var changesJSON []byte
		if err := auditRows.Scan(&a.ID, &a.PolicyID, &a.ChangeType,
			&a.PreviousVersion, &a.NewVersion, &changesJSON,
			&a.ChangedBy, &a.ChangedAt); err != nil {
			return nil, err
		}
		if len(changesJSON) > 0 {
			if err := json.Unmarshal(changesJSON, &a.Changes); err != nil {
				return nil, fmt.Errorf("decode audit changes: %w", err)
			}
		}
		i, ok := index[a.PolicyID]
		if !ok || len(entries[i].Audits) >= historyAuditLimit {
			continue
		}
		entries[i].Audits = append(entries[i].Audits, a)
	}
	return entries, auditRows.Err()
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, releaseID string) (*model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	var low, median, high *string

	err := s.pool.QueryRow(ctx,
		`SELECT release_id, source,
		        stat_low::TEXT, stat_median::TEXT, stat_high::TEXT,
		        fetched_at
		 FROM market_snapshots
		 WHERE release_id = $1
		 ORDER BY fetched_at DESC LIMIT 1`, releaseID).
		Scan(&snap.ReleaseID, &snap.Source, &low, &median, &high, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", releaseID, err)
	}

	snap.StatLow = parseNullableDecimal(low)
	snap.StatMedian = parseNullableDecimal(median)
	snap.StatHigh = parseNullableDecimal(high)
	return &snap, nil
}

func (s *PostgresStore) ReleaseExists(ctx context.Context, releaseID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM releases WHERE id = $1)`, releaseID).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("release exists %s: %w", releaseID, err)
	}
	return exists, nil
}

func parseNullableDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

// newPolicyRow builds a fresh active policy row. Shared by save and
// rollback so both paths produce identical row shapes.
func newPolicyRow(scope string, version int, def model.PolicyDefinition, actor string, now time.Time) *model.PricingPolicy {
	return &model.PricingPolicy{
		ID:              uuid.New().String(),
		Scope:           scope,
		Version:         version,
		IsActive:        true,
		Name:            def.Name,
		BuyFormula:      def.BuyFormula,
		SellFormula:     def.SellFormula,
		ConditionCurve:  def.ConditionCurve,
		MinOffer:        def.MinOffer,
		MaxOffer:        def.MaxOffer,
		OfferExpiryDays: def.OfferExpiryDays,
		CreatedBy:       actor,
		CreatedAt:       now,
	}
}
