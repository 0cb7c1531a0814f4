// Package pricing provides the HTTP handlers and business logic for
// policy administration, price calculation, and markdown scheduling.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pricing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/waxvault/pricing-engine/internal/calc"
	"github.com/waxvault/pricing-engine/internal/condition"
	"github.com/waxvault/pricing-engine/internal/market"
	"github.com/waxvault/pricing-engine/internal/metrics"
	"github.com/waxvault/pricing-engine/internal/model"
	"github.com/waxvault/pricing-engine/internal/policy"
	"github.com/waxvault/pricing-engine/internal/store"
)

// Service handles pricing operations: versioned policy administration and
// buy/sell/markdown price calculation.
type Service struct {
	store    store.Store
	cache    *policy.Cache
	resolver *market.Resolver
	hub      *Hub // optional WebSocket hub for admin event broadcasts
}

// NewService creates a pricing service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, cache *policy.Cache, resolver *market.Resolver, hub *Hub) *Service {
	return &Service{
		store:    st,
		cache:    cache,
		resolver: resolver,
		hub:      hub,
	}
}

// --- Request/Response types ---

// SavePolicyRequest is the JSON body for saving a policy version.
type SavePolicyRequest struct {
	Actor  string                 `json:"actor"`
	Policy model.PolicyDefinition `json:"policy"`
}

// RollbackRequest is the JSON body for rolling a scope back.
type RollbackRequest struct {
	Actor         string `json:"actor"`
	TargetVersion int    `json:"target_version"`
}

// PolicyRef identifies the policy version a calculation used. Nil in
// responses means the engine defaults applied (no active policy).
type PolicyRef struct {
	ID      string `json:"id"`
	Scope   string `json:"scope"`
	Version int    `json:"version"`
	Name    string `json:"name,omitempty"`
}

// PriceRequest is the JSON body for buy and sell calculations. CostBasis
// is required for sell only. Context is the reserved cache segmentation
// key. FormulaOverride replaces the policy formula for this request.
type PriceRequest struct {
	ReleaseID       string               `json:"release_id"`
	MediaCondition  string               `json:"media_condition"`
	SleeveCondition string               `json:"sleeve_condition"`
	CostBasis       *decimal.Decimal     `json:"cost_basis,omitempty"`
	MarketSource    string               `json:"market_source,omitempty"`
	MarketStatistic string               `json:"market_statistic,omitempty"`
	Context         string               `json:"context,omitempty"`
	FormulaOverride *model.FormulaConfig `json:"formula_override,omitempty"`
}

// PriceResponse is returned from buy and sell calculations.
type PriceResponse struct {
	ReleaseID      string          `json:"release_id"`
	Direction      string          `json:"direction"`
	Price          decimal.Decimal `json:"price"`
	MarginPercent  decimal.Decimal `json:"margin_percent,omitempty"`
	MarketStat     decimal.Decimal `json:"market_stat"`
	Statistic      string          `json:"statistic"`
	Source         string          `json:"source"`
	Breakdown      calc.Breakdown  `json:"breakdown"`
	PolicyUsed     *PolicyRef      `json:"policy_used"`
	MinOffer       decimal.Decimal `json:"min_offer,omitempty"`
	MaxOffer       decimal.Decimal `json:"max_offer,omitempty"`
	OfferExpiresAt *time.Time      `json:"offer_expires_at,omitempty"`
}

// MarkdownRequest is the JSON body for markdown computation.
type MarkdownRequest struct {
	CurrentPrice decimal.Decimal         `json:"current_price"`
	ListedAt     time.Time               `json:"listed_at"`
	CostBasis    decimal.Decimal         `json:"cost_basis"`
	Schedule     map[int]decimal.Decimal `json:"markdown_schedule,omitempty"`
}

// --- Policy administration handlers ---

// GetActivePolicy handles GET /api/v1/policies/{scope}
func (s *Service) GetActivePolicy(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if !model.ValidScope(scope) {
		writeError(w, "scope must be BUYER or SELLER", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetActivePolicy(r.Context(), scope)
	if err != nil {
		writeError(w, "failed to load policy", http.StatusInternalServerError)
		return
	}
	if p == nil {
		writeError(w, "no active policy for scope "+scope, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SavePolicy handles PUT /api/v1/policies/{scope}
// Creates the next version, deactivates the current one, and invalidates
// the policy cache.
func (s *Service) SavePolicy(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if !model.ValidScope(scope) {
		writeError(w, "scope must be BUYER or SELLER", http.StatusBadRequest)
		return
	}

	var req SavePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateDefinition(req.Policy); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := s.store.SavePolicy(r.Context(), scope, req.Policy, actorOrDefault(req.Actor))
	if err != nil {
		writeError(w, "failed to save policy", http.StatusInternalServerError)
		return
	}

	s.cache.Clear()
	metrics.PolicyVersionsSaved.WithLabelValues(scope, model.ChangeUpdate).Inc()

	slog.Info("policy saved",
		"scope", scope,
		"version", p.Version,
		"policy_id", p.ID,
		"actor", p.CreatedBy,
	)

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:     EventPolicySaved,
			Scope:    scope,
			PolicyID: p.ID,
			Version:  p.Version,
			Actor:    p.CreatedBy,
		})
	}

	writeJSON(w, http.StatusCreated, p)
}

// RollbackPolicy handles POST /api/v1/policies/{scope}/rollback
// Appends a new version copying the target version's content; the version
// number always moves forward.
func (s *Service) RollbackPolicy(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if !model.ValidScope(scope) {
		writeError(w, "scope must be BUYER or SELLER", http.StatusBadRequest)
		return
	}

	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TargetVersion < 1 {
		writeError(w, "target_version must be a positive integer", http.StatusBadRequest)
		return
	}

	p, err := s.store.RollbackPolicy(r.Context(), scope, req.TargetVersion, actorOrDefault(req.Actor))
	if errors.Is(err, store.ErrVersionNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to roll back policy", http.StatusInternalServerError)
		return
	}

	s.cache.Clear()
	metrics.PolicyVersionsSaved.WithLabelValues(scope, model.ChangeRollback).Inc()

	slog.Info("policy rolled back",
		"scope", scope,
		"restored_version", req.TargetVersion,
		"new_version", p.Version,
		"actor", p.CreatedBy,
	)

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:            EventPolicyRolledBack,
			Scope:           scope,
			PolicyID:        p.ID,
			Version:         p.Version,
			RestoredVersion: req.TargetVersion,
			Actor:           p.CreatedBy,
		})
	}

	writeJSON(w, http.StatusCreated, p)
}

// ListPolicyHistory handles GET /api/v1/policies/{scope}/history
func (s *Service) ListPolicyHistory(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if !model.ValidScope(scope) {
		writeError(w, "scope must be BUYER or SELLER", http.StatusBadRequest)
		return
	}

	entries, err := s.store.ListPolicyHistory(r.Context(), scope)
	if err != nil {
		writeError(w, "failed to list policy history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.PolicyHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ClearPolicyCache handles POST /api/v1/policies/cache/clear
func (s *Service) ClearPolicyCache(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear()
	slog.Info("policy cache cleared")

	if s.hub != nil {
		s.hub.Broadcast(Event{Type: EventCacheCleared})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- Calculation handlers ---

// CalculateBuyPrice handles POST /api/v1/prices/buy
func (s *Service) CalculateBuyPrice(w http.ResponseWriter, r *http.Request) {
	s.calculate(w, r, calc.DirectionBuy)
}

// CalculateSellPrice handles POST /api/v1/prices/sell
func (s *Service) CalculateSellPrice(w http.ResponseWriter, r *http.Request) {
	s.calculate(w, r, calc.DirectionSell)
}

func (s *Service) calculate(w http.ResponseWriter, r *http.Request, direction string) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation (before any external call) ---
	media, err := condition.Parse(req.MediaCondition)
	if err != nil {
		metrics.CalculationsTotal.WithLabelValues(direction, "validation_error").Inc()
		writeError(w, "media_condition: "+err.Error(), http.StatusBadRequest)
		return
	}
	sleeve, err := condition.Parse(req.SleeveCondition)
	if err != nil {
		metrics.CalculationsTotal.WithLabelValues(direction, "validation_error").Inc()
		writeError(w, "sleeve_condition: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ReleaseID == "" {
		writeError(w, "release_id is required", http.StatusBadRequest)
		return
	}
	if direction == calc.DirectionSell {
		if req.CostBasis == nil {
			metrics.CalculationsTotal.WithLabelValues(direction, "validation_error").Inc()
			writeError(w, "cost_basis is required for sell pricing", http.StatusBadRequest)
			return
		}
		if req.CostBasis.IsNegative() {
			metrics.CalculationsTotal.WithLabelValues(direction, "validation_error").Inc()
			writeError(w, "cost_basis must be non-negative", http.StatusBadRequest)
			return
		}
	}

	statistic := req.MarketStatistic
	if statistic == "" {
		statistic = market.StatMedian
	}
	source := req.MarketSource
	if source == "" {
		source = model.SourceHybrid
	}

	ctx := r.Context()

	exists, err := s.store.ReleaseExists(ctx, req.ReleaseID)
	if err != nil {
		writeError(w, "failed to check release", http.StatusInternalServerError)
		return
	}
	if !exists {
		writeError(w, "release not found: "+req.ReleaseID, http.StatusNotFound)
		return
	}

	// --- Policy resolution (cache → store on miss) ---
	scope := model.ScopeBuyer
	if direction == calc.DirectionSell {
		scope = model.ScopeSeller
	}
	resolved, err := s.cache.Get(ctx, scope, req.Context)
	if err != nil {
		writeError(w, "failed to load pricing policy", http.StatusInternalServerError)
		return
	}

	formula := resolved.Buy
	if direction == calc.DirectionSell {
		formula = resolved.Sell
	}
	if req.FormulaOverride != nil {
		var policyCurve condition.Curve
		if resolved.Policy != nil {
			policyCurve = resolved.Policy.ConditionCurve
		}
		if direction == calc.DirectionSell {
			formula = policy.ResolveSell(*req.FormulaOverride, policyCurve)
		} else {
			formula = policy.ResolveBuy(*req.FormulaOverride, policyCurve)
		}
	}

	// --- Market statistic resolution ---
	stat, err := s.resolver.Resolve(ctx, req.ReleaseID, statistic, source)
	if err != nil {
		if errors.Is(err, market.ErrUnknownStatistic) || errors.Is(err, market.ErrUnknownSource) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to resolve market data", http.StatusInternalServerError)
		return
	}
	if stat == nil {
		metrics.CalculationsTotal.WithLabelValues(direction, "no_data").Inc()
		writeError(w, "market data unavailable for release "+req.ReleaseID, http.StatusNotFound)
		return
	}

	// --- Price computation ---
	var result calc.Result
	if direction == calc.DirectionSell {
		result, err = calc.Sell(*stat, media, sleeve, *req.CostBasis, formula)
	} else {
		result, err = calc.Buy(*stat, media, sleeve, formula)
	}
	if err != nil {
		metrics.CalculationsTotal.WithLabelValues(direction, "validation_error").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.CalculationsTotal.WithLabelValues(direction, "ok").Inc()

	resp := PriceResponse{
		ReleaseID:     req.ReleaseID,
		Direction:     direction,
		Price:         result.Price,
		MarginPercent: result.MarginPercent,
		MarketStat:    *stat,
		Statistic:     statistic,
		Source:        source,
		Breakdown:     result.Breakdown,
	}
	if p := resolved.Policy; p != nil {
		resp.PolicyUsed = &PolicyRef{ID: p.ID, Scope: p.Scope, Version: p.Version, Name: p.Name}
		resp.MinOffer = p.MinOffer
		resp.MaxOffer = p.MaxOffer
		if direction == calc.DirectionBuy && p.OfferExpiryDays > 0 {
			expires := time.Now().UTC().AddDate(0, 0, p.OfferExpiryDays)
			resp.OfferExpiresAt = &expires
		}
	}

	slog.Info("price calculated",
		"direction", direction,
		"release", req.ReleaseID,
		"statistic", statistic,
		"source", source,
		"market_stat", stat.String(),
		"price", result.Price.String(),
	)

	writeJSON(w, http.StatusOK, resp)
}

// CalculateMarkdown handles POST /api/v1/prices/markdown
// Markdown is independent of policies and market data.
func (s *Service) CalculateMarkdown(w http.ResponseWriter, r *http.Request) {
	var req MarkdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CurrentPrice.LessThanOrEqual(decimal.Zero) {
		writeError(w, "current_price must be positive", http.StatusBadRequest)
		return
	}
	if req.ListedAt.IsZero() {
		writeError(w, "listed_at is required", http.StatusBadRequest)
		return
	}

	result := calc.Markdown(req.CurrentPrice, req.ListedAt, req.CostBasis,
		calc.Schedule(req.Schedule), time.Now().UTC())
	metrics.MarkdownsTotal.Inc()

	writeJSON(w, http.StatusOK, result)
}

// --- Helpers ---

func actorOrDefault(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

// validateDefinition checks a submitted policy definition before any
// store write. Condition curves must cover all 8 grades at write time so
// gaps are caught here instead of silently defaulting during calculation.
func validateDefinition(def model.PolicyDefinition) error {
	curves := []condition.Curve{
		def.ConditionCurve,
		def.BuyFormula.ConditionCurve,
		def.SellFormula.ConditionCurve,
	}
	for _, c := range curves {
		if len(c) == 0 {
			continue
		}
		if err := c.ValidateComplete(); err != nil {
			return err
		}
	}
	if def.MinOffer.IsNegative() || def.MaxOffer.IsNegative() {
		return errors.New("offer bounds must be non-negative")
	}
	if def.OfferExpiryDays < 0 {
		return errors.New("offer_expiry_days must be non-negative")
	}
	for _, f := range []model.FormulaConfig{def.BuyFormula, def.SellFormula} {
		if f.Floor.IsNegative() {
			return errors.New("formula floor must be non-negative")
		}
		if f.Ceiling.IsPositive() && f.Ceiling.LessThan(f.Floor) {
			return errors.New("formula ceiling must not be below floor")
		}
		if f.MinProfitMargin.IsNegative() {
			return errors.New("minProfitMargin must be non-negative")
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
