package pricing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/waxvault/pricing-engine/internal/condition"
	"github.com/waxvault/pricing-engine/internal/market"
	"github.com/waxvault/pricing-engine/internal/model"
	"github.com/waxvault/pricing-engine/internal/policy"
	"github.com/waxvault/pricing-engine/internal/pricing"
	"github.com/waxvault/pricing-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

type testEnv struct {
	store  *store.MemoryStore
	cache  *policy.Cache
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ms := store.NewMemoryStore()
	cache := policy.NewCache(ms, time.Minute)
	resolver := market.NewResolver(ms, nil, nil)
	svc := pricing.NewService(ms, cache, resolver, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/policies/{scope}", svc.GetActivePolicy)
		r.Put("/policies/{scope}", svc.SavePolicy)
		r.Get("/policies/{scope}/history", svc.ListPolicyHistory)
		r.Post("/policies/{scope}/rollback", svc.RollbackPolicy)
		r.Post("/policies/cache/clear", svc.ClearPolicyCache)
		r.Post("/prices/buy", svc.CalculateBuyPrice)
		r.Post("/prices/sell", svc.CalculateSellPrice)
		r.Post("/prices/markdown", svc.CalculateMarkdown)
	})

	return &testEnv{store: ms, cache: cache, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func standardDefinition() model.PolicyDefinition {
	return model.PolicyDefinition{
		Name: "standard",
		BuyFormula: model.FormulaConfig{
			BuyPercentage:  dp(0.55),
			RoundIncrement: d(0.25),
			Floor:          d(5),
			Ceiling:        d(500),
		},
		SellFormula: model.FormulaConfig{
			SellPercentage:  dp(1.25),
			RoundIncrement:  d(0.25),
			Floor:           d(5),
			MinProfitMargin: d(0.3),
		},
		MinOffer:        d(1),
		MaxOffer:        d(1000),
		OfferExpiryDays: 7,
	}
}

func (e *testEnv) seedSnapshot(releaseID string, median float64) {
	e.store.AddSnapshot(model.MarketSnapshot{
		ReleaseID:  releaseID,
		Source:     model.SourceDiscogs,
		StatMedian: dp(median),
		FetchedAt:  time.Now().UTC(),
	})
}

// --- Policy administration ---

func TestSavePolicy_CreatesActiveVersion(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{
		Actor:  "alice",
		Policy: standardDefinition(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var saved model.PricingPolicy
	decodeInto(t, rec, &saved)
	if saved.Version != 1 || !saved.IsActive {
		t.Errorf("expected active v1, got v%d active=%v", saved.Version, saved.IsActive)
	}
	if saved.CreatedBy != "alice" {
		t.Errorf("expected actor alice, got %s", saved.CreatedBy)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/policies/BUYER", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var active model.PricingPolicy
	decodeInto(t, rec, &active)
	if active.ID != saved.ID {
		t.Error("GET should return the just-saved version")
	}
}

func TestSavePolicy_InvalidScope(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPut, "/api/v1/policies/VENDOR", pricing.SavePolicyRequest{
		Policy: standardDefinition(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown scope, got %d", rec.Code)
	}
}

func TestSavePolicy_RejectsPartialCurve(t *testing.T) {
	env := newTestEnv(t)

	def := standardDefinition()
	def.ConditionCurve = condition.Curve{condition.NM: d(1.0)} // 7 grades missing

	rec := env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: def})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("partial curve should be rejected at write time, got %d", rec.Code)
	}
}

func TestGetActivePolicy_NoneExists(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/policies/SELLER", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when no policy exists, got %d", rec.Code)
	}
}

func TestRollbackPolicy_HTTP(t *testing.T) {
	env := newTestEnv(t)

	for i := 1; i <= 3; i++ {
		def := standardDefinition()
		def.Name = fmt.Sprintf("rev-%d", i)
		rec := env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: def})
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed save %d failed: %d", i, rec.Code)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/v1/policies/BUYER/rollback", pricing.RollbackRequest{
		Actor:         "ops",
		TargetVersion: 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var rolled model.PricingPolicy
	decodeInto(t, rec, &rolled)
	if rolled.Version != 4 {
		t.Errorf("rollback should append v4, got v%d", rolled.Version)
	}
	if rolled.Name != "rev-1" {
		t.Errorf("expected v1 content, got name %q", rolled.Name)
	}
}

func TestRollbackPolicy_UnknownVersionHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: standardDefinition()})

	rec := env.do(t, http.MethodPost, "/api/v1/policies/BUYER/rollback", pricing.RollbackRequest{TargetVersion: 42})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown version, got %d", rec.Code)
	}
}

func TestListPolicyHistory_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: standardDefinition()})
	env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: standardDefinition()})

	rec := env.do(t, http.MethodGet, "/api/v1/policies/BUYER/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var entries []model.PolicyHistoryEntry
	decodeInto(t, rec, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Policy.Version != 2 {
		t.Errorf("history should be newest first, got v%d first", entries[0].Policy.Version)
	}
	if len(entries[0].Audits) == 0 {
		t.Error("history entries should carry their audit records")
	}
}

// --- Price calculation ---

func TestCalculateBuyPrice_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("rel-1", 150)
	env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: standardDefinition()})

	rec := env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp pricing.PriceResponse
	decodeInto(t, rec, &resp)

	// 150 × 0.55 = 82.50; NM/NM multiplies by 1.
	if !resp.Price.Equal(d(82.50)) {
		t.Errorf("expected price 82.50, got %s", resp.Price)
	}
	if resp.Statistic != "median" || resp.Source != model.SourceHybrid {
		t.Errorf("expected median/HYBRID defaults, got %s/%s", resp.Statistic, resp.Source)
	}
	if resp.PolicyUsed == nil || resp.PolicyUsed.Version != 1 {
		t.Error("response should reference the policy version used")
	}
	if resp.OfferExpiresAt == nil {
		t.Error("buy response should carry an offer expiry when the policy sets one")
	}
}

func TestCalculateBuyPrice_NoPolicyUsesDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("rel-1", 100)

	rec := env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp pricing.PriceResponse
	decodeInto(t, rec, &resp)
	if !resp.Price.Equal(d(55)) {
		t.Errorf("expected default 0.55 percentage → 55, got %s", resp.Price)
	}
	if resp.PolicyUsed != nil {
		t.Error("policy_used should be null when engine defaults applied")
	}
}

func TestCalculateSellPrice_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("rel-1", 150)
	env.do(t, http.MethodPut, "/api/v1/policies/SELLER", pricing.SavePolicyRequest{Policy: standardDefinition()})

	rec := env.do(t, http.MethodPost, "/api/v1/prices/sell", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
		CostBasis:       dp(50),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp pricing.PriceResponse
	decodeInto(t, rec, &resp)
	// 150 × 1.25 = 187.50, well above the 65 margin floor.
	if !resp.Price.Equal(d(187.50)) {
		t.Errorf("expected price 187.50, got %s", resp.Price)
	}
	if !resp.MarginPercent.Equal(d(275)) {
		t.Errorf("expected margin 275%%, got %s", resp.MarginPercent)
	}
}

func TestCalculateSellPrice_MissingCostBasis(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("rel-1", 150)

	rec := env.do(t, http.MethodPost, "/api/v1/prices/sell", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("sell without cost_basis should be 400, got %d", rec.Code)
	}
}

func TestCalculatePrice_InvalidCondition(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("rel-1", 150)

	rec := env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "SEALED",
		SleeveCondition: "NM",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown grade should be 400, got %d", rec.Code)
	}
}

func TestCalculatePrice_UnknownRelease(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "no-such-release",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown release should be 404, got %d", rec.Code)
	}
}

func TestCalculatePrice_NoMarketData(t *testing.T) {
	env := newTestEnv(t)
	// Release known to the catalog but with no snapshot statistics and no
	// external sources configured.
	env.store.AddRelease("rel-dry")

	rec := env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "rel-dry",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing market data should be 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCalculatePrice_UnknownStatistic(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("rel-1", 150)

	rec := env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
		MarketStatistic: "p99",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown statistic should be 400, got %d", rec.Code)
	}
}

func TestCalculateBuyPrice_FormulaOverride(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("rel-1", 100)
	env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: standardDefinition()})

	rec := env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
		FormulaOverride: &model.FormulaConfig{BuyPercentage: dp(0.40)},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp pricing.PriceResponse
	decodeInto(t, rec, &resp)
	if !resp.Price.Equal(d(40)) {
		t.Errorf("override percentage 0.40 should yield 40, got %s", resp.Price)
	}
}

func TestSavePolicy_InvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("rel-1", 100)

	// Prime the cache with the no-policy defaults.
	rec := env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
	})
	var before pricing.PriceResponse
	decodeInto(t, rec, &before)
	if !before.Price.Equal(d(55)) {
		t.Fatalf("expected default price 55, got %s", before.Price)
	}

	def := standardDefinition()
	def.BuyFormula.BuyPercentage = dp(0.30)
	env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: def})

	// The new policy must be visible immediately, not after TTL.
	rec = env.do(t, http.MethodPost, "/api/v1/prices/buy", pricing.PriceRequest{
		ReleaseID:       "rel-1",
		MediaCondition:  "NM",
		SleeveCondition: "NM",
	})
	var after pricing.PriceResponse
	decodeInto(t, rec, &after)
	if !after.Price.Equal(d(30)) {
		t.Errorf("save should invalidate the cache; expected 30, got %s", after.Price)
	}
}

func TestClearPolicyCache_HTTP(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPut, "/api/v1/policies/BUYER", pricing.SavePolicyRequest{Policy: standardDefinition()})
	env.cache.Get(context.Background(), model.ScopeBuyer, "")

	rec := env.do(t, http.MethodPost, "/api/v1/policies/cache/clear", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", env.cache.Len())
	}
}

// --- Markdown ---

func TestCalculateMarkdown_HTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/prices/markdown", pricing.MarkdownRequest{
		CurrentPrice: d(100),
		ListedAt:     time.Now().UTC().AddDate(0, 0, -35),
		CostBasis:    d(70),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		NewPrice        decimal.Decimal `json:"new_price"`
		DiscountPercent decimal.Decimal `json:"discount_percent"`
		DaysListed      int             `json:"days_listed"`
		MarginProtected bool            `json:"margin_protected"`
	}
	decodeInto(t, rec, &resp)

	if !resp.NewPrice.Equal(d(90)) {
		t.Errorf("expected 10%% markdown → 90, got %s", resp.NewPrice)
	}
	if resp.DaysListed != 35 {
		t.Errorf("expected 35 days listed, got %d", resp.DaysListed)
	}
	if !resp.MarginProtected {
		t.Error("90 ≥ cost 70 should report margin protected")
	}
}

func TestCalculateMarkdown_RejectsZeroPrice(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/prices/markdown", pricing.MarkdownRequest{
		CurrentPrice: decimal.Zero,
		ListedAt:     time.Now().UTC(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-positive price, got %d", rec.Code)
	}
}
