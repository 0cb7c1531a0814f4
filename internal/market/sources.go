package market

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/waxvault/pricing-engine/internal/model"
)

const sourceTimeout = 10 * time.Second

// DiscogsSource fetches marketplace sold-listing statistics from the
// Discogs stats endpoint.
type DiscogsSource struct {
	client *resty.Client
}

// NewDiscogsSource creates a Discogs-backed price source. token may be
// empty for unauthenticated (rate-limited) access.
func NewDiscogsSource(baseURL, token string) *DiscogsSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(sourceTimeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetHeader("Authorization", "Discogs token="+token)
	}
	return &DiscogsSource{client: client}
}

func (s *DiscogsSource) Name() string { return model.SourceDiscogs }

func (s *DiscogsSource) Stats(ctx context.Context, releaseID string) (Stats, error) {
	var out Stats
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/marketplace/stats/" + releaseID)
	if err != nil {
		return Stats{}, fmt.Errorf("discogs stats %s: %w", releaseID, err)
	}
	if resp.IsError() {
		return Stats{}, fmt.Errorf("discogs stats %s: status %d", releaseID, resp.StatusCode())
	}
	return out, nil
}

// EBaySource fetches sold-listing statistics from the eBay aggregation
// endpoint.
type EBaySource struct {
	client *resty.Client
}

// NewEBaySource creates an eBay-backed price source.
func NewEBaySource(baseURL, token string) *EBaySource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(sourceTimeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &EBaySource{client: client}
}

func (s *EBaySource) Name() string { return model.SourceEBay }

func (s *EBaySource) Stats(ctx context.Context, releaseID string) (Stats, error) {
	var out Stats
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetQueryParam("release_id", releaseID).
		Get("/sold-listings/stats")
	if err != nil {
		return Stats{}, fmt.Errorf("ebay stats %s: %w", releaseID, err)
	}
	if resp.IsError() {
		return Stats{}, fmt.Errorf("ebay stats %s: status %d", releaseID, resp.StatusCode())
	}
	return out, nil
}
