package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waxvault/pricing-engine/internal/model"
)

// SnapshotCache wraps a primary Store with a Redis read-through cache for
// market snapshot and release lookups — the hot path of every price
// calculation. Policy operations pass through untouched: the in-process
// policy cache already fronts those, and mutations must always hit the
// primary.
type SnapshotCache struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewSnapshotCache creates a cached wrapper around a primary store.
func NewSnapshotCache(primary Store, rdb *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// cachedSnapshot distinguishes "no snapshot exists" from a cache miss so
// absent snapshots don't hammer the primary for the TTL window.
type cachedSnapshot struct {
	Found    bool                  `json:"found"`
	Snapshot *model.MarketSnapshot `json:"snapshot,omitempty"`
}

func (s *SnapshotCache) LatestSnapshot(ctx context.Context, releaseID string) (*model.MarketSnapshot, error) {
	key := snapshotKey(releaseID)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var cached cachedSnapshot
		if json.Unmarshal(data, &cached) == nil {
			if !cached.Found {
				return nil, nil
			}
			return cached.Snapshot, nil
		}
	}

	snap, err := s.primary.LatestSnapshot(ctx, releaseID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(cachedSnapshot{Found: snap != nil, Snapshot: snap}); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return snap, nil
}

func (s *SnapshotCache) ReleaseExists(ctx context.Context, releaseID string) (bool, error) {
	key := releaseKey(releaseID)

	val, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		return val == "1", nil
	}

	exists, err := s.primary.ReleaseExists(ctx, releaseID)
	if err != nil {
		return false, err
	}

	v := "0"
	if exists {
		v = "1"
	}
	s.rdb.Set(ctx, key, v, s.ttl)
	return exists, nil
}

// --- Passthrough (policy reads are fronted by the in-process cache) ---

func (s *SnapshotCache) GetActivePolicy(ctx context.Context, scope string) (*model.PricingPolicy, error) {
	return s.primary.GetActivePolicy(ctx, scope)
}

func (s *SnapshotCache) GetPolicyVersion(ctx context.Context, scope string, version int) (*model.PricingPolicy, error) {
	return s.primary.GetPolicyVersion(ctx, scope, version)
}

func (s *SnapshotCache) SavePolicy(ctx context.Context, scope string, def model.PolicyDefinition, actor string) (*model.PricingPolicy, error) {
	return s.primary.SavePolicy(ctx, scope, def, actor)
}

func (s *SnapshotCache) RollbackPolicy(ctx context.Context, scope string, targetVersion int, actor string) (*model.PricingPolicy, error) {
	return s.primary.RollbackPolicy(ctx, scope, targetVersion, actor)
}

func (s *SnapshotCache) ListPolicyHistory(ctx context.Context, scope string) ([]model.PolicyHistoryEntry, error) {
	return s.primary.ListPolicyHistory(ctx, scope)
}

func snapshotKey(releaseID string) string { return fmt.Sprintf("snapshot:%s", releaseID) }
func releaseKey(releaseID string) string  { return fmt.Sprintf("release:%s", releaseID) }
