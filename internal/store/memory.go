package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waxvault/pricing-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	policies  map[string][]*model.PricingPolicy // scope → versions ascending
	audits    []model.PolicyAudit
	snapshots map[string][]model.MarketSnapshot // releaseID → snapshots
	releases  map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies:  make(map[string][]*model.PricingPolicy),
		snapshots: make(map[string][]model.MarketSnapshot),
		releases:  make(map[string]bool),
	}
}

func (s *MemoryStore) GetActivePolicy(_ context.Context, scope string) (*model.PricingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.policies[scope] {
		if p.IsActive {
			copy := *p
			return &copy, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetPolicyVersion(_ context.Context, scope string, version int) (*model.PricingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.policies[scope] {
		if p.Version == version {
			copy := *p
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, scope, version)
}

func (s *MemoryStore) SavePolicy(_ context.Context, scope string, def model.PolicyDefinition, actor string) (*model.PricingPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newVersion := 1
	prevVersion := 0
	oldDef := model.PolicyDefinition{}
	if current := s.activeLocked(scope); current != nil {
		newVersion = current.Version + 1
		prevVersion = current.Version
		oldDef = current.Definition()
		current.IsActive = false
	}

	now := time.Now().UTC()
	p := newPolicyRow(scope, newVersion, def, actor, now)
	s.policies[scope] = append(s.policies[scope], p)

	s.audits = append(s.audits, model.PolicyAudit{
		ID:              uuid.New().String(),
		PolicyID:        p.ID,
		ChangeType:      model.ChangeUpdate,
		PreviousVersion: prevVersion,
		NewVersion:      newVersion,
		Changes:         DiffDefinitions(oldDef, def),
		ChangedBy:       actor,
		ChangedAt:       now,
	})

	copy := *p
	return &copy, nil
}

func (s *MemoryStore) RollbackPolicy(_ context.Context, scope string, targetVersion int, actor string) (*model.PricingPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *model.PricingPolicy
	for _, p := range s.policies[scope] {
		if p.Version == targetVersion {
			target = p
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, scope, targetVersion)
	}

	newVersion := targetVersion + 1
	prevVersion := 0
	if current := s.activeLocked(scope); current != nil {
		newVersion = current.Version + 1
		prevVersion = current.Version
		current.IsActive = false
	}

	now := time.Now().UTC()
	p := newPolicyRow(scope, newVersion, target.Definition(), actor, now)
	s.policies[scope] = append(s.policies[scope], p)

	s.audits = append(s.audits, model.PolicyAudit{
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
	})

	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPolicyHistory(_ context.Context, scope string) ([]model.PolicyHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.policies[scope]
	entries := make([]model.PolicyHistoryEntry, 0, len(versions))

	// Newest first.
	for i := len(versions) - 1; i >= 0; i-- {
		p := *versions[i]
		entry := model.PolicyHistoryEntry{Policy: p}
		// Audits newest first, capped.
		for j := len(s.audits) - 1; j >= 0; j-- {
			if s.audits[j].PolicyID != p.ID {
				continue
			}
			entry.Audits = append(entry.Audits, s.audits[j])
			if len(entry.Audits) >= historyAuditLimit {
				break
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, releaseID string) (*model.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[releaseID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.FetchedAt.After(latest.FetchedAt) {
			latest = snap
		}
	}
	return &latest, nil
}

func (s *MemoryStore) ReleaseExists(_ context.Context, releaseID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.releases[releaseID], nil
}

// activeLocked finds the active version for a scope. Caller holds mu.
func (s *MemoryStore) activeLocked(scope string) *model.PricingPolicy {
	for _, p := range s.policies[scope] {
		if p.IsActive {
			return p
		}
	}
	return nil
}

// AddSnapshot seeds a market snapshot. Test helper.
func (s *MemoryStore) AddSnapshot(snap model.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ReleaseID] = append(s.snapshots[snap.ReleaseID], snap)
	s.releases[snap.ReleaseID] = true
}

// AddRelease marks a release as known to the catalog. Test helper.
func (s *MemoryStore) AddRelease(releaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[releaseID] = true
}

// AllVersions returns every stored version for a scope, ascending. Test
// helper for version-sequence assertions.
func (s *MemoryStore) AllVersions(scope string) []model.PricingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PricingPolicy, 0, len(s.policies[scope]))
	for _, p := range s.policies[scope] {
		out = append(out, *p)
	}
	return out
}
