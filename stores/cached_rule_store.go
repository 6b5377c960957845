package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/permit"
)

// CachedRuleStore keeps per-tenant rule sets from next in a ristretto cache
// for ttl. Cached rules are shared between callers and must not be mutated.
type CachedRuleStore struct {
	next  permit.RuleStore
	cache *ristretto.Cache
	ttl   time.Duration

	mu   sync.Mutex
	gens map[string]uint64 // bumped by Invalidate
}

// NewCachedRuleStore caches up to maxTenants rule sets.
func NewCachedRuleStore(next permit.RuleStore, ttl time.Duration, maxTenants int64) (*CachedRuleStore, error) {
	if next == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	if maxTenants <= 0 {
		maxTenants = 1 << 10
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxTenants * 10,
		MaxCost:            maxTenants,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("rule cache: %w", err)
	}
	return &CachedRuleStore{next: next, cache: cache, ttl: ttl, gens: make(map[string]uint64)}, nil
}

func (s *CachedRuleStore) RulesFor(ctx context.Context, tenantID string) ([]*permit.Rule, error) {
	if tenantID == "" {
		return nil, nil
	}
	if v, ok := s.cache.Get(tenantID); ok {
		if rules, ok := v.([]*permit.Rule); ok {
			return append([]*permit.Rule(nil), rules...), nil
		}
	}
	s.mu.Lock()
	gen := s.gens[tenantID]
	s.mu.Unlock()

	rules, err := s.next.RulesFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	rules = permit.FilterTenant(rules, tenantID)

	// a load that raced with Invalidate is returned but not cached
	s.mu.Lock()
	if s.gens[tenantID] == gen {
		s.cache.SetWithTTL(tenantID, rules, 1, s.ttl)
		s.cache.Wait()
	}
	s.mu.Unlock()
	return append([]*permit.Rule(nil), rules...), nil
}

// Invalidate drops the cached rule set of tenantID and discards any load of
// it still in flight.
func (s *CachedRuleStore) Invalidate(_ context.Context, tenantID string) error {
	s.mu.Lock()
	s.gens[tenantID]++
	s.cache.Del(tenantID)
	s.cache.Wait()
	s.mu.Unlock()
	return nil
}

func (s *CachedRuleStore) Close() {
	s.cache.Close()
}

// TenantCache is a RuleStore whose per-tenant results can be invalidated.
type TenantCache interface {
	permit.RuleStore
	Invalidate(ctx context.Context, tenantID string) error
}

// InvalidatingRepository reads through cache and invalidates the affected
// tenants after every write to repo.
type InvalidatingRepository struct {
	repo  permit.RuleRepository
	cache TenantCache
}

func NewInvalidatingRepository(repo permit.RuleRepository, cache TenantCache) *InvalidatingRepository {
	return &InvalidatingRepository{repo: repo, cache: cache}
}

func (r *InvalidatingRepository) RulesFor(ctx context.Context, tenantID string) ([]*permit.Rule, error) {
	return r.cache.RulesFor(ctx, tenantID)
}

func (r *InvalidatingRepository) CreateRule(ctx context.Context, rule *permit.Rule) error {
	if err := r.repo.CreateRule(ctx, rule); err != nil {
		return err
	}
	return r.cache.Invalidate(ctx, rule.TenantID)
}

func (r *InvalidatingRepository) UpdateRule(ctx context.Context, rule *permit.Rule) error {
	old, err := r.repo.GetRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	if err := r.repo.UpdateRule(ctx, rule); err != nil {
		return err
	}
	if old.TenantID != rule.TenantID {
		if err := r.cache.Invalidate(ctx, old.TenantID); err != nil {
			return err
		}
	}
	return r.cache.Invalidate(ctx, rule.TenantID)
}

func (r *InvalidatingRepository) DeleteRule(ctx context.Context, id string) error {
	old, err := r.repo.GetRule(ctx, id)
	if err != nil {
		return r.repo.DeleteRule(ctx, id)
	}
	if err := r.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	return r.cache.Invalidate(ctx, old.TenantID)
}

func (r *InvalidatingRepository) GetRule(ctx context.Context, id string) (*permit.Rule, error) {
	return r.repo.GetRule(ctx, id)
}

func (r *InvalidatingRepository) GetRuleHistory(ctx context.Context, id string) ([]*permit.Rule, error) {
	return r.repo.GetRuleHistory(ctx, id)
}
