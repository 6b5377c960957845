package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/permit"
)

// MemoryRuleStore is a RuleRepository kept entirely in process memory.
type MemoryRuleStore struct {
	mu        sync.RWMutex
	rules     map[string]*permit.Rule
	histories map[string][]*permit.Rule
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		rules:     make(map[string]*permit.Rule),
		histories: make(map[string][]*permit.Rule),
	}
}

func (s *MemoryRuleStore) CreateRule(ctx context.Context, r *permit.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", permit.ErrInvalidRule)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.ID]; exists {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Version == 0 {
		r.Version = 1
	}
	s.rules[r.ID] = r.Clone()
	return nil
}

// UpdateRule replaces a rule, bumping its version and keeping the previous
// revision in the history.
func (s *MemoryRuleStore) UpdateRule(ctx context.Context, r *permit.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.rules[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", permit.ErrRuleNotFound, r.ID)
	}
	s.histories[r.ID] = append(s.histories[r.ID], old)
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = time.Now()
	r.Version = old.Version + 1
	s.rules[r.ID] = r.Clone()
	return nil
}

func (s *MemoryRuleStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func (s *MemoryRuleStore) GetRule(ctx context.Context, id string) (*permit.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", permit.ErrRuleNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryRuleStore) GetRuleHistory(ctx context.Context, id string) ([]*permit.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, fmt.Errorf("no history for rule %s", id)
	}
	out := make([]*permit.Rule, len(h))
	for i, r := range h {
		out[i] = r.Clone()
	}
	return out, nil
}

// RulesFor returns the tenant's rules ordered by id.
func (s *MemoryRuleStore) RulesFor(ctx context.Context, tenantID string) ([]*permit.Rule, error) {
	if tenantID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*permit.Rule, 0)
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*permit.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*permit.AuditEntry, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *permit.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter permit.AuditFilter) ([]*permit.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*permit.AuditEntry, 0)
	for _, entry := range s.entries {
		if !filter.Matches(entry) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}
