package permit

import (
	"context"
	"time"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// RuleStore is the read contract the Engine depends on. Implementations
// return only rules whose tenant equals tenantID, and nothing for "".
type RuleStore interface {
	RulesFor(ctx context.Context, tenantID string) ([]*Rule, error)
}

// RuleRepository manages rule persistence.
type RuleRepository interface {
	RuleStore
	CreateRule(ctx context.Context, r *Rule) error
	UpdateRule(ctx context.Context, r *Rule) error
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	GetRuleHistory(ctx context.Context, id string) ([]*Rule, error)
}

// AuditStore records authorization decisions.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// AuditEntry is one logged decision.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Actor     string         `json:"actor,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Decision  *Decision      `json:"decision"`
	TraceID   string         `json:"trace_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditFilter narrows GetAccessLog results. Zero fields do not filter.
type AuditFilter struct {
	TenantID  string
	Actor     string
	Action    string
	Resource  string
	Allowed   *bool
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// Matches reports whether e passes every set field of f.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	switch {
	case f.TenantID != "" && e.TenantID != f.TenantID:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Resource != "" && e.Resource != f.Resource:
		return false
	case f.Allowed != nil && (e.Decision == nil || e.Decision.Allowed != *f.Allowed):
		return false
	case !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime):
		return false
	}
	return true
}

// FilterTenant drops every rule not scoped to tenantID. Stores apply it to
// whatever their backend returns so a faulty query cannot leak rules.
func FilterTenant(rules []*Rule, tenantID string) []*Rule {
	if tenantID == "" {
		return nil
	}
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out
}

// StaticRuleStore serves a fixed rule slice, for callers that already hold
// the rules of the current actor.
type StaticRuleStore []*Rule

func (s StaticRuleStore) RulesFor(_ context.Context, tenantID string) ([]*Rule, error) {
	return FilterTenant(s, tenantID), nil
}
