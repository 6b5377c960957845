package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permit"
)

// SQLRuleStore persists rules in SQL (squealx). Updates append the replaced
// revision to rule_history.
type SQLRuleStore struct {
	db *squealx.DB
}

func NewSQLRuleStore(db *squealx.DB) *SQLRuleStore {
	return &SQLRuleStore{db: db}
}

const ruleColumns = `id, tenant_id, effect, actions_json, resources_json, condition_json, description, version, created_at, updated_at`

func ruleParams(r *permit.Rule) (map[string]any, error) {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return nil, err
	}
	resources, err := json.Marshal(r.Resources)
	if err != nil {
		return nil, err
	}
	cond := ""
	if r.Condition != nil {
		b, err := r.Condition.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode condition of %s: %w", r.ID, err)
		}
		cond = string(b)
	}
	return map[string]any{
		"id":             r.ID,
		"tenant_id":      r.TenantID,
		"effect":         string(r.Effect),
		"actions_json":   string(actions),
		"resources_json": string(resources),
		"condition_json": cond,
		"description":    r.Description,
		"version":        r.Version,
		"created_at":     formatTime(r.CreatedAt),
		"updated_at":     formatTime(r.UpdatedAt),
	}, nil
}

func (s *SQLRuleStore) CreateRule(ctx context.Context, r *permit.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", permit.ErrInvalidRule)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Version == 0 {
		r.Version = 1
	}
	params, err := ruleParams(r)
	if err != nil {
		return err
	}
	q := `INSERT INTO rules(` + ruleColumns + `) VALUES(:id, :tenant_id, :effect, :actions_json, :resources_json, :condition_json, :description, :version, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("insert rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLRuleStore) UpdateRule(ctx context.Context, r *permit.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	old, err := s.GetRule(ctx, r.ID)
	if err != nil {
		return err
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = time.Now()
	r.Version = old.Version + 1
	params, err := ruleParams(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update of rule %s: %w", r.ID, err)
	}
	defer func() { _ = tx.Rollback() }()
	// snapshot current rule to history (append-only)
	if err := insertRuleHistory(ctx, tx, old); err != nil {
		return err
	}
	q := `UPDATE rules SET tenant_id=:tenant_id, effect=:effect, actions_json=:actions_json, resources_json=:resources_json, condition_json=:condition_json, description=:description, version=:version, updated_at=:updated_at WHERE id=:id`
	if _, err := tx.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	return tx.Commit()
}

func (s *SQLRuleStore) DeleteRule(ctx context.Context, id string) error {
	q := `DELETE FROM rules WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLRuleStore) GetRule(ctx context.Context, id string) (*permit.Rule, error) {
	q := `SELECT ` + ruleColumns + ` FROM rules WHERE id = :id`
	rules, err := s.queryRules(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: %s", permit.ErrRuleNotFound, id)
	}
	return rules[0], nil
}

// RulesFor returns the tenant's rules ordered by id. A stored rule that no
// longer decodes is an error rather than a silently skipped row.
func (s *SQLRuleStore) RulesFor(ctx context.Context, tenantID string) ([]*permit.Rule, error) {
	if tenantID == "" {
		return nil, nil
	}
	q := `SELECT ` + ruleColumns + ` FROM rules WHERE tenant_id = :tenant_id ORDER BY id`
	rules, err := s.queryRules(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	return permit.FilterTenant(rules, tenantID), nil
}

func (s *SQLRuleStore) queryRules(ctx context.Context, q string, params map[string]any) ([]*permit.Rule, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.Rule, 0)
	for r.Next() {
		var id, tenant, effect, actionsJSON, resourcesJSON, condJSON, desc string
		var version int
		var createdRaw, updatedRaw any
		if err := r.Scan(&id, &tenant, &effect, &actionsJSON, &resourcesJSON, &condJSON, &desc, &version, &createdRaw, &updatedRaw); err != nil {
			return nil, err
		}
		rule := &permit.Rule{
			ID:          id,
			TenantID:    tenant,
			Effect:      permit.Effect(effect),
			Description: desc,
			Version:     version,
			CreatedAt:   scanTime(createdRaw),
			UpdatedAt:   scanTime(updatedRaw),
		}
		if err := json.Unmarshal([]byte(actionsJSON), &rule.Actions); err != nil {
			return nil, fmt.Errorf("rule %s actions: %w", id, err)
		}
		if err := json.Unmarshal([]byte(resourcesJSON), &rule.Resources); err != nil {
			return nil, fmt.Errorf("rule %s resources: %w", id, err)
		}
		if condJSON != "" {
			c, err := permit.ParseCondition([]byte(condJSON))
			if err != nil {
				return nil, fmt.Errorf("rule %s condition: %w", id, err)
			}
			rule.Condition = c
		}
		out = append(out, rule)
	}
	return out, r.Err()
}

type namedExecer interface {
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// insertRuleHistory stores a JSON snapshot of r in rule_history.
func insertRuleHistory(ctx context.Context, db namedExecer, r *permit.Rule) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	q := `INSERT INTO rule_history(rule_id, version, snapshot_json, created_at) VALUES(:rule_id, :version, :snapshot_json, :created_at)`
	_, err = db.NamedExecContext(ctx, q, map[string]any{
		"rule_id":       r.ID,
		"version":       r.Version,
		"snapshot_json": string(b),
		"created_at":    formatTime(time.Now()),
	})
	return err
}

// GetRuleHistory returns the replaced revisions of a rule, oldest first.
func (s *SQLRuleStore) GetRuleHistory(ctx context.Context, id string) ([]*permit.Rule, error) {
	q := `SELECT snapshot_json FROM rule_history WHERE rule_id = :rule_id ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"rule_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.Rule, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		rule := &permit.Rule{}
		if err := json.Unmarshal([]byte(snap), rule); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", id, err)
		}
		out = append(out, rule)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no history for rule %s", id)
	}
	return out, nil
}
