package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/permit"
)

// SQLAuditStore persists audit entries in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *permit.AuditEntry) error {
	d := entry.Decision
	if d == nil {
		d = &permit.Decision{}
	}
	traceB, _ := json.Marshal(d.Trace)
	metaB, _ := json.Marshal(entry.Metadata)
	q := `INSERT INTO audit_log(id, timestamp, tenant_id, actor, action, resource, allowed, matched_by, reason, trace_json, trace_id, metadata_json) VALUES(:id, :timestamp, :tenant_id, :actor, :action, :resource, :allowed, :matched_by, :reason, :trace_json, :trace_id, :metadata_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"timestamp":     formatTime(entry.Timestamp),
		"tenant_id":     entry.TenantID,
		"actor":         entry.Actor,
		"action":        entry.Action,
		"resource":      entry.Resource,
		"allowed":       boolToInt(d.Allowed),
		"matched_by":    d.MatchedBy,
		"reason":        d.Reason,
		"trace_json":    string(traceB),
		"trace_id":      entry.TraceID,
		"metadata_json": string(metaB),
	})
	return err
}

// GetAccessLog returns matching entries oldest first, at most 100 unless
// filter.Limit says otherwise.
func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter permit.AuditFilter) ([]*permit.AuditEntry, error) {
	q := `SELECT id, timestamp, tenant_id, actor, action, resource, allowed, matched_by, reason, trace_json, trace_id, metadata_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.Actor != "" {
		q += " AND actor = :actor"
		params["actor"] = filter.Actor
	}
	if filter.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = filter.Resource
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if filter.Allowed != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = formatTime(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = formatTime(filter.EndTime)
	}
	q += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permit.AuditEntry, 0)
	for r.Next() {
		var id, tenant, actor, action, resource, matchedBy, reason, traceJSON, traceID, metaJSON string
		var timestampRaw any
		var allowedInt int
		if err := r.Scan(&id, &timestampRaw, &tenant, &actor, &action, &resource, &allowedInt, &matchedBy, &reason, &traceJSON, &traceID, &metaJSON); err != nil {
			return nil, err
		}
		ts := scanTime(timestampRaw)
		entry := &permit.AuditEntry{
			ID:        id,
			Timestamp: ts,
			TenantID:  tenant,
			Actor:     actor,
			Action:    action,
			Resource:  resource,
			TraceID:   traceID,
			Decision:  &permit.Decision{Allowed: allowedInt != 0, MatchedBy: matchedBy, Reason: reason, Timestamp: ts},
		}
		_ = json.Unmarshal([]byte(traceJSON), &entry.Decision.Trace)
		_ = json.Unmarshal([]byte(metaJSON), &entry.Metadata)
		out = append(out, entry)
	}
	return out, r.Err()
}
