package permit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/oarkflow/permit/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// Engine loads a tenant's rules from a RuleStore, evaluates requests against
// them and records every decision.
type Engine struct {
	store       RuleStore
	auditStore  AuditStore
	evaluator   *Evaluator
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc

	// asynchronous audit channel, drained by a single worker
	auditBuffer int
	auditCh     chan *AuditEntry
	auditWG     sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
}

const defaultAuditBuffer = 1024

func NewEngine(store RuleStore, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("permit: rule store is required")
	}
	e := &Engine{
		store:       store,
		evaluator:   defaultEvaluator,
		logger:      logger.NewPhusluLogger(),
		traceIDFunc: func() string { return xid.New().String() },
		auditBuffer: defaultAuditBuffer,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.auditStore != nil {
		e.auditCh = make(chan *AuditEntry, e.auditBuffer)
		e.auditWG.Add(1)
		go e.auditWorker()
	}
	return e, nil
}

func WithAuditStore(s AuditStore) EngineOption {
	return func(e *Engine) error {
		e.auditStore = s
		return nil
	}
}

// WithAuditBuffer sets the capacity of the audit queue. Entries are dropped,
// with a warning, while the queue is full.
func WithAuditBuffer(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("permit: audit buffer must be positive, got %d", n)
		}
		e.auditBuffer = n
		return nil
	}
}

// WithMatcher installs a pattern matcher with its own compile cache.
func WithMatcher(m *Matcher) EngineOption {
	return func(e *Engine) error {
		e.evaluator = NewEvaluator(m)
		return nil
	}
}

// Authorize evaluates req against the rules of req.TenantID.
func (e *Engine) Authorize(ctx context.Context, req *Request) (*Decision, error) {
	return e.authorize(ctx, req, false)
}

// Explain is Authorize with a per-rule trace in the returned Decision.
func (e *Engine) Explain(ctx context.Context, req *Request) (*Decision, error) {
	return e.authorize(ctx, req, true)
}

// Allowed is the fail-closed form of Authorize: any error denies.
func (e *Engine) Allowed(ctx context.Context, req *Request) bool {
	d, err := e.Authorize(ctx, req)
	return err == nil && d.Allowed
}

func (e *Engine) authorize(ctx context.Context, req *Request, includeTrace bool) (*Decision, error) {
	if req == nil {
		return nil, errors.New("permit: nil request")
	}
	if err := ctx.Err(); err != nil {
		return &Decision{Reason: ReasonError, Timestamp: time.Now()}, err
	}
	start := time.Now()
	traceID := e.traceIDFunc()

	rules, err := e.store.RulesFor(ctx, req.TenantID)
	if err != nil {
		err = fmt.Errorf("load rules for tenant %q: %w", req.TenantID, err)
		d := &Decision{Reason: ReasonError, Timestamp: start}
		e.logger.Error("rule load failed", "tenant", req.TenantID, "trace_id", traceID, "err", err)
		e.auditLog(req, d, traceID)
		return d, err
	}

	var d *Decision
	if includeTrace {
		d, err = e.evaluator.Explain(rules, req)
	} else {
		d, err = e.evaluator.Evaluate(rules, req)
	}
	if err != nil {
		e.logger.Error("evaluation failed",
			"tenant", req.TenantID,
			"action", req.Action,
			"resource", req.Resource,
			"trace_id", traceID,
			"err", err)
		e.auditLog(req, d, traceID)
		return d, err
	}

	e.logger.Info("authorization decision",
		"tenant", req.TenantID,
		"actor", req.Actor,
		"action", req.Action,
		"resource", req.Resource,
		"allowed", d.Allowed,
		"matched_by", d.MatchedBy,
		"reason", d.Reason,
		"trace_id", traceID,
		"duration", time.Since(start).String())
	e.auditLog(req, d, traceID)
	return d, nil
}

// BatchAuthorize evaluates each request in order and stops at the first error.
func (e *Engine) BatchAuthorize(ctx context.Context, requests []*Request) ([]*Decision, error) {
	decisions := make([]*Decision, len(requests))
	for i, req := range requests {
		d, err := e.Authorize(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		decisions[i] = d
	}
	return decisions, nil
}

func (e *Engine) auditLog(req *Request, d *Decision, traceID string) {
	if e.auditStore == nil {
		return
	}
	entry := &AuditEntry{
		ID:        xid.New().String(),
		Timestamp: d.Timestamp,
		TenantID:  req.TenantID,
		Actor:     req.Actor,
		Action:    req.Action,
		Resource:  req.Resource,
		Decision:  d,
		TraceID:   traceID,
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.auditCh <- entry:
	default:
		e.logger.Warn("audit queue full, entry dropped", "tenant", req.TenantID, "trace_id", traceID)
	}
}

func (e *Engine) auditWorker() {
	defer e.auditWG.Done()
	bg := context.Background()
	for entry := range e.auditCh {
		if err := e.auditStore.LogDecision(bg, entry); err != nil {
			e.logger.Error("audit write failed", "id", entry.ID, "err", err)
		}
	}
}

// Close stops accepting audit entries and waits until queued ones are
// written. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.auditCh != nil {
		close(e.auditCh)
	}
	e.mu.Unlock()
	e.auditWG.Wait()
	return nil
}
