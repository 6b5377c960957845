package permit

import (
	"fmt"
	"time"
)

// ResourceNameKey is the context key under which the requested resource is
// exposed to conditions.
const ResourceNameKey = "resource_name"

// Request is one authorization question.
type Request struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	TenantID string         `json:"tenant_id"`
	Context  map[string]any `json:"context,omitempty"`
	// Actor identifies the caller in logs and audit entries only.
	Actor string `json:"actor,omitempty"`
}

// Decision is the evaluated answer to a Request.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	MatchedBy string    `json:"matched_by,omitempty"`
	Trace     []string  `json:"trace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	ReasonExplicitDeny     = "explicit deny"
	ReasonAllow            = "allow"
	ReasonConditionalAllow = "conditional allow"
	ReasonDefaultDeny      = "default deny"
	ReasonError            = "evaluation error"
)

// Evaluator applies rule sets to requests. It keeps no decision state; the
// only thing it owns is the pattern matcher.
type Evaluator struct {
	matcher *Matcher
}

// NewEvaluator returns an Evaluator using m, or the package matcher when m is nil.
func NewEvaluator(m *Matcher) *Evaluator {
	if m == nil {
		m = defaultMatcher
	}
	return &Evaluator{matcher: m}
}

var defaultEvaluator = NewEvaluator(nil)

// Check answers whether action on resource in tenantID is permitted by rules.
// Denial is a false result, never an error; errors report malformed rules
// and always come with false.
func Check(rules []*Rule, action, resource, tenantID string, context map[string]any) (bool, error) {
	return defaultEvaluator.Check(rules, action, resource, tenantID, context)
}

func (ev *Evaluator) Check(rules []*Rule, action, resource, tenantID string, context map[string]any) (bool, error) {
	d, err := ev.evaluate(rules, &Request{Action: action, Resource: resource, TenantID: tenantID, Context: context}, false)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Evaluate returns the full Decision for req.
func (ev *Evaluator) Evaluate(rules []*Rule, req *Request) (*Decision, error) {
	return ev.evaluate(rules, req, false)
}

// Explain is Evaluate with a per-rule trace.
func (ev *Evaluator) Explain(rules []*Rule, req *Request) (*Decision, error) {
	return ev.evaluate(rules, req, true)
}

func (ev *Evaluator) evaluate(rules []*Rule, req *Request, trace bool) (*Decision, error) {
	d := &Decision{Timestamp: time.Now()}
	tracef := func(format string, args ...any) {
		if trace {
			d.Trace = append(d.Trace, fmt.Sprintf(format, args...))
		}
	}

	candidates, err := ev.candidates(rules, req, tracef)
	if err != nil {
		d.Reason = ReasonError
		tracef("error: %v", err)
		return d, err
	}

	// 1. explicit deny wins over every allow; unknown effects count as deny
	for _, r := range candidates {
		if r.Effect != EffectAllow {
			d.Reason = ReasonExplicitDeny
			d.MatchedBy = r.ID
			tracef("rule=%s DENY", r.ID)
			return d, nil
		}
	}

	// 2. unconditioned or satisfied allow
	var env map[string]any
	for _, r := range candidates {
		if r.Condition == nil {
			d.Allowed = true
			d.Reason = ReasonAllow
			d.MatchedBy = r.ID
			tracef("rule=%s ALLOW unconditional", r.ID)
			return d, nil
		}
		if err := r.Condition.Validate(); err != nil {
			d.Reason = ReasonError
			tracef("rule=%s error: %v", r.ID, err)
			return d, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if env == nil {
			env = conditionEnv(req)
		}
		ok := r.Condition.Evaluate(env)
		tracef("rule=%s cond=%s result=%v", r.ID, r.Condition.String(), ok)
		if ok {
			d.Allowed = true
			d.Reason = ReasonConditionalAllow
			d.MatchedBy = r.ID
			return d, nil
		}
	}

	// 3. default deny
	d.Reason = ReasonDefaultDeny
	tracef("no allow matched: default deny")
	return d, nil
}

// candidates filters rules by tenant, action and resource. Every pattern of
// every same-tenant rule is compiled so a corrupt pattern always surfaces,
// whatever order the rules arrive in.
func (ev *Evaluator) candidates(rules []*Rule, req *Request, tracef func(string, ...any)) ([]*Rule, error) {
	if req.TenantID == "" {
		tracef("empty tenant: no candidates")
		return nil, nil
	}
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r == nil || r.TenantID != req.TenantID {
			continue
		}
		actionOK, err := ev.matcher.matchAny(r.ID, r.Actions, req.Action)
		if err != nil {
			return nil, err
		}
		resourceOK, err := ev.matcher.matchAny(r.ID, r.Resources, req.Resource)
		if err != nil {
			return nil, err
		}
		switch {
		case !actionOK:
			tracef("rule=%s action_no_match", r.ID)
		case !resourceOK:
			tracef("rule=%s resource_no_match", r.ID)
		default:
			out = append(out, r)
		}
	}
	return out, nil
}

// conditionEnv merges the caller context with the resource name. The
// request's resource always wins over a caller key of the same name.
func conditionEnv(req *Request) map[string]any {
	env := make(map[string]any, len(req.Context)+1)
	for k, v := range req.Context {
		env[k] = v
	}
	env[ResourceNameKey] = req.Resource
	return env
}
