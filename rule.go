package permit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/permit/utils"
)

// Effect is the outcome a matching rule contributes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ParseEffect accepts "allow"/"deny" in any letter case.
func ParseEffect(s string) (Effect, error) {
	switch Effect(strings.ToLower(strings.TrimSpace(s))) {
	case EffectAllow:
		return EffectAllow, nil
	case EffectDeny:
		return EffectDeny, nil
	}
	return "", fmt.Errorf("unknown effect %q", s)
}

func (e *Effect) UnmarshalText(b []byte) error {
	v, err := ParseEffect(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

func (e Effect) MarshalText() ([]byte, error) {
	return []byte(e), nil
}

// Rule is one permission statement scoped to a single tenant. Actions and
// resources are patterns where '*' and '%' match any run of characters.
type Rule struct {
	ID          string     `json:"id,omitempty" yaml:"id,omitempty"`
	TenantID    string     `json:"tenant_id" yaml:"tenant_id"`
	Effect      Effect     `json:"effect" yaml:"effect"`
	Actions     []string   `json:"actions" yaml:"actions"`
	Resources   []string   `json:"resources" yaml:"resources"`
	Condition   *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int        `json:"version,omitempty" yaml:"version,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitzero" yaml:"-"`
	UpdatedAt   time.Time  `json:"updated_at,omitzero" yaml:"-"`
}

// Validate checks the structural invariants of a rule: tenant, non-empty
// action and resource lists, a known effect, compilable patterns and an
// acyclic condition.
func (r *Rule) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	if r.TenantID == "" {
		return fmt.Errorf("%w %s: tenant is required", ErrInvalidRule, r.ID)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w %s: at least one action is required", ErrInvalidRule, r.ID)
	}
	if len(r.Resources) == 0 {
		return fmt.Errorf("%w %s: at least one resource is required", ErrInvalidRule, r.ID)
	}
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return fmt.Errorf("%w %s: unknown effect %q", ErrInvalidRule, r.ID, r.Effect)
	}
	for _, list := range [][]string{r.Actions, r.Resources} {
		for _, p := range list {
			if err := utils.ValidatePattern(p); err != nil {
				return &PatternError{RuleID: r.ID, Pattern: p, Err: err}
			}
		}
	}
	if r.Condition != nil {
		if err := r.Condition.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Checksum is a deterministic digest of the fields that affect evaluation.
func (r *Rule) Checksum() string {
	cond := ""
	if r.Condition != nil {
		if b, err := r.Condition.MarshalJSON(); err == nil {
			cond = string(b)
		}
	}
	data, _ := json.Marshal(struct {
		TenantID  string
		Effect    Effect
		Actions   []string
		Resources []string
		Condition string
	}{r.TenantID, r.Effect, r.Actions, r.Resources, cond})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a copy that shares only the immutable condition tree.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Actions = append([]string(nil), r.Actions...)
	dup.Resources = append([]string(nil), r.Resources...)
	return &dup
}

// RuleBuilder provides a fluent API for creating rules.
type RuleBuilder struct {
	r   *Rule
	err error
}

func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{r: &Rule{Effect: EffectAllow}}
}

func (b *RuleBuilder) ID(id string) *RuleBuilder        { b.r.ID = id; return b }
func (b *RuleBuilder) Tenant(t string) *RuleBuilder     { b.r.TenantID = t; return b }
func (b *RuleBuilder) Allow() *RuleBuilder              { b.r.Effect = EffectAllow; return b }
func (b *RuleBuilder) Deny() *RuleBuilder               { b.r.Effect = EffectDeny; return b }
func (b *RuleBuilder) Describe(d string) *RuleBuilder   { b.r.Description = d; return b }
func (b *RuleBuilder) Actions(a ...string) *RuleBuilder { b.r.Actions = append(b.r.Actions, a...); return b }
func (b *RuleBuilder) Resources(res ...string) *RuleBuilder {
	b.r.Resources = append(b.r.Resources, res...)
	return b
}

// When attaches a condition; validation errors surface from Build.
func (b *RuleBuilder) When(e Expr) *RuleBuilder {
	c, err := NewCondition(e)
	if err != nil {
		b.err = err
		return b
	}
	b.r.Condition = c
	return b
}

// WhenJSON attaches a condition given in canonical or JSON-Logic form.
func (b *RuleBuilder) WhenJSON(src string) *RuleBuilder {
	c, err := ParseCondition([]byte(src))
	if err != nil {
		b.err = err
		return b
	}
	b.r.Condition = c
	return b
}

func (b *RuleBuilder) Build() (*Rule, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.r.Validate(); err != nil {
		return nil, err
	}
	return b.r, nil
}

// MustBuild panics on an invalid rule; intended for fixtures.
func (b *RuleBuilder) MustBuild() *Rule {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}
