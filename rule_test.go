package permit

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRuleValidate(t *testing.T) {
	base := func() *Rule {
		return &Rule{ID: "r", TenantID: "t", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"doc"}}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	broken := map[string]func(r *Rule){
		"no tenant":    func(r *Rule) { r.TenantID = "" },
		"no actions":   func(r *Rule) { r.Actions = nil },
		"no resources": func(r *Rule) { r.Resources = []string{} },
		"bad effect":   func(r *Rule) { r.Effect = "maybe" },
	}
	for name, mutate := range broken {
		r := base()
		mutate(r)
		if err := r.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("%s: expected ErrInvalidRule, got %v", name, err)
		}
	}

	r := base()
	r.Actions = []string{`read\`}
	var pe *PatternError
	if err := r.Validate(); !errors.As(err, &pe) || pe.RuleID != "r" {
		t.Fatalf("expected PatternError, got %v", err)
	}
}

func TestRuleValidateAgreesWithCheck(t *testing.T) {
	r := &Rule{ID: "r", TenantID: "t", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"doc:*\xff"}}
	var pe *PatternError
	if err := r.Validate(); !errors.As(err, &pe) {
		t.Fatalf("Validate should reject an uncompilable pattern, got %v", err)
	}
	if _, err := Check([]*Rule{r}, "read", "doc:1", "t", nil); !errors.As(err, &pe) {
		t.Fatalf("Check should reject it too, got %v", err)
	}
}

func TestParseEffect(t *testing.T) {
	for in, want := range map[string]Effect{"allow": EffectAllow, "Allow": EffectAllow, " DENY ": EffectDeny} {
		got, err := ParseEffect(in)
		if err != nil || got != want {
			t.Fatalf("ParseEffect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseEffect("permit"); err == nil {
		t.Fatalf("expected error for unknown effect")
	}

	var r Rule
	if err := json.Unmarshal([]byte(`{"tenant_id":"s1","effect":"Deny","actions":["*"],"resources":["*"]}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Effect != EffectDeny {
		t.Fatalf("effect not normalized: %q", r.Effect)
	}
}

func TestRuleChecksum(t *testing.T) {
	a := NewRuleBuilder().ID("a").Tenant("t").Actions("read").Resources("doc").When(Eq("x", 1)).MustBuild()
	b := a.Clone()
	b.ID = "b"
	b.Description = "ignored by checksum"
	if a.Checksum() != b.Checksum() {
		t.Fatalf("checksum should cover evaluation fields only")
	}
	b.Resources = []string{"img"}
	if a.Checksum() == b.Checksum() {
		t.Fatalf("checksum should change with resources")
	}
	c := a.Clone()
	c.Condition = MustCondition(Eq("x", 2))
	if a.Checksum() == c.Checksum() {
		t.Fatalf("checksum should change with condition")
	}
}

func TestRuleCloneIsIndependent(t *testing.T) {
	a := NewRuleBuilder().ID("a").Tenant("t").Actions("read").Resources("doc").MustBuild()
	b := a.Clone()
	b.Actions[0] = "write"
	b.Resources = append(b.Resources, "img")
	if a.Actions[0] != "read" || len(a.Resources) != 1 {
		t.Fatalf("clone shares slices with original: %+v", a)
	}
}

func TestRuleBuilderErrors(t *testing.T) {
	if _, err := NewRuleBuilder().ID("x").Tenant("t").Actions("read").Resources("doc").WhenJSON(`{"nope":[]}`).Build(); err == nil {
		t.Fatalf("expected condition error")
	}
	if _, err := NewRuleBuilder().ID("x").Tenant("t").Actions("read").Resources("doc").When(AllOf()).Build(); err == nil {
		t.Fatalf("expected validation error for empty and")
	}
	if _, err := NewRuleBuilder().ID("x").Actions("read").Resources("doc").Build(); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected missing tenant error, got %v", err)
	}
	r := NewRuleBuilder().ID("d").Tenant("t").Deny().Describe("no deletes").Actions("delete").Resources("*").MustBuild()
	if r.Effect != EffectDeny || r.Description != "no deletes" {
		t.Fatalf("unexpected rule %+v", r)
	}
}
