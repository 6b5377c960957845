package permit

import (
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseConditionCanonical(t *testing.T) {
	src := `{"type":"and","args":[
		{"type":"compare","op":"==","left":{"type":"var","path":"fee.amount"},"right":{"type":"literal","value":0}},
		{"type":"not","arg":{"type":"compare","op":"in","left":{"type":"var","path":"role"},"right":{"type":"literal","value":["guest"]}}}
	]}`
	c, err := ParseCondition([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !c.Evaluate(map[string]any{"fee": map[string]any{"amount": 0}, "role": "admin"}) {
		t.Fatalf("expected condition to hold")
	}
	if c.Evaluate(map[string]any{"fee": map[string]any{"amount": 0}, "role": "guest"}) {
		t.Fatalf("guest should be excluded")
	}
}

func TestParseConditionJSONLogic(t *testing.T) {
	cases := []struct {
		src  string
		env  map[string]any
		want bool
	}{
		{`{"==":[{"var":"amount"},0]}`, map[string]any{"amount": 0}, true},
		{`{"<":[{"var":"amount"},100]}`, map[string]any{"amount": 150}, false},
		{`{"and":[{">=":[{"var":"n"},1]},{"<=":[{"var":"n"},3]}]}`, map[string]any{"n": 2}, true},
		{`{"or":[{"==":[{"var":"a"},1]},{"==":[{"var":"b"},1]}]}`, map[string]any{"b": 1}, true},
		{`{"!":{"==":[{"var":"a"},1]}}`, map[string]any{"a": 2}, true},
		{`{"!":[{"==":[{"var":"a"},1]}]}`, map[string]any{"a": 1}, false},
		{`{"in":["ops",{"var":"roles"}]}`, map[string]any{"roles": []any{"ops"}}, true},
		{`{"var":["flag"]}`, map[string]any{"flag": true}, true},
		{`true`, nil, true},
		{`1`, nil, false},
	}
	for _, c := range cases {
		cond, err := ParseCondition([]byte(c.src))
		if err != nil {
			t.Fatalf("%s: %v", c.src, err)
		}
		if got := cond.Evaluate(c.env); got != c.want {
			t.Errorf("%s: got %v want %v", c.src, got, c.want)
		}
	}
}

func TestParseConditionErrors(t *testing.T) {
	bad := []string{
		`{"type":"bogus"}`,
		`{"type":"compare","op":"~","left":1,"right":2}`,
		`{"type":"compare","op":"==","left":1}`,
		`{"type":"and","args":[]}`,
		`{"type":"var"}`,
		`{"==":[1]}`,
		`{"var":["a",0]}`,
		`{"unknown":[1,2]}`,
		`{"a":1,"b":2}`,
		`{"==":[1,1]} {}`,
		`{`,
	}
	for _, src := range bad {
		_, err := ParseCondition([]byte(src))
		var ce *ConditionError
		if !errors.As(err, &ce) {
			t.Errorf("%s: expected ConditionError, got %v", src, err)
		}
	}
}

func TestConditionCanonicalRoundTrip(t *testing.T) {
	orig := MustCondition(AllOf(
		Cmp(V("amount"), OpLt, Lit(100)),
		AnyOf(Eq("region", "eu"), Negate(Eq("vip", true))),
	))
	b, err := orig.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParseCondition(b)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	again, err := back.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal again: %v", err)
	}
	if string(b) != string(again) {
		t.Fatalf("canonical form not stable:\n%s\n%s", b, again)
	}
	if orig.String() != back.String() {
		t.Fatalf("string form changed: %s vs %s", orig, back)
	}
	if !strings.Contains(string(b), `"type":"compare"`) {
		t.Fatalf("expected tagged nodes, got %s", b)
	}
}

func TestConditionYAML(t *testing.T) {
	var holder struct {
		When *Condition `yaml:"when"`
	}
	src := `
when:
  and:
    - "<": [{var: amount}, 100]
    - type: compare
      op: "=="
      left: {type: var, path: currency}
      right: {type: literal, value: EUR}
`
	if err := yaml.Unmarshal([]byte(src), &holder); err != nil {
		t.Fatalf("yaml decode: %v", err)
	}
	if !holder.When.Evaluate(map[string]any{"amount": 10, "currency": "EUR"}) {
		t.Fatalf("expected condition to hold")
	}
	out, err := yaml.Marshal(holder)
	if err != nil {
		t.Fatalf("yaml encode: %v", err)
	}
	var again struct {
		When *Condition `yaml:"when"`
	}
	if err := yaml.Unmarshal(out, &again); err != nil {
		t.Fatalf("yaml re-decode: %v\n%s", err, out)
	}
	if again.When.String() != holder.When.String() {
		t.Fatalf("yaml round trip changed condition: %s vs %s", again.When, holder.When)
	}
}
