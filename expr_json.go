package permit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// Condition is the serializable holder of a rule's expression tree. A
// Condition is always validated when built through NewCondition or decoded.
//
// The canonical encoding is a tagged object per node:
//
//	{"type":"literal","value":0}
//	{"type":"var","path":"fee.amount"}
//	{"type":"compare","op":"==","left":{...},"right":{...}}
//	{"type":"and","args":[...]}  {"type":"or","args":[...]}
//	{"type":"not","arg":{...}}
//
// Decoding also accepts JSON-Logic shorthand such as
// {"==":[{"var":"amount"},0]}, {"and":[...]} and {"!":{...}}.
type Condition struct {
	Expr Expr
}

// NewCondition validates e and wraps it.
func NewCondition(e Expr) (*Condition, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	return &Condition{Expr: e}, nil
}

// MustCondition is NewCondition for statically known trees.
func MustCondition(e Expr) *Condition {
	c, err := NewCondition(e)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCondition decodes a JSON condition in canonical or JSON-Logic form.
func ParseCondition(data []byte) (*Condition, error) {
	e, err := ParseExpr(data)
	if err != nil {
		return nil, err
	}
	return &Condition{Expr: e}, nil
}

// Evaluate reports whether the condition holds in env.
func (c *Condition) Evaluate(env map[string]any) bool {
	if c == nil {
		return false
	}
	return Evaluate(c.Expr, env)
}

func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	return Validate(c.Expr)
}

func (c *Condition) String() string {
	if c == nil || c.Expr == nil {
		return "true"
	}
	return c.Expr.String()
}

func (c *Condition) MarshalJSON() ([]byte, error) {
	m, err := exprToMap(c.Expr)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	e, err := ParseExpr(data)
	if err != nil {
		return err
	}
	c.Expr = e
	return nil
}

func (c *Condition) MarshalYAML() (any, error) {
	return exprToMap(c.Expr)
}

func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	e, err := ExprFromValue(raw)
	if err != nil {
		return err
	}
	c.Expr = e
	return nil
}

// ParseExpr decodes and validates a JSON expression.
func ParseExpr(data []byte) (Expr, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &ConditionError{Reason: "invalid json: " + err.Error()}
	}
	if dec.More() {
		return nil, &ConditionError{Reason: "trailing data after condition"}
	}
	return ExprFromValue(raw)
}

// ExprFromValue builds an expression from a generic decoded tree (the output
// of encoding/json or yaml.v3) and validates it.
func ExprFromValue(raw any) (Expr, error) {
	e, err := buildExpr(raw, "$")
	if err != nil {
		return nil, err
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarshalExpr encodes e in canonical form.
func MarshalExpr(e Expr) ([]byte, error) {
	m, err := exprToMap(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

var logicCompareOps = map[string]CompareOp{
	"==":  OpEq,
	"===": OpEq,
	"!=":  OpNe,
	"!==": OpNe,
	"<":   OpLt,
	"<=":  OpLte,
	">":   OpGt,
	">=":  OpGte,
	"in":  OpIn,
}

func buildExpr(raw any, path string) (Expr, error) {
	obj, isObj := asObject(raw)
	if !isObj {
		return Lit(raw), nil
	}
	if t, ok := obj["type"]; ok {
		return buildTagged(obj, t, path)
	}
	if len(obj) != 1 {
		return nil, conditionErrorf(path, "object must have a \"type\" field or exactly one operator key")
	}
	var op string
	var arg any
	for k, v := range obj {
		op, arg = k, v
	}
	return buildLogic(op, arg, path+"."+op)
}

func buildTagged(obj map[string]any, tag any, path string) (Expr, error) {
	kind, _ := tag.(string)
	switch ExprKind(kind) {
	case KindLiteral:
		v, ok := obj["value"]
		if !ok {
			return nil, conditionErrorf(path, "literal without value")
		}
		return Lit(v), nil
	case KindVar:
		p, ok := obj["path"].(string)
		if !ok {
			return nil, conditionErrorf(path, "var needs a string path")
		}
		return V(p), nil
	case KindCompare:
		opName, _ := obj["op"].(string)
		op := CompareOp(opName)
		if !op.valid() {
			return nil, conditionErrorf(path, "unknown comparison operator %q", opName)
		}
		l, ok := obj["left"]
		if !ok {
			return nil, conditionErrorf(path, "compare without left operand")
		}
		r, ok := obj["right"]
		if !ok {
			return nil, conditionErrorf(path, "compare without right operand")
		}
		left, err := buildExpr(l, path+".left")
		if err != nil {
			return nil, err
		}
		right, err := buildExpr(r, path+".right")
		if err != nil {
			return nil, err
		}
		return Cmp(left, op, right), nil
	case KindAnd, KindOr:
		list, ok := obj["args"].([]any)
		if !ok {
			return nil, conditionErrorf(path, "%s needs an args array", kind)
		}
		args, err := buildList(list, path+".args")
		if err != nil {
			return nil, err
		}
		if ExprKind(kind) == KindAnd {
			return AllOf(args...), nil
		}
		return AnyOf(args...), nil
	case KindNot:
		a, ok := obj["arg"]
		if !ok {
			return nil, conditionErrorf(path, "not without arg")
		}
		arg, err := buildExpr(a, path+".arg")
		if err != nil {
			return nil, err
		}
		return Negate(arg), nil
	}
	return nil, conditionErrorf(path, "unknown expression type %v", tag)
}

func buildLogic(op string, arg any, path string) (Expr, error) {
	if op == "var" {
		switch v := arg.(type) {
		case string:
			return V(v), nil
		case []any:
			if len(v) == 1 {
				if s, ok := v[0].(string); ok {
					return V(s), nil
				}
			}
			return nil, conditionErrorf(path, "var takes a single path (defaults are not supported)")
		}
		if n, ok := normalizeValue(arg).(int64); ok {
			return V(fmt.Sprint(n)), nil
		}
		return nil, conditionErrorf(path, "var needs a string path")
	}
	if cop, ok := logicCompareOps[op]; ok {
		list, ok := arg.([]any)
		if !ok || len(list) != 2 {
			return nil, conditionErrorf(path, "%s takes exactly two operands", op)
		}
		args, err := buildList(list, path)
		if err != nil {
			return nil, err
		}
		return Cmp(args[0], cop, args[1]), nil
	}
	switch op {
	case "and", "or":
		list, ok := arg.([]any)
		if !ok {
			return nil, conditionErrorf(path, "%s needs an operand array", op)
		}
		args, err := buildList(list, path)
		if err != nil {
			return nil, err
		}
		if op == "and" {
			return AllOf(args...), nil
		}
		return AnyOf(args...), nil
	case "!", "not":
		if list, ok := arg.([]any); ok {
			if len(list) != 1 {
				return nil, conditionErrorf(path, "%s takes exactly one operand", op)
			}
			arg = list[0]
		}
		inner, err := buildExpr(arg, path+"[0]")
		if err != nil {
			return nil, err
		}
		return Negate(inner), nil
	}
	return nil, conditionErrorf(path, "unknown operator %q", op)
}

func buildList(list []any, path string) ([]Expr, error) {
	out := make([]Expr, len(list))
	for i, item := range list {
		e, err := buildExpr(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

func exprToMap(e Expr) (map[string]any, error) {
	switch v := e.(type) {
	case *Literal:
		return map[string]any{"type": string(KindLiteral), "value": v.Value}, nil
	case *Var:
		return map[string]any{"type": string(KindVar), "path": v.Path}, nil
	case *Compare:
		l, err := exprToMap(v.Left)
		if err != nil {
			return nil, err
		}
		r, err := exprToMap(v.Right)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": string(KindCompare), "op": string(v.Op), "left": l, "right": r}, nil
	case *And:
		args, err := exprsToMaps(v.Args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": string(KindAnd), "args": args}, nil
	case *Or:
		args, err := exprsToMaps(v.Args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": string(KindOr), "args": args}, nil
	case *Not:
		a, err := exprToMap(v.Arg)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": string(KindNot), "arg": a}, nil
	case nil:
		return nil, &ConditionError{Reason: "nil expression"}
	}
	return nil, &ConditionError{Reason: fmt.Sprintf("unknown expression type %T", e)}
}

func exprsToMaps(args []Expr) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		m, err := exprToMap(a)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// normalizeValue maps decoder-specific scalars onto a small set of types so
// literals survive JSON and YAML round trips unchanged: integers become
// int64, other numbers float64, and nested containers are normalized.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = normalizeValue(it)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			out[fmt.Sprint(k)] = normalizeValue(it)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			out[k] = normalizeValue(it)
		}
		return out
	}
	return v
}
