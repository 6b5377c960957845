package permit

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// CONDITION EXPRESSIONS
// ============================================================================

// ExprKind tags the variant of an expression node.
type ExprKind string

const (
	KindLiteral ExprKind = "literal"
	KindVar     ExprKind = "var"
	KindCompare ExprKind = "compare"
	KindAnd     ExprKind = "and"
	KindOr      ExprKind = "or"
	KindNot     ExprKind = "not"
)

// Expr is a node of a condition tree. The set of implementations is closed:
// *Literal, *Var, *Compare, *And, *Or and *Not.
type Expr interface {
	Kind() ExprKind
	String() string
	eval(env map[string]any) any
}

// CompareOp is a binary comparison operator.
type CompareOp string

const (
	OpEq  CompareOp = "=="
	OpNe  CompareOp = "!="
	OpLt  CompareOp = "<"
	OpLte CompareOp = "<="
	OpGt  CompareOp = ">"
	OpGte CompareOp = ">="
	OpIn  CompareOp = "in"
)

func (op CompareOp) valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	}
	return false
}

type absentValue struct{}

func (absentValue) String() string { return "<absent>" }

// Absent is what a variable lookup yields when the path does not exist in
// the context. It is distinct from an explicit nil.
var Absent any = absentValue{}

// IsAbsent reports whether v is the Absent sentinel.
func IsAbsent(v any) bool {
	_, ok := v.(absentValue)
	return ok
}

// Literal is a constant value.
type Literal struct {
	Value any
}

func Lit(v any) *Literal { return &Literal{Value: normalizeValue(v)} }

func (e *Literal) Kind() ExprKind { return KindLiteral }

func (e *Literal) eval(map[string]any) any { return e.Value }

func (e *Literal) String() string { return formatValue(e.Value) }

// Var looks up a dotted path in the evaluation context.
type Var struct {
	Path string
}

func V(path string) *Var { return &Var{Path: path} }

func (e *Var) Kind() ExprKind { return KindVar }

func (e *Var) eval(env map[string]any) any { return Lookup(env, e.Path) }

func (e *Var) String() string { return e.Path }

// Compare applies Op to the values of Left and Right.
type Compare struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

func Cmp(left Expr, op CompareOp, right Expr) *Compare {
	return &Compare{Op: op, Left: left, Right: right}
}

// Eq is shorthand for comparing a context path against a constant.
func Eq(path string, value any) *Compare { return Cmp(V(path), OpEq, Lit(value)) }

func (e *Compare) Kind() ExprKind { return KindCompare }

func (e *Compare) eval(env map[string]any) any {
	return compareValues(e.Op, e.Left.eval(env), e.Right.eval(env))
}

func (e *Compare) String() string {
	return fmt.Sprintf("%s %s %s", e.Left.String(), e.Op, e.Right.String())
}

// And is true when every argument is true. Evaluation stops at the first
// argument that is not.
type And struct {
	Args []Expr
}

func AllOf(args ...Expr) *And { return &And{Args: args} }

func (e *And) Kind() ExprKind { return KindAnd }

func (e *And) eval(env map[string]any) any {
	for _, a := range e.Args {
		if !isTrue(a.eval(env)) {
			return false
		}
	}
	return true
}

func (e *And) String() string { return joinExprs(e.Args, " AND ") }

// Or is true when any argument is true.
type Or struct {
	Args []Expr
}

func AnyOf(args ...Expr) *Or { return &Or{Args: args} }

func (e *Or) Kind() ExprKind { return KindOr }

func (e *Or) eval(env map[string]any) any {
	for _, a := range e.Args {
		if isTrue(a.eval(env)) {
			return true
		}
	}
	return false
}

func (e *Or) String() string { return joinExprs(e.Args, " OR ") }

// Not negates its argument.
type Not struct {
	Arg Expr
}

func Negate(arg Expr) *Not { return &Not{Arg: arg} }

func (e *Not) Kind() ExprKind { return KindNot }

func (e *Not) eval(env map[string]any) any { return !isTrue(e.Arg.eval(env)) }

func (e *Not) String() string { return "NOT " + e.Arg.String() }

func joinExprs(args []Expr, sep string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Evaluate runs a validated expression against env. Only a boolean true
// result counts as satisfied; a nil expression is never satisfied.
func Evaluate(e Expr, env map[string]any) bool {
	if e == nil {
		return false
	}
	return isTrue(e.eval(env))
}

// Validate checks that e is a finite tree of known nodes with correct arity.
// Shared subtrees are allowed, cycles are not.
func Validate(e Expr) error {
	return validateExpr(e, "$", make(map[Expr]bool))
}

func validateExpr(e Expr, path string, onStack map[Expr]bool) error {
	if e == nil {
		return conditionErrorf(path, "nil expression")
	}
	if onStack[e] {
		return conditionErrorf(path, "cycle detected")
	}
	onStack[e] = true
	defer delete(onStack, e)

	switch v := e.(type) {
	case *Literal:
		if v == nil {
			return conditionErrorf(path, "nil expression")
		}
		return nil
	case *Var:
		if v == nil {
			return conditionErrorf(path, "nil expression")
		}
		return nil
	case *Compare:
		if v == nil {
			return conditionErrorf(path, "nil expression")
		}
		if !v.Op.valid() {
			return conditionErrorf(path, "unknown comparison operator %q", v.Op)
		}
		if err := validateExpr(v.Left, path+".left", onStack); err != nil {
			return err
		}
		return validateExpr(v.Right, path+".right", onStack)
	case *And:
		if v == nil {
			return conditionErrorf(path, "nil expression")
		}
		return validateArgs(v.Args, path, onStack)
	case *Or:
		if v == nil {
			return conditionErrorf(path, "nil expression")
		}
		return validateArgs(v.Args, path, onStack)
	case *Not:
		if v == nil {
			return conditionErrorf(path, "nil expression")
		}
		return validateExpr(v.Arg, path+".arg", onStack)
	default:
		return conditionErrorf(path, "unknown expression type %T", e)
	}
}

func validateArgs(args []Expr, path string, onStack map[Expr]bool) error {
	if len(args) == 0 {
		return conditionErrorf(path, "needs at least one argument")
	}
	for i, a := range args {
		if err := validateExpr(a, fmt.Sprintf("%s.args[%d]", path, i), onStack); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// CONTEXT LOOKUP AND COMPARISON
// ============================================================================

// Lookup resolves a dotted path ("fee.amount", "items.0") in env. Missing
// keys, out-of-range indexes and traversal through scalars yield Absent.
func Lookup(env map[string]any, path string) any {
	if path == "" {
		return env
	}
	var cur any = env
	for _, seg := range strings.Split(path, ".") {
		next, ok := child(cur, seg)
		if !ok {
			return Absent
		}
		cur = next
	}
	return cur
}

func child(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case map[string]string:
		v, ok := c[seg]
		return v, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// compareValues implements the comparison table. Absent equals only Absent;
// any other comparison involving Absent is false, including !=.
func compareValues(op CompareOp, l, r any) bool {
	la, ra := IsAbsent(l), IsAbsent(r)
	if la || ra {
		return op == OpEq && la && ra
	}
	switch op {
	case OpEq:
		return equalValues(l, r)
	case OpNe:
		return !equalValues(l, r)
	case OpIn:
		return contains(r, l)
	}
	c, ok := orderValues(l, r)
	if !ok {
		return false
	}
	switch op {
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	return reflect.DeepEqual(a, b)
}

// orderValues compares numbers with numbers, strings with strings and times
// with times. Any other pairing is unordered.
func orderValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok || af != af || bf != bf {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), true
		}
	}
	return 0, false
}

func contains(set, v any) bool {
	switch s := set.(type) {
	case string:
		vs, ok := v.(string)
		return ok && strings.Contains(s, vs)
	case []any:
		for _, it := range s {
			if equalValues(v, normalizeValue(it)) {
				return true
			}
		}
		return false
	case nil:
		return false
	}
	rv := reflect.ValueOf(set)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equalValues(v, normalizeValue(rv.Index(i).Interface())) {
			return true
		}
	}
	return false
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case nil:
		return "null"
	}
	return fmt.Sprintf("%v", v)
}
