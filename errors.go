package permit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRule wraps structural validation failures of a Rule.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrRuleNotFound is returned by repositories when a rule id is unknown.
	ErrRuleNotFound = errors.New("rule not found")
)

// PatternError reports an action or resource pattern that cannot be compiled.
// It means the stored authorization data is corrupt; callers must deny.
type PatternError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("malformed pattern %q: %v", e.Pattern, e.Err)
	}
	return fmt.Sprintf("rule %s: malformed pattern %q: %v", e.RuleID, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// ConditionError reports a condition tree that cannot take part in evaluation:
// an unknown tag, a wrong operand count, a nil node or a cycle.
type ConditionError struct {
	Path   string
	Reason string
}

func (e *ConditionError) Error() string {
	if e.Path == "" {
		return "malformed condition: " + e.Reason
	}
	return fmt.Sprintf("malformed condition at %s: %s", e.Path, e.Reason)
}

func conditionErrorf(path, format string, args ...any) *ConditionError {
	return &ConditionError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
