package permit

import (
	"regexp"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/permit/utils"
)

// Matcher tests requested actions and resources against rule patterns.
// Compiled patterns are kept in a bounded ristretto cache; the cache only
// saves work and never changes a result.
type Matcher struct {
	cache *ristretto.Cache
}

// MatcherConfig sizes the compiled-pattern cache.
type MatcherConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// DefaultMatcherConfig fits a few thousand distinct patterns.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{NumCounters: 1 << 14, MaxCost: 1 << 12, BufferItems: 64}
}

// NewMatcher builds a Matcher. A zero MaxCost disables caching.
func NewMatcher(cfg MatcherConfig) (*Matcher, error) {
	if cfg.MaxCost <= 0 {
		return &Matcher{}, nil
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = cfg.MaxCost * 10
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,

		// costs count patterns, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Matcher{cache: cache}, nil
}

var defaultMatcher = func() *Matcher {
	m, err := NewMatcher(DefaultMatcherConfig())
	if err != nil {
		return &Matcher{}
	}
	return m
}()

// Match reports whether value matches pattern in its entirety.
func Match(pattern, value string) (bool, error) {
	return defaultMatcher.Match(pattern, value)
}

// Match reports whether value matches pattern in its entirety. A malformed
// pattern yields a *PatternError.
func (m *Matcher) Match(pattern, value string) (bool, error) {
	if utils.IsLiteral(pattern) {
		return pattern == value, nil
	}
	re, err := m.compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(value), nil
}

// matchAny reports whether any of patterns matches value. Every pattern is
// compiled even after a match so corrupt data is never masked by ordering.
func (m *Matcher) matchAny(ruleID string, patterns []string, value string) (bool, error) {
	matched := false
	for _, p := range patterns {
		ok, err := m.Match(p, value)
		if err != nil {
			if pe, isPE := err.(*PatternError); isPE {
				pe.RuleID = ruleID
			}
			return false, err
		}
		matched = matched || ok
	}
	return matched, nil
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	if m.cache != nil {
		if v, ok := m.cache.Get(pattern); ok {
			return v.(*regexp.Regexp), nil
		}
	}
	re, err := utils.CompilePattern(pattern)
	if err != nil {
		return nil, &PatternError{Pattern: pattern, Err: err}
	}
	if m.cache != nil {
		m.cache.Set(pattern, re, 1)
	}
	return re, nil
}

// Close releases the cache goroutines.
func (m *Matcher) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}
