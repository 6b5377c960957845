package permit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DSL Syntax:
// tenant <id> ["name"]
// allow <id> <tenant> <actions> <resources> [desc:"text"] [when <condition-json>]
// deny  <id> <tenant> <actions> <resources> [desc:"text"] [when <condition-json>]
// engine <key>=<value>...
//
// actions and resources are comma separated patterns. Everything after the
// "when" keyword is the condition, in canonical or JSON-Logic form.

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Version: 1,
		Tenants: make([]TenantConfig, 0, 4),
		Rules:   make([]*Rule, 0, 16),
	}

	p.line = 0
	for _, raw := range bytes.Split(data, []byte("\n")) {
		p.line++
		line := strings.TrimSpace(string(raw))
		if line == "" || line[0] == '#' {
			continue
		}
		directive, rest := cutToken(line)
		var err error
		switch directive {
		case "tenant":
			err = p.parseTenant(cfg, rest)
		case "allow", "deny":
			err = p.parseRule(cfg, Effect(directive), rest)
		case "engine":
			err = p.parseEngine(cfg, rest)
		default:
			err = fmt.Errorf("unknown directive: %s", directive)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", p.line, err)
		}
	}
	return cfg, nil
}

// cutToken splits off the first whitespace-delimited word.
func cutToken(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

// splitFields tokenizes s on whitespace, keeping double-quoted runs together.
// It stops at a bare "when" token and returns the remainder untouched.
func splitFields(s string) (fields []string, cond string, err error) {
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return fields, "", nil
		}
		tok, rest := cutToken(s)
		if tok == "when" {
			return fields, rest, nil
		}
		if q := strings.IndexByte(tok, '"'); q >= 0 {
			end := closingQuote(s, q)
			if end < 0 {
				return nil, "", fmt.Errorf("unterminated quote")
			}
			quoted := s[:end+1]
			unq, err := strconv.Unquote(quoted[q:])
			if err != nil {
				return nil, "", fmt.Errorf("bad quoted value %s: %w", quoted[q:], err)
			}
			fields = append(fields, quoted[:q]+unq)
			s = s[len(quoted):]
			continue
		}
		fields = append(fields, tok)
		s = rest
	}
}

// closingQuote returns the index of the quote closing the one at open,
// honoring backslash escapes, or -1.
func closingQuote(s string, open int) int {
	for i := open + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func (p *DSLParser) parseTenant(cfg *Config, rest string) error {
	parts, _, err := splitFields(rest)
	if err != nil {
		return err
	}
	if len(parts) < 1 || len(parts) > 2 {
		return fmt.Errorf("tenant requires: <id> [\"name\"]")
	}
	t := TenantConfig{ID: parts[0]}
	if len(parts) == 2 {
		t.Name = parts[1]
	}
	cfg.Tenants = append(cfg.Tenants, t)
	return nil
}

func (p *DSLParser) parseRule(cfg *Config, effect Effect, rest string) error {
	parts, cond, err := splitFields(rest)
	if err != nil {
		return err
	}
	if len(parts) < 4 {
		return fmt.Errorf("%s requires: <id> <tenant> <actions> <resources> [desc:\"text\"] [when <condition>]", effect)
	}
	r := &Rule{
		ID:        parts[0],
		TenantID:  parts[1],
		Effect:    effect,
		Actions:   parseList(parts[2]),
		Resources: parseList(parts[3]),
	}
	for _, opt := range parts[4:] {
		if d, ok := strings.CutPrefix(opt, "desc:"); ok {
			r.Description = d
			continue
		}
		return fmt.Errorf("unexpected token %q", opt)
	}
	if cond != "" {
		c, err := ParseCondition([]byte(cond))
		if err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		r.Condition = c
	}
	cfg.Rules = append(cfg.Rules, r)
	return nil
}

func (p *DSLParser) parseEngine(cfg *Config, rest string) error {
	parts, _, err := splitFields(rest)
	if err != nil {
		return err
	}
	for _, kv := range parts {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("engine setting %q is not key=value", kv)
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("engine %s: %w", key, err)
		}
		switch key {
		case "pattern_cache_counters":
			cfg.Engine.PatternCacheCounters = n
		case "pattern_cache_max_cost":
			cfg.Engine.PatternCacheMaxCost = n
		case "audit_buffer":
			cfg.Engine.AuditBuffer = int(n)
		case "rule_cache_ttl_ms":
			cfg.Engine.RuleCacheTTL = n
		default:
			return fmt.Errorf("unknown engine setting %q", key)
		}
	}
	return nil
}

func parseList(s string) []string {
	out := make([]string, 0, 2)
	for _, it := range strings.Split(s, ",") {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

// Encode writes cfg in DSL form. Patterns that cannot be represented (commas,
// quotes or whitespace) are rejected.
func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]

	for _, t := range cfg.Tenants {
		e.buf = append(e.buf, "tenant "...)
		e.buf = append(e.buf, t.ID...)
		if t.Name != "" {
			e.buf = append(e.buf, ' ')
			e.buf = strconv.AppendQuote(e.buf, t.Name)
		}
		e.buf = append(e.buf, '\n')
	}

	if ec := cfg.Engine; ec != (EngineConfig{}) {
		e.buf = append(e.buf, "engine"...)
		e.appendSetting("pattern_cache_counters", ec.PatternCacheCounters)
		e.appendSetting("pattern_cache_max_cost", ec.PatternCacheMaxCost)
		e.appendSetting("audit_buffer", int64(ec.AuditBuffer))
		e.appendSetting("rule_cache_ttl_ms", ec.RuleCacheTTL)
		e.buf = append(e.buf, '\n')
	}

	for _, r := range cfg.Rules {
		e.buf = append(e.buf, r.Effect...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, r.ID...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, r.TenantID...)
		for _, list := range [][]string{r.Actions, r.Resources} {
			e.buf = append(e.buf, ' ')
			for i, pat := range list {
				if strings.ContainsAny(pat, ", \t\"") {
					return nil, fmt.Errorf("rule %s: pattern %q cannot be written as DSL", r.ID, pat)
				}
				if i > 0 {
					e.buf = append(e.buf, ',')
				}
				e.buf = append(e.buf, pat...)
			}
		}
		if r.Description != "" {
			e.buf = append(e.buf, " desc:"...)
			e.buf = strconv.AppendQuote(e.buf, r.Description)
		}
		if r.Condition != nil {
			cond, err := json.Marshal(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			e.buf = append(e.buf, " when "...)
			e.buf = append(e.buf, cond...)
		}
		e.buf = append(e.buf, '\n')
	}
	return e.buf, nil
}

func (e *DSLEncoder) appendSetting(key string, v int64) {
	if v == 0 {
		return
	}
	e.buf = append(e.buf, ' ')
	e.buf = append(e.buf, key...)
	e.buf = append(e.buf, '=')
	e.buf = strconv.AppendInt(e.buf, v, 10)
}
