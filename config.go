package permit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a complete, file-loadable rule set.
type Config struct {
	Version uint16         `json:"version" yaml:"version"`
	Tenants []TenantConfig `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	Rules   []*Rule        `json:"rules" yaml:"rules"`
	Engine  EngineConfig   `json:"engine" yaml:"engine"`
}

type TenantConfig struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

type EngineConfig struct {
	PatternCacheCounters int64 `json:"pattern_cache_counters,omitempty" yaml:"pattern_cache_counters,omitempty"`
	PatternCacheMaxCost  int64 `json:"pattern_cache_max_cost,omitempty" yaml:"pattern_cache_max_cost,omitempty"`
	AuditBuffer          int   `json:"audit_buffer,omitempty" yaml:"audit_buffer,omitempty"`
	RuleCacheTTL         int64 `json:"rule_cache_ttl_ms,omitempty" yaml:"rule_cache_ttl_ms,omitempty"`
}

// RuleCacheDuration is RuleCacheTTL as a time.Duration; zero disables caching.
func (c EngineConfig) RuleCacheDuration() time.Duration {
	return time.Duration(c.RuleCacheTTL) * time.Millisecond
}

// Options translates the settings into EngineOptions. Unset fields keep the
// engine defaults.
func (c EngineConfig) Options() ([]EngineOption, error) {
	var opts []EngineOption
	if c.PatternCacheCounters > 0 || c.PatternCacheMaxCost > 0 {
		mc := DefaultMatcherConfig()
		if c.PatternCacheCounters > 0 {
			mc.NumCounters = c.PatternCacheCounters
		}
		if c.PatternCacheMaxCost > 0 {
			mc.MaxCost = c.PatternCacheMaxCost
		}
		m, err := NewMatcher(mc)
		if err != nil {
			return nil, fmt.Errorf("pattern cache: %w", err)
		}
		opts = append(opts, WithMatcher(m))
	}
	if c.AuditBuffer > 0 {
		opts = append(opts, WithAuditBuffer(c.AuditBuffer))
	}
	return opts, nil
}

// Config file formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatDSL  = "rules"
)

// FormatFromPath picks a format from a file extension.
func FormatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".rules", ".dsl":
		return FormatDSL, nil
	}
	return "", fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadDSL(data []byte) (*Config, error) {
	return NewDSLParser().Parse(data)
}

// Load decodes data in the given format and validates the result.
func (l *ConfigLoader) Load(data []byte, format string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	switch format {
	case FormatYAML:
		cfg, err = l.LoadYAML(data)
	case FormatJSON:
		cfg, err = l.LoadJSON(data)
	case FormatDSL:
		cfg, err = l.LoadDSL(data)
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads and validates a YAML, JSON or DSL file.
func LoadConfigFile(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := NewConfigLoader().Load(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func (c *Config) ToDSL() ([]byte, error) {
	return NewDSLEncoder().Encode(c)
}

// Encode renders the config in the given format.
func (c *Config) Encode(format string) ([]byte, error) {
	switch format {
	case FormatYAML:
		return c.ToYAML()
	case FormatJSON:
		return c.ToJSON()
	case FormatDSL:
		return c.ToDSL()
	}
	return nil, fmt.Errorf("unknown config format %q", format)
}

// Validate checks every rule, rejects duplicate ids and, when tenants are
// declared, rules naming an undeclared tenant.
func (c *Config) Validate() error {
	declared := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return errors.New("tenant with empty id")
		}
		declared[t.ID] = true
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r == nil {
			return fmt.Errorf("rule %d: %w: nil rule", i, ErrInvalidRule)
		}
		if r.ID == "" {
			return fmt.Errorf("rule %d: %w: id is required", i, ErrInvalidRule)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		if err := r.Validate(); err != nil {
			return err
		}
		if len(declared) > 0 && !declared[r.TenantID] {
			return fmt.Errorf("%w %s: tenant %q is not declared", ErrInvalidRule, r.ID, r.TenantID)
		}
	}
	return nil
}

// Store returns the config's rules as a read-only RuleStore.
func (c *Config) Store() RuleStore {
	return StaticRuleStore(c.Rules)
}

// ApplyConfig upserts every rule of cfg into repo. A rule id already owned by
// another tenant is rejected before anything is written.
func ApplyConfig(ctx context.Context, repo RuleRepository, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := checkRuleOwnership(ctx, repo, cfg.Rules); err != nil {
		return err
	}
	for _, r := range cfg.Rules {
		_, err := repo.GetRule(ctx, r.ID)
		switch {
		case errors.Is(err, ErrRuleNotFound):
			if err := repo.CreateRule(ctx, r.Clone()); err != nil {
				return fmt.Errorf("create rule %s: %w", r.ID, err)
			}
		case err != nil:
			return fmt.Errorf("get rule %s: %w", r.ID, err)
		default:
			if err := repo.UpdateRule(ctx, r.Clone()); err != nil {
				return fmt.Errorf("update rule %s: %w", r.ID, err)
			}
		}
	}
	return nil
}

// checkRuleOwnership fails when a stored rule with the same id as one of rules
// belongs to a different tenant.
func checkRuleOwnership(ctx context.Context, repo RuleRepository, rules []*Rule) error {
	for _, r := range rules {
		existing, err := repo.GetRule(ctx, r.ID)
		switch {
		case errors.Is(err, ErrRuleNotFound):
		case err != nil:
			return fmt.Errorf("get rule %s: %w", r.ID, err)
		case existing.TenantID != r.TenantID:
			return fmt.Errorf("%w %s: id is owned by tenant %q, not %q", ErrInvalidRule, r.ID, existing.TenantID, r.TenantID)
		}
	}
	return nil
}
