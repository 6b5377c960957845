package permit

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Tenants: []TenantConfig{},
			Rules:   []*Rule{},
			Engine: EngineConfig{
				AuditBuffer: defaultAuditBuffer,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddTenant(id, name string) *ConfigBuilder {
	b.cfg.Tenants = append(b.cfg.Tenants, TenantConfig{ID: id, Name: name})
	return b
}

func (b *ConfigBuilder) AddRule(rules ...*Rule) *ConfigBuilder {
	b.cfg.Rules = append(b.cfg.Rules, rules...)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

// Build validates and returns the config.
func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	return b.cfg, nil
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
