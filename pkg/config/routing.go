package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/routegate/pkg/circuit"
	"github.com/zen-systems/routegate/pkg/heuristics"
	"github.com/zen-systems/routegate/pkg/mode"
	"github.com/zen-systems/routegate/pkg/provider"
	"github.com/zen-systems/routegate/pkg/roles"
	"github.com/zen-systems/routegate/pkg/routing"
)

// ErrInvalidConfig is matched by every validation failure.
var ErrInvalidConfig = errors.New("invalid routing config")

// RoutingConfig holds the routing tables.
type RoutingConfig struct {
	Strategy       string                `yaml:"strategy" toml:"strategy"`
	Mode           string                `yaml:"mode" toml:"mode"`
	DefaultModel   string                `yaml:"default_model" toml:"default_model"`
	Override       string                `yaml:"override,omitempty" toml:"override"`
	Complexity     ComplexityConfig      `yaml:"complexity" toml:"complexity"`
	TierModels     TierModelsConfig      `yaml:"tier_models" toml:"tier_models"`
	Roles          map[string]RoleConfig `yaml:"roles" toml:"roles"`
	FallbackChain  []string              `yaml:"fallback_chain" toml:"fallback_chain"`
	CircuitBreaker CircuitBreakerConfig  `yaml:"circuit_breaker" toml:"circuit_breaker"`
	Availability   AvailabilityConfig    `yaml:"availability" toml:"availability"`
	Modes          ModesConfig           `yaml:"modes" toml:"modes"`
	ModelClasses   map[string]string     `yaml:"model_classes,omitempty" toml:"model_classes"`
	Providers      []ProviderConfig      `yaml:"providers" toml:"providers"`
	Aliases        map[string]string     `yaml:"aliases,omitempty" toml:"aliases"`
	Retry          RetryConfig           `yaml:"retry,omitempty" toml:"retry"`
}

// ComplexityConfig controls the heuristic engine.
type ComplexityConfig struct {
	Enabled            *bool              `yaml:"enabled,omitempty" toml:"enabled"`
	LowThreshold       *int               `yaml:"low_threshold,omitempty" toml:"low_threshold"`
	HighThreshold      *int               `yaml:"high_threshold,omitempty" toml:"high_threshold"`
	DisabledHeuristics []string           `yaml:"disabled_heuristics,omitempty" toml:"disabled_heuristics"`
	Weights            map[string]float64 `yaml:"weights,omitempty" toml:"weights"`
}

// TierModelsConfig maps complexity tiers to models.
type TierModelsConfig struct {
	Low    string `yaml:"low,omitempty" toml:"low"`
	Medium string `yaml:"medium,omitempty" toml:"medium"`
	High   string `yaml:"high,omitempty" toml:"high"`
}

// RoleConfig sets a role's preferred model and fallback chain.
type RoleConfig struct {
	Model    string   `yaml:"model" toml:"model"`
	Fallback []string `yaml:"fallback,omitempty" toml:"fallback"`
}

// CircuitBreakerConfig configures the per-model breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`
	BaseBackoffMs    int `yaml:"base_backoff_ms" toml:"base_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" toml:"max_backoff_ms"`
	TrialTimeoutMs   int `yaml:"trial_timeout_ms" toml:"trial_timeout_ms"`
}

// AvailabilityConfig configures provider probing.
type AvailabilityConfig struct {
	CacheTTLMs     int `yaml:"cache_ttl_ms" toml:"cache_ttl_ms"`
	ProbeTimeoutMs int `yaml:"probe_timeout_ms" toml:"probe_timeout_ms"`
}

// ModesConfig configures what each operating mode admits.
type ModesConfig struct {
	BurstAllowCloud bool     `yaml:"burst_allow_cloud" toml:"burst_allow_cloud"`
	LocalOnlyAllow  []string `yaml:"local_only_allow,omitempty" toml:"local_only_allow"`
}

// ProviderConfig describes one model backend.
type ProviderConfig struct {
	Name      string   `yaml:"name" toml:"name"`
	Type      string   `yaml:"type" toml:"type"`
	BaseURL   string   `yaml:"base_url,omitempty" toml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env,omitempty" toml:"api_key_env"`
	Models    []string `yaml:"models,omitempty" toml:"models"`
	Class     string   `yaml:"class,omitempty" toml:"class"`
}

// RetryConfig defines dispatch retry and backoff behavior. A max_retries of
// 0 disables retries; leaving it out keeps the default of 2.
type RetryConfig struct {
	MaxRetries    *int `yaml:"max_retries,omitempty" toml:"max_retries"`
	BaseBackoffMs int  `yaml:"base_backoff_ms,omitempty" toml:"base_backoff_ms"`
	MaxBackoffMs  int  `yaml:"max_backoff_ms,omitempty" toml:"max_backoff_ms"`
}

// Retries returns the configured retry count, 2 when unset.
func (r RetryConfig) Retries() int {
	if r.MaxRetries == nil {
		return 2
	}
	return *r.MaxRetries
}

// LoadRoutingConfig reads routing configuration from a YAML or TOML file,
// chosen by extension, and applies defaults. It does not validate.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	var cfg RoutingConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML file: %w", err)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode YAML file: %w", err)
		}
	}

	applyRoutingDefaults(&cfg)
	return &cfg, nil
}

// DefaultRoutingConfig returns a role_based, local_only configuration with a
// single Ollama provider on localhost.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{}
	applyRoutingDefaults(cfg)
	return cfg
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	if cfg.Strategy == "" {
		cfg.Strategy = string(routing.StrategyRoleBased)
	}
	if cfg.Mode == "" {
		cfg.Mode = mode.LocalOnly.String()
	}
	if cfg.Complexity.Enabled == nil {
		enabled := true
		cfg.Complexity.Enabled = &enabled
	}
	th := heuristics.DefaultThresholds()
	if cfg.Complexity.LowThreshold == nil {
		cfg.Complexity.LowThreshold = intPtr(th.Low)
	}
	if cfg.Complexity.HighThreshold == nil {
		cfg.Complexity.HighThreshold = intPtr(th.High)
	}

	cb := circuit.DefaultConfig()
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = cb.FailureThreshold
	}
	if cfg.CircuitBreaker.BaseBackoffMs == 0 {
		cfg.CircuitBreaker.BaseBackoffMs = int(cb.BaseBackoff / time.Millisecond)
	}
	if cfg.CircuitBreaker.MaxBackoffMs == 0 {
		cfg.CircuitBreaker.MaxBackoffMs = int(cb.MaxBackoff / time.Millisecond)
	}
	if cfg.CircuitBreaker.TrialTimeoutMs == 0 {
		cfg.CircuitBreaker.TrialTimeoutMs = int(cb.TrialTimeout / time.Millisecond)
	}

	if cfg.Availability.CacheTTLMs == 0 {
		cfg.Availability.CacheTTLMs = 5000
	}
	if cfg.Availability.ProbeTimeoutMs == 0 {
		cfg.Availability.ProbeTimeoutMs = 3000
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{{
			Name:    provider.TypeOllama,
			Type:    provider.TypeOllama,
			BaseURL: provider.DefaultOllamaURL,
		}}
	}

	if cfg.Retry.MaxRetries == nil {
		cfg.Retry.MaxRetries = intPtr(2)
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 200
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 2000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}
}

// Validate reports every problem in cfg at once. The returned error matches
// ErrInvalidConfig.
func (c *RoutingConfig) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if _, err := routing.ParseStrategy(c.Strategy); err != nil {
		problems = append(problems, err)
	}
	if _, err := mode.Parse(c.Mode); err != nil {
		problems = append(problems, err)
	}
	if err := c.Thresholds().Validate(); err != nil {
		problems = append(problems, err)
	}
	for name, w := range c.Complexity.Weights {
		switch {
		case w < 0:
			add("heuristic weight for %s must not be negative", name)
		case math.IsNaN(w) || math.IsInf(w, 0):
			add("heuristic weight for %s must be finite", name)
		}
	}
	if c.Strategy == string(routing.StrategySingle) && c.DefaultModel == "" {
		add("strategy single requires default_model")
	}

	for name := range c.Roles {
		if _, err := roles.Parse(name); err != nil {
			problems = append(problems, err)
		}
	}

	if err := c.CircuitConfig().Validate(); err != nil {
		problems = append(problems, err)
	}
	if c.Availability.CacheTTLMs < 0 {
		add("availability cache_ttl_ms must not be negative")
	}
	if c.Availability.ProbeTimeoutMs <= 0 {
		add("availability probe_timeout_ms must be positive")
	}

	for model, class := range c.ModelClasses {
		if _, err := mode.ParseClass(class); err != nil {
			add("model_classes %s: %w", model, err)
		}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		name := p.Name
		if name == "" {
			name = p.Type
		}
		if name == "" {
			add("providers[%d]: name or type is required", i)
			continue
		}
		if seen[name] {
			add("providers[%d]: duplicate provider name %q", i, name)
		}
		seen[name] = true
		if !knownProviderType(p.Type) {
			add("provider %s: unknown type %q (want one of %s)", name, p.Type, strings.Join(provider.Types(), ", "))
		}
		if p.Class != "" {
			if _, err := mode.ParseClass(p.Class); err != nil {
				add("provider %s: %w", name, err)
			}
		}
		if strings.EqualFold(p.Type, provider.TypeVLLM) && p.BaseURL == "" {
			add("provider %s: vllm requires base_url", name)
		}
	}

	if c.Retry.Retries() < 0 {
		add("retry max_retries must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

func knownProviderType(t string) bool {
	for _, known := range provider.Types() {
		if strings.EqualFold(t, known) {
			return true
		}
	}
	return false
}

// Thresholds returns the tier thresholds. An unset bound takes its default.
func (c *RoutingConfig) Thresholds() heuristics.Thresholds {
	th := heuristics.DefaultThresholds()
	if c.Complexity.LowThreshold != nil {
		th.Low = *c.Complexity.LowThreshold
	}
	if c.Complexity.HighThreshold != nil {
		th.High = *c.Complexity.HighThreshold
	}
	return th
}

func intPtr(v int) *int { return &v }

// HeuristicsConfig converts the complexity section.
func (c *RoutingConfig) HeuristicsConfig() heuristics.Config {
	enabled := c.Complexity.Enabled == nil || *c.Complexity.Enabled
	return heuristics.Config{
		Enabled:    enabled,
		Thresholds: c.Thresholds(),
		Disabled:   append([]string(nil), c.Complexity.DisabledHeuristics...),
		Weights:    c.Complexity.Weights,
	}
}

// CircuitConfig converts the circuit_breaker section.
func (c *RoutingConfig) CircuitConfig() circuit.Config {
	return circuit.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		BaseBackoff:      time.Duration(c.CircuitBreaker.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:       time.Duration(c.CircuitBreaker.MaxBackoffMs) * time.Millisecond,
		TrialTimeout:     time.Duration(c.CircuitBreaker.TrialTimeoutMs) * time.Millisecond,
	}
}

// CacheTTL returns how long an availability snapshot stays fresh.
func (c *RoutingConfig) CacheTTL() time.Duration {
	return time.Duration(c.Availability.CacheTTLMs) * time.Millisecond
}

// ProbeTimeout bounds a single provider probe.
func (c *RoutingConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.Availability.ProbeTimeoutMs) * time.Millisecond
}

// ModePolicy converts the modes section.
func (c *RoutingConfig) ModePolicy() mode.Policy {
	return mode.Policy{
		BurstAllowCloud: c.Modes.BurstAllowCloud,
		LocalOnlyAllow:  append([]string(nil), c.Modes.LocalOnlyAllow...),
	}
}

// OperatingMode parses the configured default mode.
func (c *RoutingConfig) OperatingMode() (mode.Mode, error) {
	return mode.Parse(c.Mode)
}

// ClassOverrides parses model_classes.
func (c *RoutingConfig) ClassOverrides() (map[string]mode.Class, error) {
	out := make(map[string]mode.Class, len(c.ModelClasses))
	for model, class := range c.ModelClasses {
		parsed, err := mode.ParseClass(class)
		if err != nil {
			return nil, fmt.Errorf("model_classes %s: %w", model, err)
		}
		out[model] = parsed
	}
	return out, nil
}

// RoutingTables converts the strategy, models and chains.
func (c *RoutingConfig) RoutingTables() (routing.Config, error) {
	strategy, err := routing.ParseStrategy(c.Strategy)
	if err != nil {
		return routing.Config{}, err
	}
	return routing.Config{
		Strategy:     strategy,
		DefaultModel: c.DefaultModel,
		Override:     c.Override,
		TierModels: routing.TierModels{
			Low:    c.TierModels.Low,
			Medium: c.TierModels.Medium,
			High:   c.TierModels.High,
		},
		FallbackChain: append([]string(nil), c.FallbackChain...),
	}, nil
}

// RoleDefinitions returns the built-in role definitions with the configured
// preferred models and fallback chains applied.
func (c *RoutingConfig) RoleDefinitions() ([]roles.Definition, error) {
	defs := roles.DefaultDefinitions()
	index := make(map[roles.Role]int, len(defs))
	for i, d := range defs {
		index[d.Role] = i
	}
	for name, rc := range c.Roles {
		role, err := roles.Parse(name)
		if err != nil {
			return nil, err
		}
		i := index[role]
		defs[i].PreferredModel = rc.Model
		defs[i].FallbackChain = append([]string(nil), rc.Fallback...)
	}
	return defs, nil
}

// KeySource supplies API keys by environment variable name.
type KeySource interface {
	APIKey(envVar string) string
}

// ProviderConfigs converts the providers section. keys may be nil.
func (c *RoutingConfig) ProviderConfigs(keys KeySource) []provider.Config {
	out := make([]provider.Config, 0, len(c.Providers))
	for _, p := range c.Providers {
		pc := provider.Config{
			Name:      p.Name,
			Type:      strings.ToLower(p.Type),
			BaseURL:   p.BaseURL,
			APIKeyEnv: p.APIKeyEnv,
			Models:    append([]string(nil), p.Models...),
			Class:     p.Class,
		}
		if pc.APIKeyEnv == "" {
			pc.APIKeyEnv = defaultKeyEnv(pc.Type)
		}
		if keys != nil && pc.APIKeyEnv != "" {
			pc.APIKey = keys.APIKey(pc.APIKeyEnv)
		}
		out = append(out, pc)
	}
	return out
}

func defaultKeyEnv(providerType string) string {
	switch providerType {
	case provider.TypeOpenAI:
		return EnvOpenAIKey
	case provider.TypeAnthropic:
		return EnvAnthropicKey
	case provider.TypeGoogle:
		return EnvGoogleKey
	}
	return ""
}
