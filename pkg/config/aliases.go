package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/routegate/pkg/provider"
)

// ModelAliases manages model alias resolution and validation. Providers maps
// a provider name to its statically known models; a provider absent from the
// map, or mapped to an empty list, is probed at runtime and never validated.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads model aliases from a YAML file.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ModelAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	aliases.init()
	return &aliases, nil
}

// LoadAliasesWithFallback loads models.yaml from the config dir, falling back
// to defaultPath, then to an empty set.
func LoadAliasesWithFallback(configDir, defaultPath string) (*ModelAliases, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, filepath.Join(configDir, "models.yaml"))
	}
	if defaultPath != "" {
		paths = append(paths, defaultPath)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return LoadAliases(path)
		}
	}
	empty := &ModelAliases{}
	empty.init()
	return empty, nil
}

// AliasesFromRouting builds aliases from a routing config's aliases and
// provider model lists.
func AliasesFromRouting(cfg *RoutingConfig) *ModelAliases {
	a := &ModelAliases{}
	a.init()
	if cfg == nil {
		return a
	}
	for k, v := range cfg.Aliases {
		a.Aliases[k] = v
	}
	for _, p := range cfg.Providers {
		name := p.Name
		if name == "" {
			name = strings.ToLower(p.Type)
		}
		a.Providers[name] = append([]string(nil), p.Models...)
	}
	return a
}

func (a *ModelAliases) init() {
	if a.Aliases == nil {
		a.Aliases = make(map[string]string)
	}
	if a.Providers == nil {
		a.Providers = make(map[string][]string)
	}
}

// Merge adds other's entries. Entries already in a win.
func (a *ModelAliases) Merge(other *ModelAliases) {
	if other == nil {
		return
	}
	a.init()
	for k, v := range other.Aliases {
		if _, ok := a.Aliases[k]; !ok {
			a.Aliases[k] = v
		}
	}
	for k, v := range other.Providers {
		if _, ok := a.Providers[k]; !ok {
			a.Providers[k] = v
		}
	}
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *ModelAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// ValidateModel checks if a model exists in the provider's list.
func (a *ModelAliases) ValidateModel(providerName, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}

	models, ok := a.Providers[providerName]
	if !ok {
		return fmt.Errorf("unknown provider %q", providerName)
	}
	if len(models) == 0 {
		return nil
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, providerName)
}

// ValidateID checks a possibly qualified model id. A bare name is valid if any
// provider lists it or any provider is probed at runtime.
func (a *ModelAliases) ValidateID(id string) error {
	if a == nil || len(a.Providers) == 0 {
		return nil
	}
	mid := provider.ParseModelID(a.Resolve(id))
	if mid.Provider != "" {
		return a.ValidateModel(mid.Provider, mid.Name)
	}
	for _, models := range a.Providers {
		if len(models) == 0 {
			return nil
		}
		for _, m := range models {
			if m == mid.Name {
				return nil
			}
		}
	}
	return fmt.Errorf("model %q not served by any configured provider", mid.Name)
}

// ListAliases returns a copy of the aliases map.
func (a *ModelAliases) ListAliases() map[string]string {
	if a == nil || a.Aliases == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(a.Aliases))
	for k, v := range a.Aliases {
		result[k] = v
	}
	return result
}

// ListProviders returns a sorted list of provider names.
func (a *ModelAliases) ListProviders() []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	providers := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// GetProviderForModel returns the first provider, by name, that lists model.
func (a *ModelAliases) GetProviderForModel(model string) string {
	for _, name := range a.ListProviders() {
		for _, m := range a.Providers[name] {
			if m == model {
				return name
			}
		}
	}
	return ""
}

// ValidateRoutingConfig checks every model the routing config references.
// Returns a slice of validation errors (empty if all valid).
func (a *ModelAliases) ValidateRoutingConfig(cfg *RoutingConfig) []error {
	if a == nil || cfg == nil {
		return nil
	}

	var errs []error
	check := func(where, id string) {
		if id == "" {
			return
		}
		if err := a.ValidateID(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
	}

	check("default_model", cfg.DefaultModel)
	check("override", cfg.Override)
	check("tier_models.low", cfg.TierModels.Low)
	check("tier_models.medium", cfg.TierModels.Medium)
	check("tier_models.high", cfg.TierModels.High)
	for i, id := range cfg.FallbackChain {
		check(fmt.Sprintf("fallback_chain[%d]", i), id)
	}

	names := make([]string, 0, len(cfg.Roles))
	for name := range cfg.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rc := cfg.Roles[name]
		check("roles."+name+".model", rc.Model)
		for i, id := range rc.Fallback {
			check(fmt.Sprintf("roles.%s.fallback[%d]", name, i), id)
		}
	}

	for alias, target := range a.Aliases {
		if strings.TrimSpace(target) == "" {
			errs = append(errs, fmt.Errorf("alias %q has an empty target", alias))
		}
	}
	return errs
}

// DefaultAliases returns short names for common local models.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"fast":   "llama3.2:3b",
			"coder":  "qwen2.5-coder:7b",
			"smart":  "llama3.1:70b",
			"reason": "deepseek-r1:14b",
		},
		Providers: map[string][]string{},
	}
}
