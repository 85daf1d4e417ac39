// Package router assembles the routing components from configuration into a
// single Router. Each Router owns its registry, caches and circuits; nothing
// is shared between instances.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zen-systems/routegate/pkg/audit"
	"github.com/zen-systems/routegate/pkg/availability"
	"github.com/zen-systems/routegate/pkg/circuit"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/heuristics"
	"github.com/zen-systems/routegate/pkg/mode"
	"github.com/zen-systems/routegate/pkg/provider"
	"github.com/zen-systems/routegate/pkg/roles"
	"github.com/zen-systems/routegate/pkg/routing"
	"github.com/zen-systems/routegate/pkg/telemetry"
)

// Router is the assembled routing system.
type Router struct {
	cfg       *config.RoutingConfig
	mode      mode.Mode
	registry  *roles.Registry
	engine    *heuristics.Engine
	cache     *availability.Cache
	breaker   *circuit.Breaker
	policy    *routing.Policy
	aliases   *config.ModelAliases
	providers []provider.Provider
	skipped   map[string]string
	sink      audit.Sink
	logger    *slog.Logger
}

type options struct {
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	sink       audit.Sink
	providers  []provider.Provider
	aliases    *config.ModelAliases
	heuristics []heuristics.Heuristic
	transition roles.TransitionPolicy
	now        func() time.Time
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records routing, circuit and availability metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAudit writes decision and transition records to sink.
func WithAudit(sink audit.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithProviders replaces the providers built from configuration.
func WithProviders(ps ...provider.Provider) Option {
	return func(o *options) { o.providers = ps }
}

// WithAliases adds aliases on top of those in the routing config.
func WithAliases(a *config.ModelAliases) Option {
	return func(o *options) { o.aliases = a }
}

// WithHeuristics replaces the built-in heuristics.
func WithHeuristics(hs ...heuristics.Heuristic) Option {
	return func(o *options) { o.heuristics = hs }
}

// WithTransitionPolicy restricts role transitions.
func WithTransitionPolicy(p roles.TransitionPolicy) Option {
	return func(o *options) { o.transition = p }
}

// WithClock overrides the clock used by the cache, breaker and registry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New validates cfg and wires every component. keys supplies provider API
// keys and may be nil. Providers that cannot be constructed (for example a
// cloud provider without a key) are skipped with a warning.
func New(cfg *config.RoutingConfig, keys config.KeySource, opts ...Option) (*Router, error) {
	if cfg == nil {
		cfg = config.DefaultRoutingConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default(), sink: audit.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sink == nil {
		o.sink = audit.Nop{}
	}

	m, err := cfg.OperatingMode()
	if err != nil {
		return nil, err
	}

	r := &Router{
		cfg:     cfg,
		mode:    m,
		skipped: make(map[string]string),
		sink:    o.sink,
		logger:  o.logger,
	}

	r.providers = o.providers
	if r.providers == nil {
		for _, pc := range cfg.ProviderConfigs(keys) {
			p, err := provider.New(pc)
			if err != nil {
				name := pc.Name
				if name == "" {
					name = pc.Type
				}
				r.skipped[name] = err.Error()
				o.logger.Warn("provider skipped", "provider", name, "type", pc.Type, "error", err)
				continue
			}
			r.providers = append(r.providers, p)
		}
	}

	defs, err := cfg.RoleDefinitions()
	if err != nil {
		return nil, err
	}
	roleOpts := []roles.Option{
		roles.WithLogger(o.logger),
		roles.WithPolicy(o.transition),
		roles.WithObserver(r.recordTransition),
	}
	if o.now != nil {
		roleOpts = append(roleOpts, roles.WithClock(o.now))
	}
	r.registry = roles.NewRegistry(defs, roleOpts...)

	hs := o.heuristics
	if hs == nil {
		hs = heuristics.Defaults()
	}
	r.engine, err = heuristics.NewEngine(cfg.HeuristicsConfig(), hs, heuristics.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("heuristics: %w", err)
	}

	classes, err := cfg.ClassOverrides()
	if err != nil {
		return nil, err
	}
	cacheOpts := []availability.Option{
		availability.WithTTL(cfg.CacheTTL()),
		availability.WithProbeTimeout(cfg.ProbeTimeout()),
		availability.WithLogger(o.logger),
		availability.WithClassOverrides(classes),
	}
	breakerOpts := []circuit.Option{circuit.WithLogger(o.logger)}
	policyOpts := []routing.Option{routing.WithLogger(o.logger), routing.WithAudit(o.sink)}
	if o.metrics != nil {
		cacheOpts = append(cacheOpts, availability.WithMetrics(o.metrics))
		breakerOpts = append(breakerOpts, circuit.WithMetrics(o.metrics))
		policyOpts = append(policyOpts, routing.WithMetrics(o.metrics))
	}
	if o.now != nil {
		cacheOpts = append(cacheOpts, availability.WithClock(o.now))
		breakerOpts = append(breakerOpts, circuit.WithClock(o.now))
		policyOpts = append(policyOpts, routing.WithClock(o.now))
	}
	r.cache = availability.New(r.providers, cfg.ModePolicy(), cacheOpts...)

	r.breaker, err = circuit.New(cfg.CircuitConfig(), breakerOpts...)
	if err != nil {
		return nil, err
	}

	r.aliases = config.AliasesFromRouting(cfg)
	r.aliases.Merge(o.aliases)
	for _, err := range r.aliases.ValidateRoutingConfig(cfg) {
		o.logger.Warn("routing config references unknown model", "error", err)
	}
	policyOpts = append(policyOpts, routing.WithAliases(r.aliases))

	tables, err := cfg.RoutingTables()
	if err != nil {
		return nil, err
	}
	r.policy, err = routing.NewPolicy(tables, r.registry, r.engine, r.cache, r.breaker, policyOpts...)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("router ready",
		"strategy", string(tables.Strategy), "mode", m.String(), "providers", len(r.providers), "skipped", len(r.skipped))
	return r, nil
}

func (r *Router) recordTransition(e roles.TransitionEntry) {
	rec := audit.NewTransitionRecord(e)
	if err := r.sink.WriteTransition(context.Background(), rec); err != nil {
		r.logger.Warn("audit write failed", "audit_id", rec.ID, "error", err)
	}
}

// Request builds a request in the router's configured mode.
func (r *Router) Request(role roles.Role, hctx heuristics.Context, override string) routing.Request {
	return routing.Request{Role: role, Context: hctx, Override: override, Mode: r.mode}
}

// Route decides which model serves req.
func (r *Router) Route(ctx context.Context, req routing.Request) (routing.Decision, error) {
	return r.policy.GetModel(ctx, req)
}

// RouteCurrentRole routes for the registry's current role.
func (r *Router) RouteCurrentRole(ctx context.Context, hctx heuristics.Context, override string) (routing.Decision, error) {
	return r.policy.GetModel(ctx, r.Request(r.registry.GetCurrentRole(), hctx, override))
}

// GetModelWithFailures routes while skipping models whose call already failed.
func (r *Router) GetModelWithFailures(ctx context.Context, req routing.Request, failed map[string]string) (routing.Decision, error) {
	return r.policy.GetModelWithFailures(ctx, req, failed)
}

// ReportOutcome feeds a provider call result to the circuit breaker.
func (r *Router) ReportOutcome(model string, success bool, reason string) {
	r.policy.ReportOutcome(model, success, reason)
}

// SetRole changes the current role.
func (r *Router) SetRole(role roles.Role, reason string) error {
	return r.registry.SetCurrentRole(role, reason)
}

// Provider returns a provider by name.
func (r *Router) Provider(name string) (provider.Provider, bool) {
	return r.cache.Provider(name)
}

// SkippedProviders maps configured providers that could not be built to the reason.
func (r *Router) SkippedProviders() map[string]string {
	out := make(map[string]string, len(r.skipped))
	for k, v := range r.skipped {
		out[k] = v
	}
	return out
}

// Mode returns the configured operating mode.
func (r *Router) Mode() mode.Mode { return r.mode }

// Config returns the routing configuration.
func (r *Router) Config() *config.RoutingConfig { return r.cfg }

// Policy returns the routing policy.
func (r *Router) Policy() *routing.Policy { return r.policy }

// Registry returns the role registry.
func (r *Router) Registry() *roles.Registry { return r.registry }

// Engine returns the heuristic engine.
func (r *Router) Engine() *heuristics.Engine { return r.engine }

// Availability returns the availability cache.
func (r *Router) Availability() *availability.Cache { return r.cache }

// Breaker returns the circuit breaker.
func (r *Router) Breaker() *circuit.Breaker { return r.breaker }

// Aliases returns the merged model aliases.
func (r *Router) Aliases() *config.ModelAliases { return r.aliases }

// Close releases the audit sink.
func (r *Router) Close() error {
	return r.sink.Close()
}
