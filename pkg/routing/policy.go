// Package routing turns a role, task context and optional override into a
// concrete model decision.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/routegate/pkg/audit"
	"github.com/zen-systems/routegate/pkg/availability"
	"github.com/zen-systems/routegate/pkg/circuit"
	"github.com/zen-systems/routegate/pkg/fallback"
	"github.com/zen-systems/routegate/pkg/heuristics"
	"github.com/zen-systems/routegate/pkg/mode"
	"github.com/zen-systems/routegate/pkg/provider"
	"github.com/zen-systems/routegate/pkg/roles"
)

// Availability is the view of provider state routing needs.
type Availability interface {
	fallback.Availability
	ModelClass(ctx context.Context, id string) mode.Class
	Resolve(ctx context.Context, id string, m mode.Mode) (availability.Entry, bool)
}

// Breaker gates models and receives call outcomes.
type Breaker interface {
	TryAcquire(id string) (bool, circuit.State)
	RecordSuccess(id string)
	RecordFailure(id, reason string)
}

// Metrics receives decision observations.
type Metrics interface {
	RecordDecision(ctx context.Context, role, model, tier string, fallbackUsed bool, elapsed time.Duration)
	RecordFailure(ctx context.Context, role string)
}

// DecisionSink receives an audit record per decision.
type DecisionSink interface {
	WriteDecision(ctx context.Context, rec audit.DecisionRecord) error
}

// Policy makes routing decisions. It is safe for concurrent use.
type Policy struct {
	cfg      Config
	registry *roles.Registry
	engine   *heuristics.Engine
	avail    Availability
	breaker  Breaker
	resolver *fallback.Resolver
	aliases  AliasResolver
	logger   *slog.Logger
	metrics  Metrics
	sink     DecisionSink
	now      func() time.Time

	mu              sync.RWMutex
	sessionOverride string
}

// Option configures a Policy.
type Option func(*Policy)

// WithAliases resolves model aliases before validation.
func WithAliases(a AliasResolver) Option {
	return func(p *Policy) {
		if a != nil {
			p.aliases = a
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics installs a metrics observer.
func WithMetrics(m Metrics) Option {
	return func(p *Policy) { p.metrics = m }
}

// WithAudit installs a decision sink.
func WithAudit(s DecisionSink) Option {
	return func(p *Policy) { p.sink = s }
}

// WithClock overrides the audit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// NewPolicy wires a policy. engine may be nil, in which case no complexity
// score is computed and the adaptive strategy behaves like role_based.
func NewPolicy(cfg Config, registry *roles.Registry, engine *heuristics.Engine, avail Availability, breaker Breaker, opts ...Option) (*Policy, error) {
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	cfg.Strategy = strategy
	if registry == nil || avail == nil || breaker == nil {
		return nil, fmt.Errorf("routing policy requires a role registry, availability and breaker")
	}

	p := &Policy{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		avail:    avail,
		breaker:  breaker,
		aliases:  identity{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.resolver = fallback.NewResolver(avail, breaker, fallback.WithLogger(p.logger))
	return p, nil
}

// Config returns the routing tables.
func (p *Policy) Config() Config {
	return p.cfg
}

// SetSessionOverride pins a model for every request without its own
// override. An empty model clears it.
func (p *Policy) SetSessionOverride(model string) {
	p.mu.Lock()
	p.sessionOverride = strings.TrimSpace(model)
	p.mu.Unlock()
}

// SessionOverride returns the session override, if any.
func (p *Policy) SessionOverride() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionOverride
}

// GetModel decides which model serves req.
func (p *Policy) GetModel(ctx context.Context, req Request) (Decision, error) {
	return p.GetModelWithFailures(ctx, req, nil)
}

// GetModelWithFailures is GetModel, skipping models whose provider call
// already failed for this request. failed maps model to failure reason.
func (p *Policy) GetModelWithFailures(ctx context.Context, req Request, failed map[string]string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	start := time.Now()

	def, err := p.registry.GetRole(req.Role)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Role: req.Role, Mode: req.Mode, Strategy: p.cfg.Strategy}

	override, source := p.pickOverride(req)
	if override != "" {
		d.Override = p.aliases.Resolve(override)
		rejection := p.checkOverride(ctx, d.Override, req.Mode, failed)
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		if rejection == "" {
			d.ModelID = d.Override
			d.Provider = p.providerFor(ctx, d.ModelID, req.Mode)
			d.Reason = fmt.Sprintf("%s override: %s", source, d.ModelID)
			d.Candidates = []string{d.ModelID}
			d.Tried = []string{d.ModelID}
			p.finish(ctx, req, d, nil, start)
			return d, nil
		}
		d.OverrideRejection = fmt.Sprintf("%s override %s rejected: %s", source, d.Override, rejection)
		p.logger.Warn("override rejected", "model", d.Override, "source", source, "reason", rejection, "mode", req.Mode.String())
	}

	if p.engine != nil {
		hctx := req.Context
		if hctx.Role == nil {
			role := req.Role
			hctx.Role = &role
		}
		score, err := p.engine.Evaluate(hctx)
		if err != nil {
			return Decision{}, err
		}
		d.Complexity = &score
	}

	d.Candidates = p.buildCandidates(def, d.Complexity)
	res := p.resolver.ResolveWithFailures(ctx, d.Candidates, req.Mode, failed)
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	d.Tried = res.TriedModels
	d.FailureReasons = copyReasons(res.FailureReasons)

	if !res.Success {
		rerr := &Error{
			Role:              req.Role,
			Mode:              req.Mode,
			Tried:             res.TriedModels,
			FailureReasons:    d.FailureReasons,
			OverrideRejection: d.OverrideRejection,
			Reason:            res.Reason,
		}
		d.Reason = res.Reason
		p.finish(ctx, req, d, rerr, start)
		return Decision{}, rerr
	}

	d.ModelID = res.ModelID
	d.Provider = p.providerFor(ctx, d.ModelID, req.Mode)
	d.FallbackUsed = res.FallbackUsed()
	d.Reason = p.describe(req, d, res.Reason)
	p.finish(ctx, req, d, nil, start)
	return d, nil
}

// ReportOutcome feeds a provider call result to the circuit breaker.
func (p *Policy) ReportOutcome(model string, success bool, reason string) {
	if success {
		p.breaker.RecordSuccess(model)
		return
	}
	if reason == "" {
		reason = "call failed"
	}
	p.breaker.RecordFailure(model, reason)
}

// Candidates returns the ordered candidate list for role at the given
// complexity, after alias resolution. score may be nil.
func (p *Policy) Candidates(role roles.Role, score *heuristics.ComplexityScore) ([]string, error) {
	def, err := p.registry.GetRole(role)
	if err != nil {
		return nil, err
	}
	return p.buildCandidates(def, score), nil
}

func (p *Policy) pickOverride(req Request) (model, source string) {
	if o := strings.TrimSpace(req.Override); o != "" {
		return o, "request"
	}
	if o := p.SessionOverride(); o != "" {
		return o, "session"
	}
	if o := strings.TrimSpace(p.cfg.Override); o != "" {
		return o, "config"
	}
	return "", ""
}

// checkOverride returns why id cannot serve as an override, or "".
func (p *Policy) checkOverride(ctx context.Context, id string, m mode.Mode, failed map[string]string) string {
	if reason, ok := failed[id]; ok {
		if reason == "" {
			reason = "call failed"
		}
		return reason
	}
	if m != mode.Burst {
		name := provider.ParseModelID(id).Name
		if p.avail.ModelClass(ctx, id) == mode.ClassCloud || availability.LooksLikeCloud(name) {
			if reason := p.avail.Explain(ctx, id, m); reason != "" {
				return fmt.Sprintf("cloud model not permitted in %s mode", m)
			}
		}
	}
	if !p.avail.IsModelAvailable(ctx, id) {
		return "unavailable"
	}
	if reason := p.avail.Explain(ctx, id, m); reason != "" {
		return reason
	}
	if ok, state := p.breaker.TryAcquire(id); !ok {
		return "circuit breaker " + state.String()
	}
	return ""
}

func (p *Policy) buildCandidates(def roles.Definition, score *heuristics.ComplexityScore) []string {
	var list []string
	if p.cfg.Strategy == StrategySingle {
		list = append(list, p.cfg.DefaultModel)
	} else {
		if p.cfg.Strategy == StrategyAdaptive && score != nil {
			list = append(list, p.cfg.TierModels.For(score.Tier))
		}
		preferred := def.PreferredModel
		if preferred == "" {
			preferred = p.cfg.DefaultModel
		}
		list = append(list, preferred)
		list = append(list, def.FallbackChain...)
	}
	list = append(list, p.cfg.FallbackChain...)

	for i, id := range list {
		list[i] = p.aliases.Resolve(strings.TrimSpace(id))
	}
	return dedupe(list)
}

func (p *Policy) providerFor(ctx context.Context, id string, m mode.Mode) string {
	if e, ok := p.avail.Resolve(ctx, id, m); ok {
		return e.Provider
	}
	return ""
}

func (p *Policy) describe(req Request, d Decision, resolved string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s routing for role %s: %s", d.Strategy, req.Role, resolved)
	if d.Complexity != nil {
		fmt.Fprintf(&b, " (complexity %d, %s tier)", d.Complexity.Combined, d.Complexity.Tier)
	}
	if d.OverrideRejection != "" {
		b.WriteString("; ")
		b.WriteString(d.OverrideRejection)
	}
	return b.String()
}

// finish logs, records metrics and emits the audit record.
func (p *Policy) finish(ctx context.Context, req Request, d Decision, rerr *Error, start time.Time) {
	elapsed := time.Since(start)
	tier := ""
	if d.Complexity != nil {
		tier = d.Complexity.Tier.String()
	}

	if rerr != nil {
		p.logger.Warn("routing failed",
			"role", req.Role.String(), "mode", req.Mode.String(), "tried", d.Tried, "error", rerr.Error())
		if p.metrics != nil {
			p.metrics.RecordFailure(ctx, req.Role.String())
		}
	} else {
		if d.FallbackUsed {
			p.logger.Warn("fallback activated",
				"role", req.Role.String(), "model", d.ModelID, "tried", d.Tried, "failure_reasons", d.FailureReasons)
		}
		p.logger.Info("routing decision",
			"role", req.Role.String(), "mode", req.Mode.String(), "model", d.ModelID, "provider", d.Provider,
			"tier", tier, "fallback_used", d.FallbackUsed, "elapsed", elapsed.String())
		if p.metrics != nil {
			p.metrics.RecordDecision(ctx, req.Role.String(), d.ModelID, tier, d.FallbackUsed, elapsed)
		}
	}

	if p.sink == nil {
		return
	}
	rec := audit.DecisionRecord{
		ID:                uuid.NewString(),
		Timestamp:         p.now().UTC(),
		Role:              req.Role.String(),
		Mode:              req.Mode.String(),
		Strategy:          string(d.Strategy),
		Success:           rerr == nil,
		Model:             d.ModelID,
		Provider:          d.Provider,
		FallbackUsed:      d.FallbackUsed,
		Reason:            d.Reason,
		Tier:              tier,
		Override:          d.Override,
		OverrideRejection: d.OverrideRejection,
		Candidates:        d.Candidates,
		Tried:             d.Tried,
		FailureReasons:    d.FailureReasons,
		LatencyMillis:     float64(elapsed.Microseconds()) / 1000,
	}
	if d.Complexity != nil {
		score := d.Complexity.Combined
		rec.Score = &score
	}
	if rerr != nil {
		rec.Error = rerr.Error()
	}
	if err := p.sink.WriteDecision(ctx, rec); err != nil {
		p.logger.Warn("audit write failed", "audit_id", rec.ID, "error", err)
	}
}
