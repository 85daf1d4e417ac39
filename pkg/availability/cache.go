// Package availability caches which models the configured providers serve.
//
// Provider probes are the only I/O on the routing hot path. Results are held
// for a short TTL and refreshed lazily on the first read after expiry; readers
// that arrive during a refresh share it.
package availability

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/zen-systems/routegate/pkg/mode"
	"github.com/zen-systems/routegate/pkg/provider"
)

const (
	// DefaultTTL bounds how stale an availability answer may be.
	DefaultTTL = 5 * time.Second
	// DefaultProbeTimeout bounds a single provider probe.
	DefaultProbeTimeout = 3 * time.Second

	refreshKey = "refresh"
)

// cloudPrefixes mark models served by third-party APIs when no provider or
// override says otherwise.
var cloudPrefixes = []string{"gpt-", "claude-", "gemini-", "o1-"}

// LooksLikeCloud reports whether model has a well-known cloud prefix.
func LooksLikeCloud(model string) bool {
	lower := strings.ToLower(model)
	for _, p := range cloudPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Metrics receives refresh observations.
type Metrics interface {
	RecordRefresh(ctx context.Context, d time.Duration, up, down int)
}

// Entry is one model served by one provider.
type Entry struct {
	Provider string     `json:"provider"`
	Model    string     `json:"model"`
	Class    mode.Class `json:"class"`
}

// ID returns the provider-qualified model id.
func (e Entry) ID() string {
	return provider.ModelID{Name: e.Model, Provider: e.Provider}.String()
}

// Snapshot is the result of one refresh. It is never mutated after it is
// published.
type Snapshot struct {
	TakenAt        time.Time         `json:"taken_at"`
	Entries        []Entry           `json:"entries"`
	ProviderErrors map[string]string `json:"provider_errors,omitempty"`
}

func (s *Snapshot) lookup(id provider.ModelID) []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if id.Matches(e.Provider, e.Model) {
			out = append(out, e)
		}
	}
	return out
}

// Cache answers availability questions from a TTL-bound snapshot.
type Cache struct {
	providers    []provider.Provider
	policy       mode.Policy
	overrides    map[string]mode.Class
	ttl          time.Duration
	probeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      Metrics

	group singleflight.Group
	snap  atomic.Pointer[Snapshot]
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the snapshot lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithProbeTimeout sets the per-refresh probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics installs a refresh observer.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClassOverrides pins the class of specific models, by bare or
// qualified id.
func WithClassOverrides(overrides map[string]mode.Class) Option {
	return func(c *Cache) {
		for k, v := range overrides {
			c.overrides[k] = v
		}
	}
}

// New creates a cache over providers. Order matters: when several providers
// serve a model, the earliest one is preferred.
func New(providers []provider.Provider, policy mode.Policy, opts ...Option) *Cache {
	c := &Cache{
		providers:    providers,
		policy:       policy,
		overrides:    make(map[string]mode.Class),
		ttl:          DefaultTTL,
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the mode policy the cache filters with.
func (c *Cache) Policy() mode.Policy {
	return c.policy
}

// Invalidate drops the current snapshot so the next read refreshes.
func (c *Cache) Invalidate() {
	c.snap.Store(nil)
}

// Snapshot returns a fresh snapshot, refreshing if needed. It returns nil
// when ctx ends before a refresh completes.
func (c *Cache) Snapshot(ctx context.Context) *Snapshot {
	if s := c.snap.Load(); s != nil && c.now().Sub(s.TakenAt) < c.ttl {
		return s
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		// A concurrent caller may have published while we waited to enter.
		if s := c.snap.Load(); s != nil && c.now().Sub(s.TakenAt) < c.ttl {
			return s, nil
		}
		s := c.refresh()
		c.snap.Store(s)
		return s, nil
	})

	select {
	case res := <-ch:
		return res.Val.(*Snapshot)
	case <-ctx.Done():
		return nil
	}
}

// refresh probes every provider concurrently. It is detached from any one
// caller's context so an abandoned caller does not poison the shared result.
func (c *Cache) refresh() *Snapshot {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.probeTimeout)
	defer cancel()

	type probe struct {
		models []string
		err    error
	}
	results := make([]probe, len(c.providers))

	var g errgroup.Group
	for i, p := range c.providers {
		g.Go(func() error {
			models, err := p.ListModels(ctx)
			results[i] = probe{models: models, err: err}
			return nil
		})
	}
	_ = g.Wait()

	snap := &Snapshot{TakenAt: c.now()}
	up, down := 0, 0
	for i, p := range c.providers {
		r := results[i]
		if r.err != nil {
			down++
			if snap.ProviderErrors == nil {
				snap.ProviderErrors = make(map[string]string)
			}
			snap.ProviderErrors[p.Name()] = r.err.Error()
			c.logger.Warn("provider probe failed", "provider", p.Name(), "error", r.err)
			continue
		}
		up++
		seen := make(map[string]bool, len(r.models))
		for _, m := range r.models {
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			snap.Entries = append(snap.Entries, Entry{Provider: p.Name(), Model: m, Class: p.Class()})
		}
	}

	elapsed := time.Since(start)
	c.logger.Debug("availability refreshed",
		"providers_up", up, "providers_down", down, "models", len(snap.Entries), "elapsed", elapsed.String())
	if c.metrics != nil {
		c.metrics.RecordRefresh(context.Background(), elapsed, up, down)
	}
	return snap
}

// classOf resolves an entry's class: explicit override, then provider class.
func (c *Cache) classOf(e Entry) mode.Class {
	if cl, ok := c.overrides[e.ID()]; ok {
		return cl
	}
	if cl, ok := c.overrides[e.Model]; ok {
		return cl
	}
	return e.Class
}

// ModelClass resolves id's class: explicit override, then the class of the
// first provider serving it, then cloud prefixes, then Local.
func (c *Cache) ModelClass(ctx context.Context, id string) mode.Class {
	if cl, ok := c.overrides[id]; ok {
		return cl
	}
	mid := provider.ParseModelID(id)
	if cl, ok := c.overrides[mid.Name]; ok {
		return cl
	}
	if s := c.Snapshot(ctx); s != nil {
		if entries := s.lookup(mid); len(entries) > 0 {
			return c.classOf(entries[0])
		}
	}
	if LooksLikeCloud(mid.Name) {
		return mode.ClassCloud
	}
	return mode.ClassLocal
}

// IsModelAvailable reports whether any healthy provider serves id.
func (c *Cache) IsModelAvailable(ctx context.Context, id string) bool {
	s := c.Snapshot(ctx)
	if s == nil {
		return false
	}
	return len(s.lookup(provider.ParseModelID(id))) > 0
}

// IsModelAvailableForMode reports whether id is served by a healthy provider
// whose class m admits.
func (c *Cache) IsModelAvailableForMode(ctx context.Context, id string, m mode.Mode) bool {
	_, ok := c.Resolve(ctx, id, m)
	return ok
}

// Explain returns why id cannot be used in m, or "" if it can.
func (c *Cache) Explain(ctx context.Context, id string, m mode.Mode) string {
	s := c.Snapshot(ctx)
	if s == nil {
		return "availability unknown"
	}
	entries := s.lookup(provider.ParseModelID(id))
	if len(entries) == 0 {
		return "unavailable"
	}
	for _, e := range entries {
		if c.policy.Allows(m, e.ID(), c.classOf(e)) {
			return ""
		}
	}
	return c.policy.Explain(m, entries[0].ID(), c.classOf(entries[0]))
}

// Resolve returns the first entry serving id that m admits.
func (c *Cache) Resolve(ctx context.Context, id string, m mode.Mode) (Entry, bool) {
	s := c.Snapshot(ctx)
	if s == nil {
		return Entry{}, false
	}
	for _, e := range s.lookup(provider.ParseModelID(id)) {
		cl := c.classOf(e)
		if c.policy.Allows(m, e.ID(), cl) {
			e.Class = cl
			return e, true
		}
	}
	return Entry{}, false
}

// ListAvailableModels returns the sorted, de-duplicated names of every
// served model.
func (c *Cache) ListAvailableModels(ctx context.Context) []string {
	s := c.Snapshot(ctx)
	if s == nil {
		return nil
	}
	seen := make(map[string]bool, len(s.Entries))
	out := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		if !seen[e.Model] {
			seen[e.Model] = true
			out = append(out, e.Model)
		}
	}
	sort.Strings(out)
	return out
}

// ListAvailableModelsForMode is ListAvailableModels restricted to models m admits.
func (c *Cache) ListAvailableModelsForMode(ctx context.Context, m mode.Mode) []string {
	s := c.Snapshot(ctx)
	if s == nil {
		return nil
	}
	seen := make(map[string]bool, len(s.Entries))
	var out []string
	for _, e := range s.Entries {
		if seen[e.Model] || !c.policy.Allows(m, e.ID(), c.classOf(e)) {
			continue
		}
		seen[e.Model] = true
		out = append(out, e.Model)
	}
	sort.Strings(out)
	return out
}

// Providers returns the configured providers in preference order.
func (c *Cache) Providers() []provider.Provider {
	return append([]provider.Provider(nil), c.providers...)
}

// Provider returns the provider named name.
func (c *Cache) Provider(name string) (provider.Provider, bool) {
	for _, p := range c.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}
