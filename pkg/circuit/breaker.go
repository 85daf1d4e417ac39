// Package circuit implements per-model circuit breakers with lazy recovery.
package circuit

import (
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// MetricsCollector receives breaker events.
type MetricsCollector interface {
	RecordStateChange(model string, from, to State)
	RecordRejection(model string)
	RecordOutcome(model string, success bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordStateChange(string, State, State) {}
func (noopMetrics) RecordRejection(string)                 {}
func (noopMetrics) RecordOutcome(string, bool)             {}

type circuit struct {
	mu           sync.Mutex
	model        string
	state        State
	failures     int
	lastFailure  time.Time
	nextRetry    time.Time
	lastReason   string
	trialActive  bool
	trialStarted time.Time
}

// Breaker tracks one circuit per model. Each circuit has its own lock; the
// map lock is only held to find or create a circuit.
type Breaker struct {
	cfg     Config
	now     func() time.Time
	rand    func() float64
	logger  *slog.Logger
	metrics MetricsCollector

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithRand overrides the jitter source. fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(b *Breaker) { b.rand = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics installs a metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(b *Breaker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// New returns a breaker, or an error if cfg is invalid.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		cfg:      cfg,
		now:      time.Now,
		rand:     rand.Float64,
		logger:   slog.Default(),
		metrics:  noopMetrics{},
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the breaker parameters.
func (b *Breaker) Config() Config {
	return b.cfg
}

func (b *Breaker) get(model string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[model]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[model]; ok {
		return c
	}
	c = &circuit{model: model, state: Closed}
	b.circuits[model] = c
	return c
}

// advance performs the lazy Open -> HalfOpen transition. Caller holds c.mu.
func (b *Breaker) advance(c *circuit, now time.Time) {
	if c.state == Open && !now.Before(c.nextRetry) {
		b.transition(c, HalfOpen)
		c.trialActive = false
	}
}

func (b *Breaker) transition(c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	b.metrics.RecordStateChange(c.model, from, to)
	b.logger.Info("circuit state change",
		"model", c.model, "from", from.String(), "to", to.String(), "failure_count", c.failures)
}

func (b *Breaker) trialBusy(c *circuit, now time.Time) bool {
	if !c.trialActive {
		return false
	}
	if b.cfg.TrialTimeout > 0 && now.Sub(c.trialStarted) >= b.cfg.TrialTimeout {
		c.trialActive = false
		return false
	}
	return true
}

// IsAllowingRequests reports whether model may be attempted. It moves an
// expired Open circuit to HalfOpen but does not reserve the trial.
func (b *Breaker) IsAllowingRequests(model string) bool {
	c := b.get(model)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	b.advance(c, now)
	switch c.state {
	case Open:
		return false
	case HalfOpen:
		return !b.trialBusy(c, now)
	default:
		return true
	}
}

// TryAcquire admits a request to model. In HalfOpen it reserves the single
// trial; later callers are refused until the trial's outcome is recorded.
func (b *Breaker) TryAcquire(model string) (bool, State) {
	c := b.get(model)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	b.advance(c, now)
	switch c.state {
	case Open:
		b.metrics.RecordRejection(model)
		return false, Open
	case HalfOpen:
		if b.trialBusy(c, now) {
			b.metrics.RecordRejection(model)
			return false, HalfOpen
		}
		c.trialActive = true
		c.trialStarted = now
		return true, HalfOpen
	default:
		return true, Closed
	}
}

// RecordSuccess closes the circuit and clears its failure count.
func (b *Breaker) RecordSuccess(model string) {
	c := b.get(model)
	c.mu.Lock()
	defer c.mu.Unlock()

	b.metrics.RecordOutcome(model, true)
	c.failures = 0
	c.trialActive = false
	c.lastReason = ""
	if c.state != Closed {
		b.transition(c, Closed)
		c.nextRetry = time.Time{}
	}
}

// RecordFailure counts a failure. Reaching the threshold in Closed, or any
// failure in HalfOpen, opens the circuit with a backoff based on the new count.
func (b *Breaker) RecordFailure(model, reason string) {
	c := b.get(model)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	b.metrics.RecordOutcome(model, false)
	b.advance(c, now)

	c.failures++
	c.lastFailure = now
	c.lastReason = reason

	switch c.state {
	case Closed:
		if c.failures >= b.cfg.FailureThreshold {
			b.open(c, now)
		}
	case HalfOpen:
		c.trialActive = false
		b.open(c, now)
	}
}

func (b *Breaker) open(c *circuit, now time.Time) {
	delay := WithJitter(Backoff(b.cfg.BaseBackoff, b.cfg.MaxBackoff, c.failures), b.rand())
	c.nextRetry = now.Add(delay)
	b.transition(c, Open)
	b.logger.Warn("circuit opened",
		"model", c.model, "failure_count", c.failures, "retry_in", delay.String(), "reason", c.lastReason)
}

// GetStateInfo returns model's circuit, creating it Closed on first reference.
func (b *Breaker) GetStateInfo(model string) StateInfo {
	c := b.get(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	b.advance(c, b.now())
	return c.info()
}

// States returns every known circuit, sorted by model.
func (b *Breaker) States() []StateInfo {
	b.mu.RLock()
	circuits := make([]*circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		circuits = append(circuits, c)
	}
	b.mu.RUnlock()

	now := b.now()
	out := make([]StateInfo, 0, len(circuits))
	for _, c := range circuits {
		c.mu.Lock()
		b.advance(c, now)
		out = append(out, c.info())
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Reset returns model's circuit to Closed with no failures. The entry is kept.
func (b *Breaker) Reset(model string) {
	c := b.get(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	b.reset(c)
}

// ResetAll resets every known circuit.
func (b *Breaker) ResetAll() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.circuits {
		c.mu.Lock()
		b.reset(c)
		c.mu.Unlock()
	}
}

func (b *Breaker) reset(c *circuit) {
	b.transition(c, Closed)
	c.failures = 0
	c.lastFailure = time.Time{}
	c.nextRetry = time.Time{}
	c.lastReason = ""
	c.trialActive = false
}

func (c *circuit) info() StateInfo {
	info := StateInfo{
		ModelID:      c.model,
		State:        c.state,
		FailureCount: c.failures,
		LastReason:   c.lastReason,
	}
	if !c.lastFailure.IsZero() {
		t := c.lastFailure
		info.LastFailureTime = &t
	}
	if !c.nextRetry.IsZero() {
		t := c.nextRetry
		info.NextRetryTime = &t
	}
	return info
}
