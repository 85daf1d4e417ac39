// Package heuristics scores task complexity and maps it to a tier.
package heuristics

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// Config controls the engine. It is fixed at construction.
type Config struct {
	Enabled    bool
	Thresholds Thresholds
	// Disabled lists heuristic names to skip (case-insensitive).
	Disabled []string
	// Weights scales each named heuristic's score before combination.
	Weights map[string]float64
}

// DefaultConfig returns an enabled engine config with default thresholds.
func DefaultConfig() Config {
	return Config{Enabled: true, Thresholds: DefaultThresholds()}
}

// Registration describes a registered heuristic.
type Registration struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// Engine runs registered heuristics in priority order and combines their results.
type Engine struct {
	cfg        Config
	heuristics []Heuristic
	disabled   map[string]bool
	weights    map[string]float64
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine builds an engine over hs. Heuristics are ordered by ascending
// priority; equal priorities keep the order they were passed in.
func NewEngine(cfg Config, hs []Heuristic, opts ...Option) (*Engine, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	for name, w := range cfg.Weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("invalid weight %v for heuristic %s", w, name)
		}
	}

	e := &Engine{
		cfg:      cfg,
		disabled: make(map[string]bool),
		weights:  make(map[string]float64),
		logger:   slog.Default(),
	}
	for _, name := range cfg.Disabled {
		e.disabled[strings.ToLower(name)] = true
	}
	for name, w := range cfg.Weights {
		e.weights[strings.ToLower(name)] = w
	}

	seen := make(map[string]bool)
	for _, h := range hs {
		if h == nil {
			return nil, fmt.Errorf("nil heuristic")
		}
		key := strings.ToLower(h.Name())
		if seen[key] {
			return nil, fmt.Errorf("heuristic %s registered twice", h.Name())
		}
		seen[key] = true
		e.heuristics = append(e.heuristics, h)
	}
	sort.SliceStable(e.heuristics, func(i, j int) bool {
		return e.heuristics[i].Priority() < e.heuristics[j].Priority()
	})

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Thresholds returns the configured tier thresholds.
func (e *Engine) Thresholds() Thresholds {
	return e.cfg.Thresholds
}

// Registered lists heuristics in evaluation order.
func (e *Engine) Registered() []Registration {
	out := make([]Registration, 0, len(e.heuristics))
	for _, h := range e.heuristics {
		out = append(out, Registration{
			Name:     h.Name(),
			Priority: h.Priority(),
			Enabled:  !e.disabled[strings.ToLower(h.Name())],
		})
	}
	return out
}

// Evaluate scores ctx. An invalid result from any heuristic is returned as a
// *ValidationError; it is never scored as zero.
func (e *Engine) Evaluate(ctx Context) (ComplexityScore, error) {
	th := e.cfg.Thresholds
	if !e.cfg.Enabled {
		return ComplexityScore{
			Combined:      50,
			Tier:          th.TierFor(50),
			LowThreshold:  th.Low,
			HighThreshold: th.High,
			Reasoning:     "heuristics disabled; using default medium score",
		}, nil
	}

	var results []NamedResult
	var weightedSum, totalConf float64
	for _, h := range e.heuristics {
		key := strings.ToLower(h.Name())
		if e.disabled[key] {
			continue
		}

		res := h.Evaluate(ctx)
		if err := res.Validate(); err != nil {
			return ComplexityScore{}, &ValidationError{Heuristic: h.Name(), Err: err}
		}
		if w, ok := e.weights[key]; ok {
			res.Score = int(math.Min(math.Max(float64(res.Score)*w, 0), 100))
		}

		results = append(results, NamedResult{Name: h.Name(), Result: res})
		weightedSum += float64(res.Score) * res.Confidence
		totalConf += res.Confidence

		e.logger.Debug("heuristic evaluated",
			"heuristic", h.Name(), "score", res.Score, "confidence", res.Confidence)
	}

	score := ComplexityScore{
		Results:       results,
		LowThreshold:  th.Low,
		HighThreshold: th.High,
	}
	if totalConf == 0 {
		score.Combined = 0
		score.Reasoning = "no confident signal from any heuristic"
	} else {
		score.Combined = clamp(int(math.Round(weightedSum/totalConf)), 0, 100)
		score.Reasoning = summarize(results)
	}
	score.Tier = th.TierFor(score.Combined)
	return score, nil
}

func summarize(results []NamedResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s=%d (%.2f)", r.Name, r.Result.Score, r.Result.Confidence))
	}
	return strings.Join(parts, ", ")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
