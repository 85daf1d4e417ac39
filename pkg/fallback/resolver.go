// Package fallback picks the first usable model from an ordered candidate list.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zen-systems/routegate/pkg/circuit"
	"github.com/zen-systems/routegate/pkg/mode"
)

// Availability answers whether a model can be used right now.
type Availability interface {
	IsModelAvailable(ctx context.Context, id string) bool
	Explain(ctx context.Context, id string, m mode.Mode) string
}

// Gate admits requests to a model.
type Gate interface {
	TryAcquire(id string) (bool, circuit.State)
}

// Result is the outcome of one resolution.
type Result struct {
	Success        bool              `json:"success"`
	ModelID        string            `json:"model_id,omitempty"`
	Reason         string            `json:"reason"`
	TriedModels    []string          `json:"tried_models"`
	FailureReasons map[string]string `json:"failure_reasons,omitempty"`
}

// FallbackUsed reports whether the chosen model was not the first candidate.
func (r Result) FallbackUsed() bool {
	return r.Success && len(r.TriedModels) > 1
}

// Summary renders each tried model with its failure reason.
func (r Result) Summary() string {
	parts := make([]string, 0, len(r.TriedModels))
	for _, m := range r.TriedModels {
		if reason, ok := r.FailureReasons[m]; ok {
			parts = append(parts, fmt.Sprintf("%s [%s]", m, reason))
		} else {
			parts = append(parts, m)
		}
	}
	return strings.Join(parts, ", ")
}

// Resolver walks candidate lists against availability and circuit state.
type Resolver struct {
	avail  Availability
	gate   Gate
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a resolver.
func NewResolver(avail Availability, gate Gate, opts ...Option) *Resolver {
	r := &Resolver{avail: avail, gate: gate, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the first candidate that is available in m and admitted
// by its circuit.
func (r *Resolver) Resolve(ctx context.Context, candidates []string, m mode.Mode) Result {
	return r.ResolveWithFailures(ctx, candidates, m, nil)
}

// ResolveWithFailures is Resolve, skipping candidates whose provider call
// already failed. failed maps model to the call's failure reason.
//
// Availability is checked before the circuit so an unavailable model never
// consumes a half-open trial.
func (r *Resolver) ResolveWithFailures(ctx context.Context, candidates []string, m mode.Mode, failed map[string]string) Result {
	res := Result{TriedModels: []string{}}
	seen := make(map[string]bool, len(candidates))

	skip := func(id, reason string) {
		if res.FailureReasons == nil {
			res.FailureReasons = make(map[string]string)
		}
		res.FailureReasons[id] = reason
		r.logger.Debug("fallback candidate skipped", "model", id, "reason", reason)
	}

	for _, id := range candidates {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		res.TriedModels = append(res.TriedModels, id)

		if reason, ok := failed[id]; ok {
			if reason == "" {
				reason = "call failed"
			}
			skip(id, reason)
			continue
		}
		if !r.avail.IsModelAvailable(ctx, id) {
			skip(id, "unavailable")
			continue
		}
		if reason := r.avail.Explain(ctx, id, m); reason != "" {
			skip(id, reason)
			continue
		}
		if ok, state := r.gate.TryAcquire(id); !ok {
			skip(id, "circuit breaker "+state.String())
			continue
		}

		res.Success = true
		res.ModelID = id
		if len(res.TriedModels) == 1 {
			res.Reason = fmt.Sprintf("selected %s", id)
		} else {
			res.Reason = fmt.Sprintf("selected fallback %s after %d skipped", id, len(res.TriedModels)-1)
		}
		return res
	}

	if len(res.TriedModels) == 0 {
		res.Reason = "no candidate models configured"
	} else {
		res.Reason = "all candidates exhausted: " + res.Summary()
	}
	return res
}
