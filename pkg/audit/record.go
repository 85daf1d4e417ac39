// Package audit records routing decisions and role transitions.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/routegate/pkg/roles"
)

// TransitionRecord captures one role change.
type TransitionRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from_role"`
	To        string    `json:"to_role"`
	Reason    string    `json:"reason"`
}

// NewTransitionRecord builds a record from a registry entry.
func NewTransitionRecord(e roles.TransitionEntry) TransitionRecord {
	return TransitionRecord{
		ID:        uuid.NewString(),
		Timestamp: e.Timestamp.UTC(),
		From:      e.From.String(),
		To:        e.To.String(),
		Reason:    e.Reason,
	}
}

// DecisionRecord captures one routing decision or routing failure.
type DecisionRecord struct {
	ID                string            `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	Role              string            `json:"role"`
	Mode              string            `json:"mode"`
	Strategy          string            `json:"strategy"`
	Success           bool              `json:"success"`
	Model             string            `json:"model,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	FallbackUsed      bool              `json:"fallback_used"`
	Reason            string            `json:"reason"`
	Tier              string            `json:"tier,omitempty"`
	Score             *int              `json:"score,omitempty"`
	Override          string            `json:"override,omitempty"`
	OverrideRejection string            `json:"override_rejection,omitempty"`
	Candidates        []string          `json:"candidates,omitempty"`
	Tried             []string          `json:"tried,omitempty"`
	FailureReasons    map[string]string `json:"failure_reasons,omitempty"`
	Error             string            `json:"error,omitempty"`
	LatencyMillis     float64           `json:"latency_ms"`
}

// Sink persists audit records.
type Sink interface {
	WriteDecision(ctx context.Context, rec DecisionRecord) error
	WriteTransition(ctx context.Context, rec TransitionRecord) error
	Close() error
}

// Multi fans records out to every sink and joins their errors.
type Multi []Sink

// WriteDecision implements Sink.
func (m Multi) WriteDecision(ctx context.Context, rec DecisionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteDecision(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteTransition implements Sink.
func (m Multi) WriteTransition(ctx context.Context, rec TransitionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteTransition(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards records.
type Nop struct{}

func (Nop) WriteDecision(context.Context, DecisionRecord) error     { return nil }
func (Nop) WriteTransition(context.Context, TransitionRecord) error { return nil }
func (Nop) Close() error                                            { return nil }
