package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/routegate/pkg/heuristics"
	"github.com/zen-systems/routegate/pkg/mode"
	"github.com/zen-systems/routegate/pkg/roles"
)

// ErrNoModelAvailable is matched by every routing failure.
var ErrNoModelAvailable = errors.New("no model available")

// Strategy selects how candidate lists are built.
type Strategy string

const (
	// StrategySingle uses the default model then the global chain.
	StrategySingle Strategy = "single"
	// StrategyRoleBased uses the role's model and chain then the global chain.
	StrategyRoleBased Strategy = "role_based"
	// StrategyAdaptive puts the tier model ahead of the role-based list.
	StrategyAdaptive Strategy = "adaptive"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategySingle, StrategyRoleBased, StrategyAdaptive:
		return st, nil
	case "":
		return StrategyRoleBased, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// Request is one routing question.
type Request struct {
	Role     roles.Role         `json:"role"`
	Context  heuristics.Context `json:"context"`
	Override string             `json:"override,omitempty"`
	Mode     mode.Mode          `json:"mode"`
}

// Decision is the answer to a Request. It holds no clock or random values,
// so equal inputs and equal cache and circuit state give equal decisions.
type Decision struct {
	ModelID           string                      `json:"model_id"`
	Provider          string                      `json:"provider,omitempty"`
	FallbackUsed      bool                        `json:"fallback_used"`
	Reason            string                      `json:"reason"`
	Role              roles.Role                  `json:"role"`
	Mode              mode.Mode                   `json:"mode"`
	Strategy          Strategy                    `json:"strategy"`
	Complexity        *heuristics.ComplexityScore `json:"complexity,omitempty"`
	Candidates        []string                    `json:"candidates,omitempty"`
	Tried             []string                    `json:"tried,omitempty"`
	FailureReasons    map[string]string           `json:"failure_reasons,omitempty"`
	Override          string                      `json:"override,omitempty"`
	OverrideRejection string                      `json:"override_rejection,omitempty"`
}

// MarshalIndent renders the decision for display.
func (d Decision) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Error is a routing failure. It carries every tried model and why it was
// skipped.
type Error struct {
	Role              roles.Role
	Mode              mode.Mode
	Tried             []string
	FailureReasons    map[string]string
	OverrideRejection string
	Reason            string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no model available for role %s in %s mode", e.Role, e.Mode)
	if len(e.Tried) == 0 {
		b.WriteString(": no candidate models configured")
	} else {
		parts := make([]string, 0, len(e.Tried))
		for _, m := range e.Tried {
			if reason, ok := e.FailureReasons[m]; ok {
				parts = append(parts, fmt.Sprintf("%s [%s]", m, reason))
			} else {
				parts = append(parts, m)
			}
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if e.OverrideRejection != "" {
		b.WriteString("; ")
		b.WriteString(e.OverrideRejection)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return ErrNoModelAvailable
}

// TierModels maps complexity tiers to models for the adaptive strategy.
type TierModels struct {
	Low    string `json:"low,omitempty"`
	Medium string `json:"medium,omitempty"`
	High   string `json:"high,omitempty"`
}

// For returns the model for tier, or "".
func (t TierModels) For(tier heuristics.Tier) string {
	switch tier {
	case heuristics.TierLow:
		return t.Low
	case heuristics.TierHigh:
		return t.High
	default:
		return t.Medium
	}
}

// Config holds the routing tables.
type Config struct {
	Strategy      Strategy
	DefaultModel  string
	Override      string
	TierModels    TierModels
	FallbackChain []string
}

// AliasResolver maps model aliases to canonical ids.
type AliasResolver interface {
	Resolve(model string) string
}

type identity struct{}

func (identity) Resolve(model string) string { return model }

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func copyReasons(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
