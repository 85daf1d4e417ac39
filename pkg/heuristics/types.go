package heuristics

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/zen-systems/routegate/pkg/roles"
)

// ErrInvalidResult marks a heuristic result outside its allowed ranges.
var ErrInvalidResult = errors.New("invalid heuristic result")

// Context is the task metadata heuristics read. It is never modified.
type Context struct {
	TaskDescription string            `json:"task_description"`
	Files           []string          `json:"files,omitempty"`
	Role            *roles.Role       `json:"role,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Result is one heuristic's verdict.
type Result struct {
	Score      int     `json:"score"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Validate checks score in [0,100], confidence in [0,1] and non-empty reasoning.
func (r Result) Validate() error {
	if r.Score < 0 || r.Score > 100 {
		return fmt.Errorf("%w: score %d outside [0,100]", ErrInvalidResult, r.Score)
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidResult, r.Confidence)
	}
	if strings.TrimSpace(r.Reasoning) == "" {
		return fmt.Errorf("%w: empty reasoning", ErrInvalidResult)
	}
	return nil
}

// ValidationError names the heuristic that produced an invalid result.
type ValidationError struct {
	Heuristic string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("heuristic %s: %v", e.Heuristic, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Heuristic scores task complexity from a Context.
// Lower Priority values run first.
type Heuristic interface {
	Name() string
	Priority() int
	Evaluate(ctx Context) Result
}

// Tier is a coarse complexity bucket.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

var tierNames = [...]string{"low", "medium", "high"}

func (t Tier) String() string {
	if t >= 0 && int(t) < len(tierNames) {
		return tierNames[t]
	}
	return "unknown"
}

// MarshalJSON implements json.Marshaler.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Thresholds split combined scores into tiers.
type Thresholds struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// DefaultThresholds returns low=30, high=70.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 30, High: 70}
}

// Validate requires 0 <= Low < High <= 100.
func (t Thresholds) Validate() error {
	if t.Low < 0 || t.High > 100 || t.Low >= t.High {
		return fmt.Errorf("invalid complexity thresholds low=%d high=%d", t.Low, t.High)
	}
	return nil
}

// TierFor maps a combined score to a tier.
func (t Thresholds) TierFor(score int) Tier {
	switch {
	case score <= t.Low:
		return TierLow
	case score >= t.High:
		return TierHigh
	default:
		return TierMedium
	}
}

// NamedResult pairs a result with the heuristic that produced it.
type NamedResult struct {
	Name   string `json:"name"`
	Result Result `json:"result"`
}

// ComplexityScore is the combined verdict of all heuristics for one request.
type ComplexityScore struct {
	Combined      int           `json:"combined_score"`
	Tier          Tier          `json:"tier"`
	Results       []NamedResult `json:"individual_results,omitempty"`
	LowThreshold  int           `json:"low_threshold"`
	HighThreshold int           `json:"high_threshold"`
	Reasoning     string        `json:"reasoning,omitempty"`
}
