package circuit

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a circuit's position in the breaker state machine.
type State int

const (
	// Closed permits requests.
	Closed State = iota
	// Open blocks requests until the next retry time.
	Open
	// HalfOpen permits a single trial request.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StateInfo is a snapshot of one model's circuit.
type StateInfo struct {
	ModelID         string     `json:"model_id"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	NextRetryTime   *time.Time `json:"next_retry_time,omitempty"`
	LastReason      string     `json:"last_failure_reason,omitempty"`
}

// IsAllowingRequests reports whether the snapshot state admits traffic.
func (i StateInfo) IsAllowingRequests() bool {
	return i.State != Open
}

// Config holds breaker parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int
	// BaseBackoff and MaxBackoff bound the exponential open period.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// TrialTimeout releases a HalfOpen trial whose outcome was never reported.
	TrialTimeout time.Duration
}

// DefaultConfig returns threshold 5, backoff 1s..5m, trial timeout 30s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		BaseBackoff:      time.Second,
		MaxBackoff:       5 * time.Minute,
		TrialTimeout:     30 * time.Second,
	}
}

// Validate checks the threshold range and backoff ordering.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 || c.FailureThreshold > 20 {
		return fmt.Errorf("circuit breaker failure threshold %d outside [1,20]", c.FailureThreshold)
	}
	if c.BaseBackoff <= 0 {
		return fmt.Errorf("circuit breaker base backoff must be positive")
	}
	if c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("circuit breaker max backoff %s below base %s", c.MaxBackoff, c.BaseBackoff)
	}
	if c.TrialTimeout < 0 {
		return fmt.Errorf("circuit breaker trial timeout must not be negative")
	}
	return nil
}
