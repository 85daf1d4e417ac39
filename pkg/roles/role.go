package roles

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies an agent role. Values are ordered by ordinal.
type Role int

const (
	Default Role = iota
	Planner
	Coder
	Reviewer
)

var roleNames = [...]string{"default", "planner", "coder", "reviewer"}

// Builtin returns the built-in roles in ordinal order.
func Builtin() []Role {
	return []Role{Default, Planner, Coder, Reviewer}
}

func (r Role) String() string {
	if r >= 0 && int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Parse converts a role name to a Role.
func Parse(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range roleNames {
		if n == name {
			return Role(i), nil
		}
	}
	return Default, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// MarshalJSON implements json.Marshaler.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Definition describes a role and the model it prefers.
type Definition struct {
	Role           Role     `json:"role"`
	Description    string   `json:"description"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Constraints    []string `json:"constraints,omitempty"`
	PreferredModel string   `json:"preferred_model,omitempty"`
	FallbackChain  []string `json:"fallback_chain,omitempty"`
}

// TransitionEntry is one append-only record of a role change.
type TransitionEntry struct {
	From      Role      `json:"from_role"`
	To        Role      `json:"to_role"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultDefinitions returns the built-in role definitions without model preferences.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Role:         Default,
			Description:  "General-purpose assistant for mixed tasks",
			Capabilities: []string{"read_files", "write_files", "run_commands"},
		},
		{
			Role:         Planner,
			Description:  "Breaks work into steps and analyses the codebase",
			Capabilities: []string{"read_files", "search"},
			Constraints:  []string{"no_file_writes", "no_command_execution"},
		},
		{
			Role:         Coder,
			Description:  "Implements changes to source files",
			Capabilities: []string{"read_files", "write_files", "run_commands"},
			Constraints:  []string{"scoped_to_plan"},
		},
		{
			Role:         Reviewer,
			Description:  "Reviews diffs for correctness and style",
			Capabilities: []string{"read_files", "search"},
			Constraints:  []string{"no_file_writes"},
		},
	}
}
