// Package roles holds agent role definitions and the session's current role.
package roles

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds the role definitions and the current-role state for one router.
type Registry struct {
	definitions map[Role]Definition
	policy      TransitionPolicy
	now         func() time.Time
	logger      *slog.Logger
	observers   []func(TransitionEntry)

	mu      sync.RWMutex
	current Role
	history []TransitionEntry

	// notifyMu is taken before mu is released so observers see transitions
	// in history order.
	notifyMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy installs a transition policy. The default is AllowAll.
func WithPolicy(p TransitionPolicy) Option {
	return func(r *Registry) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithClock overrides the clock used for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver registers a callback invoked after each recorded transition.
// Callbacks run one at a time in history order and must not call
// SetCurrentRole.
func WithObserver(fn func(TransitionEntry)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// NewRegistry creates a registry from definitions. Built-in roles missing from
// defs are filled from DefaultDefinitions so every built-in role is always registered.
func NewRegistry(defs []Definition, opts ...Option) *Registry {
	r := &Registry{
		definitions: make(map[Role]Definition),
		policy:      AllowAll,
		now:         time.Now,
		logger:      slog.Default(),
		current:     Default,
	}
	for _, d := range DefaultDefinitions() {
		r.definitions[d.Role] = d
	}
	for _, d := range defs {
		r.definitions[d.Role] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetRole returns the definition for role.
func (r *Registry) GetRole(role Role) (Definition, error) {
	d, ok := r.definitions[role]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return d, nil
}

// ListRoles returns all definitions ordered by role ordinal.
func (r *Registry) ListRoles() []Definition {
	out := make([]Definition, 0, len(r.definitions))
	for _, d := range r.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// GetCurrentRole returns the last role set, or Default.
func (r *Registry) GetCurrentRole() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetCurrentRole records a transition to role and makes it current.
// On error the current role is unchanged.
func (r *Registry) SetCurrentRole(role Role, reason string) error {
	r.mu.Lock()
	from := r.current
	if _, ok := r.definitions[role]; !ok {
		r.mu.Unlock()
		return &TransitionError{From: from, To: role, Err: ErrUnknownRole}
	}
	if err := r.policy.Allow(from, role); err != nil {
		r.mu.Unlock()
		return &TransitionError{From: from, To: role, Err: err}
	}

	entry := TransitionEntry{
		From:      from,
		To:        role,
		Reason:    reason,
		Timestamp: r.now().UTC(),
	}
	r.history = append(r.history, entry)
	r.current = role
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.logger.Info("role transition", "from", from.String(), "to", role.String(), "reason", reason)
	for _, fn := range r.observers {
		fn(entry)
	}
	return nil
}

// GetRoleHistory returns a copy of all transitions, oldest first.
func (r *Registry) GetRoleHistory() []TransitionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TransitionEntry, len(r.history))
	copy(out, r.history)
	return out
}
