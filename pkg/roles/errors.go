package roles

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRole is returned for roles that are not registered.
	ErrUnknownRole = errors.New("unknown role")
	// ErrTransitionNotAllowed is returned when a TransitionPolicy rejects a change.
	ErrTransitionNotAllowed = errors.New("role transition not allowed")
)

// TransitionError reports a failed SetCurrentRole with the attempted roles.
type TransitionError struct {
	From Role
	To   Role
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("role transition %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
