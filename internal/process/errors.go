package process

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no process matches the given id or name.
	ErrNotFound = errors.New("process not found")
	// ErrDuplicate is returned when creating a process whose name is taken.
	ErrDuplicate = errors.New("duplicate process name")
	// ErrNotRunning is returned when stopping a process that is not running.
	ErrNotRunning = errors.New("process not running")
)

// InvalidStateTransitionError reports a rejected state machine transition.
// The entity is left unchanged when this error is returned.
type InvalidStateTransitionError struct {
	From State
	To   State
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// InvalidCommandError reports a request that is structurally valid but cannot
// be honored (failed precondition, malformed definition, ...).
type InvalidCommandError struct {
	Reason string
}

func (e *InvalidCommandError) Error() string {
	return "invalid command: " + e.Reason
}

// DependencyNotFoundError reports a dependency edge pointing at an unknown
// process name.
type DependencyNotFoundError struct {
	Name string
}

func (e *DependencyNotFoundError) Error() string {
	return "dependency not found: " + e.Name
}

// IsInvalidTransition reports whether err is an InvalidStateTransitionError.
func IsInvalidTransition(err error) bool {
	var ist *InvalidStateTransitionError
	return errors.As(err, &ist)
}
