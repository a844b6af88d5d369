package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds. Every typed error below unwraps to one of these so callers can
// branch with errors.Is.
var (
	ErrSpecModel        = errors.New("spec model error")
	ErrDataValidation   = errors.New("data validation error")
	ErrStateTransition  = errors.New("state transition error")
	ErrOrJoinUnresolved = errors.New("or-join unresolved")
	ErrCancellationRace = errors.New("cancellation race")
	ErrNotFound         = errors.New("not found")
	ErrCaseClosed       = errors.New("case closed")
)

// SpecModelError reports a malformed net. A net carrying one cannot launch cases.
type SpecModelError struct {
	NetID    string
	Problems []string
}

func (e *SpecModelError) Error() string {
	return fmt.Sprintf("spec model error: net %s: %s", e.NetID, strings.Join(e.Problems, "; "))
}

func (e *SpecModelError) Unwrap() error { return ErrSpecModel }

// specModelf builds a single-problem SpecModelError.
func specModelf(netID, format string, args ...interface{}) *SpecModelError {
	return &SpecModelError{NetID: netID, Problems: []string{fmt.Sprintf(format, args...)}}
}

// DataValidationError reports output data that does not satisfy the task's declared parameters.
type DataValidationError struct {
	WorkItemID string
	TaskID     string
	Cause      error
}

func (e *DataValidationError) Error() string {
	return fmt.Sprintf("data validation error: work item %s (task %s): %v", e.WorkItemID, e.TaskID, e.Cause)
}

func (e *DataValidationError) Unwrap() []error { return []error{ErrDataValidation, e.Cause} }

// StateTransitionError reports a lifecycle move that is not allowed from the current state.
type StateTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *StateTransitionError) Error() string {
	msg := fmt.Sprintf("state transition error: %s %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StateTransitionError) Unwrap() error { return ErrStateTransition }

// OrJoinUnresolvedTimeout is a diagnostic: the OR-join has input but stayed blocked for Waited.
type OrJoinUnresolvedTimeout struct {
	NetID  string
	TaskID string
	Since  time.Time
	Waited time.Duration
}

func (e *OrJoinUnresolvedTimeout) Error() string {
	return fmt.Sprintf("or-join %s in net %s unresolved for %s", e.TaskID, e.NetID, e.Waited)
}

func (e *OrJoinUnresolvedTimeout) Unwrap() error { return ErrOrJoinUnresolved }

// CancellationRaceError reports a completion that lost against a cancellation set.
type CancellationRaceError struct {
	WorkItemID  string
	CancelledBy string
}

func (e *CancellationRaceError) Error() string {
	return fmt.Sprintf("cancellation race: work item %s was already cancelled by %s", e.WorkItemID, e.CancelledBy)
}

func (e *CancellationRaceError) Unwrap() error { return ErrCancellationRace }

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
