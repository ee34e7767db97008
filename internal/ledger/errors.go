package ledger

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInactiveTarget is matched by every *InactiveTargetError.
	ErrInactiveTarget = errors.New("ledger: target inactive")
	// ErrAlreadyReversed is matched by every *AlreadyReversedError.
	ErrAlreadyReversed = errors.New("ledger: event already reversed")
	// ErrConsistency is matched by every *ConsistencyError.
	ErrConsistency = errors.New("ledger: consistency failure")
	// ErrDuplicateRequest is returned by stores when a request id was already committed.
	ErrDuplicateRequest = errors.New("ledger: duplicate request id")
	// ErrDuplicateCode is returned by stores when an account code is taken.
	ErrDuplicateCode = errors.New("ledger: duplicate account code")
	// ErrRollbackFailed is joined to the returned error when a store could not undo a transaction.
	ErrRollbackFailed = errors.New("ledger: rollback failed")
)

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "ledger: invalid input: " + e.Reason
	}
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an unknown entity or event.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ledger: %s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError for an entity with an integer id.
func NotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprintf("%d", id)}
}

// InactiveTargetError rejects postings against deactivated entities.
type InactiveTargetError struct {
	Target TargetRef
}

func (e *InactiveTargetError) Error() string {
	return fmt.Sprintf("ledger: %s is inactive", e.Target)
}

func (e *InactiveTargetError) Is(target error) bool { return target == ErrInactiveTarget }

// AlreadyReversedError rejects amendments of reversed events.
type AlreadyReversedError struct {
	EventID int64
}

func (e *AlreadyReversedError) Error() string {
	return fmt.Sprintf("ledger: event %d already reversed", e.EventID)
}

func (e *AlreadyReversedError) Is(target error) bool { return target == ErrAlreadyReversed }

// ConsistencyError is raised when a multi-step adjustment could not complete
// every step. The surrounding transaction is rolled back; RolledBack is false
// only if the store reported that the undo itself failed, in which case the
// running totals must be reconciled by hand.
type ConsistencyError struct {
	Op         string
	Stage      string
	Targets    []TargetRef
	RolledBack bool
	Err        error
}

func (e *ConsistencyError) Error() string {
	refs := make([]string, 0, len(e.Targets))
	for _, ref := range e.Targets {
		refs = append(refs, ref.String())
	}
	state := "rolled back"
	if !e.RolledBack {
		state = "ROLLBACK FAILED, manual reconciliation required"
	}
	return fmt.Sprintf("ledger: %s failed at %s on [%s] (%s): %v", e.Op, e.Stage, strings.Join(refs, ", "), state, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
