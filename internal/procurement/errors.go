package procurement

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the order or one of its lines does not exist.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input rejected before any mutation.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrStateConflict indicates the operation is illegal in the current status.
	ErrStateConflict = errors.New("procurement: state conflict")
	// ErrInvalidTransition indicates a rejected status transition.
	ErrInvalidTransition = errors.New("procurement: invalid state transition")
	// ErrExternalService indicates a collaborator call failed.
	ErrExternalService = errors.New("procurement: external service failure")
	// ErrPartialFailure indicates some entries of a batch failed.
	ErrPartialFailure = errors.New("procurement: partial failure")
	// ErrConcurrentUpdate indicates another writer committed first.
	ErrConcurrentUpdate = errors.New("procurement: concurrent update")
	// ErrForbidden indicates the actor lacks a required permission.
	ErrForbidden = errors.New("procurement: forbidden")
	// ErrNoSession indicates there is no receiving session for the order.
	ErrNoSession = errors.New("procurement: no receiving session")
	// ErrPaymentUnrecorded indicates the ledger accepted a payment that could
	// not be stored with the order.
	ErrPaymentUnrecorded = errors.New("procurement: payment accepted by ledger but not recorded")
)

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "procurement: invalid input: " + e.Reason
	}
	return fmt.Sprintf("procurement: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError names the current state, the attempted state and
// the guard that was not met. Permission is set when the unmet guard is a
// missing permission.
type InvalidTransitionError struct {
	From       OrderStatus
	To         OrderStatus
	Guard      string
	Permission string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("procurement: cannot move order from %s to %s: %s", e.From, e.To, e.Guard)
}

func (e *InvalidTransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition, ErrStateConflict:
		return true
	case ErrForbidden:
		return e.Permission != ""
	}
	return false
}

// StateConflictError reports an operation attempted from an illegal status.
type StateConflictError struct {
	Status OrderStatus
	Reason string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("procurement: order is %s: %s", e.Status, e.Reason)
}

func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

// ExternalServiceError wraps a failed collaborator call. Local state is kept
// so the caller can retry.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("procurement: %s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalService
}

// EntryResult is the outcome of one entry in a batch operation.
type EntryResult struct {
	Index      int    `json:"index"`
	Reference  string `json:"reference,omitempty"`
	Success    bool   `json:"success"`
	Unrecorded bool   `json:"unrecorded,omitempty"`
	Message    string `json:"message,omitempty"`
	Err        error  `json:"-"`
}

// PartialFailure reports a batch where some entries succeeded and some failed.
type PartialFailure struct {
	Entries []EntryResult
}

func (e *PartialFailure) Error() string {
	var failed []string
	for _, entry := range e.Entries {
		if !entry.Success {
			failed = append(failed, fmt.Sprintf("#%d: %s", entry.Index, entry.Message))
		}
	}
	return fmt.Sprintf("procurement: %d of %d entries failed (%s)", len(failed), len(e.Entries), strings.Join(failed, "; "))
}

func (e *PartialFailure) Is(target error) bool {
	return target == ErrPartialFailure
}
