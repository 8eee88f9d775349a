package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrValidation represents a rejected input: bad configuration, a non-positive
// chunk size, a missing dependency, and so on. Validation errors are reported
// synchronously and are never retried.
type ErrValidation struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ErrValidation) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// Is allows for error checking with errors.Is().
func (e *ErrValidation) Is(target error) bool {
	_, ok := target.(*ErrValidation)
	return ok
}

// NewValidationError creates a new ErrValidation.
func NewValidationError(field, reason string) *ErrValidation {
	return &ErrValidation{Field: field, Reason: reason}
}

// ErrDependencyCycle is returned when registering a loadable item would close a
// cycle in the dependency graph. The cycle is rejected at registration time,
// never discovered at load time.
type ErrDependencyCycle struct {
	Path []string
}

// Error implements the error interface.
func (e *ErrDependencyCycle) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Is allows for error checking with errors.Is().
// A cycle also matches ErrValidation since it is a registration-time rejection.
func (e *ErrDependencyCycle) Is(target error) bool {
	if _, ok := target.(*ErrDependencyCycle); ok {
		return true
	}
	_, ok := target.(*ErrValidation)
	return ok
}

// NewDependencyCycleError creates a new ErrDependencyCycle for the given path.
func NewDependencyCycleError(path []string) *ErrDependencyCycle {
	return &ErrDependencyCycle{Path: path}
}

// ErrCapacity is returned when a single value cannot fit into a bounded cache
// even after evicting every other entry.
type ErrCapacity struct {
	Key      string
	Size     int64
	MaxBytes int64
}

// Error implements the error interface.
func (e *ErrCapacity) Error() string {
	return fmt.Sprintf("value for key %q (%d bytes) exceeds cache capacity of %d bytes", e.Key, e.Size, e.MaxBytes)
}

// Is allows for error checking with errors.Is().
func (e *ErrCapacity) Is(target error) bool {
	_, ok := target.(*ErrCapacity)
	return ok
}

// NewCapacityError creates a new ErrCapacity.
func NewCapacityError(key string, size, maxBytes int64) *ErrCapacity {
	return &ErrCapacity{Key: key, Size: size, MaxBytes: maxBytes}
}

// ErrTransient wraps a failed loader or processor call that is eligible for
// retry with the same inputs.
type ErrTransient struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ErrTransient) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ErrTransient) Unwrap() error {
	return e.Err
}

// Is allows for error checking with errors.Is().
func (e *ErrTransient) Is(target error) bool {
	_, ok := target.(*ErrTransient)
	return ok
}

// NewTransientError creates a new ErrTransient.
func NewTransientError(op string, err error) *ErrTransient {
	return &ErrTransient{Op: op, Err: err}
}

// ErrPermanent is the escalation of a transient failure once the retry budget
// for a unit of work is exhausted. It is scoped to that unit only.
type ErrPermanent struct {
	Op       string
	ID       string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ErrPermanent) Error() string {
	return fmt.Sprintf("%s %q failed permanently after %d attempts: %v", e.Op, e.ID, e.Attempts, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ErrPermanent) Unwrap() error {
	return e.Err
}

// Is allows for error checking with errors.Is().
func (e *ErrPermanent) Is(target error) bool {
	_, ok := target.(*ErrPermanent)
	return ok
}

// NewPermanentError creates a new ErrPermanent.
func NewPermanentError(op, id string, attempts int, err error) *ErrPermanent {
	return &ErrPermanent{Op: op, ID: id, Attempts: attempts, Err: err}
}

// ErrMemoryExhausted is returned when memory pressure stayed at the emergency
// level past the backoff budget. The whole operation fails; no unit of work is
// silently dropped.
type ErrMemoryExhausted struct {
	UsedPercent float64
	Retries     int
}

// Error implements the error interface.
func (e *ErrMemoryExhausted) Error() string {
	return fmt.Sprintf("memory exhausted: usage at %.1f%% after %d backoff attempts", e.UsedPercent, e.Retries)
}

// Is allows for error checking with errors.Is().
func (e *ErrMemoryExhausted) Is(target error) bool {
	_, ok := target.(*ErrMemoryExhausted)
	return ok
}

// NewMemoryExhaustedError creates a new ErrMemoryExhausted.
func NewMemoryExhaustedError(usedPercent float64, retries int) *ErrMemoryExhausted {
	return &ErrMemoryExhausted{UsedPercent: usedPercent, Retries: retries}
}

// ErrCancelled marks a task or chunk that was cancelled by id. Cancellation is
// a distinct kind: it is not counted against retry budgets or failure metrics.
type ErrCancelled struct {
	ID string
}

// Error implements the error interface.
func (e *ErrCancelled) Error() string {
	return fmt.Sprintf("task %q cancelled", e.ID)
}

// Is allows for error checking with errors.Is().
func (e *ErrCancelled) Is(target error) bool {
	_, ok := target.(*ErrCancelled)
	return ok
}

// NewCancelledError creates a new ErrCancelled.
func NewCancelledError(id string) *ErrCancelled {
	return &ErrCancelled{ID: id}
}

// IsCancellation reports whether err is a cancellation, either of a task by id
// or of the surrounding context.
func IsCancellation(err error) bool {
	return errors.Is(err, &ErrCancelled{}) || errors.Is(err, context.Canceled)
}

// IsValidation reports whether err is a validation failure (including cycles).
func IsValidation(err error) bool {
	return errors.Is(err, &ErrValidation{}) || errors.Is(err, &ErrDependencyCycle{})
}
