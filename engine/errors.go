/*
errors.go - Centralized error taxonomy for the scheduling and ledger engine

PURPOSE:
  All recoverable error categories in one place. Every operation exposed to
  the forms/UI layer resolves to exactly one of four categories, so HTTP
  handlers (and any other caller) can map errors without string matching.

ERROR CATEGORIES:
  1. Validation - malformed input, rejected before any write
  2. Forbidden  - capability predicate denied the caller
  3. Conflict   - an invariant in the store rejected the write
                  (overlapping booking, duplicate charge)
  4. NotFound   - a referenced record does not exist

USAGE:
  Structured types carry context (which interval conflicted, which record
  is missing) and unwrap to sentinels:

    if engine.IsConflict(err) {
        var conflict *engine.ConflictError
        errors.As(err, &conflict)
        // conflict.Start / conflict.End tell the client what to revert
    }

SEE ALSO:
  - schedule/scheduler.go: Produces these from booking operations
  - store/sqlite/sqlite.go: Translates constraint violations into Conflict
  - api/handlers.go: Maps categories to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all malformed-input failures.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is returned when a capability predicate denies the caller.
	// Lookup failures during the predicate also resolve here: deny on doubt.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when the store's invariants reject a write.
	// The write did not happen; other writes in a batch are unaffected.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Conflict kinds. The store reports which invariant fired so the caller can
// phrase the rejection ("therapist busy" vs "child already booked").
const (
	ConflictSpecialistOverlap = "specialist_overlap"
	ConflictChildOverlap      = "child_overlap"
	ConflictDuplicateCharge   = "duplicate_charge"
	ConflictServiceInUse      = "service_in_use"
	ConflictStaleStatus       = "stale_status"
)

// ConflictError describes a write rejected by a store invariant.
// For overlap conflicts Start/End hold the interval that was refused,
// which a drag-and-drop client needs in order to revert its local state.
type ConflictError struct {
	Kind  string
	Start time.Time
	End   time.Time
}

func (e *ConflictError) Error() string {
	if e.Start.IsZero() {
		return fmt.Sprintf("conflict: %s", e.Kind)
	}
	return fmt.Sprintf("conflict: %s for [%s, %s)",
		e.Kind, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError describes rejected input. Field is the offending input
// field in snake_case, matching the API contract.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing record.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ForbiddenError records who was denied what. It never explains why in
// detail: capability checks fail closed and stay opaque to the caller.
type ForbiddenError struct {
	CallerID  string
	Operation string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("caller %q may not %s", e.CallerID, e.Operation)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsForbidden(err error) bool  { return errors.Is(err, ErrForbidden) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }

// Validationf builds a ValidationError with a formatted message.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
