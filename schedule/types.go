/*
Package schedule is the appointment booking core.

PURPOSE:
  Owns the appointment model, the status lifecycle, the weekly recurrence
  expander, and the Scheduler service that ties them to the store and the
  capability predicates.

KEY CONCEPTS:
  - Service:       A billable therapy type (speech session, assessment...)
  - Appointment:   One booked [start, end) interval for a child with a
                   specialist, carrying a status
  - WorkingHours:  Advisory weekly availability per specialist; informs
                   slot suggestion but is NOT a hard booking constraint
  - Recurrence:    A weekday set expanded into independent occurrences
                   sharing a group id

INVARIANTS (enforced by the store, not here):
  - a child never has two overlapping non-canceled appointments
  - a specialist never has two overlapping non-canceled appointments
  - an appointment produces at most one charge

SEE ALSO:
  - lifecycle.go:  Status transitions and the billing edge
  - recurrence.go: Occurrence expansion
  - scheduler.go:  The service layer
  - store/sqlite:  Where the invariants actually live
*/
package schedule

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tinysteps/center-engine/engine"
)

// =============================================================================
// SERVICE - Billable therapy type
// =============================================================================

// Service is a catalog entry. Price is read at completion time, not at
// booking time, so editing a price never rewrites history.
type Service struct {
	ID              string
	Name            string
	DurationMinutes int
	Price           decimal.Decimal
	Color           string
	CreatedAt       time.Time
}

// Validate rejects malformed catalog entries before any write.
func (s Service) Validate() error {
	if s.Name == "" {
		return validationErr("name", "required")
	}
	if s.DurationMinutes <= 0 {
		return validationErr("duration_minutes", "must be positive")
	}
	if s.Price.IsNegative() {
		return validationErr("price", "must not be negative")
	}
	return nil
}

// =============================================================================
// WORKING HOURS - Advisory weekly availability
// =============================================================================

// WorkingHours is one (specialist, weekday) availability window. Times are
// minutes-from-midnight; at most one row per specialist per weekday.
type WorkingHours struct {
	SpecialistID string
	Weekday      time.Weekday
	StartMinute  int
	EndMinute    int
}

func (w WorkingHours) Validate() error {
	if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
		return validationErr("weekday", "must be 0-6")
	}
	if w.StartMinute < 0 || w.EndMinute > 24*60 {
		return validationErr("start_minute", "window must fit within a day")
	}
	if w.StartMinute >= w.EndMinute {
		return validationErr("start_minute", "start must be before end")
	}
	return nil
}

// =============================================================================
// APPOINTMENT
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
	StatusCanceled  Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusNoShow, StatusCanceled:
		return true
	}
	return false
}

// Appointment is one booked interval. Canceled appointments keep their
// row but are exempt from the overlap invariants, so a canceled slot can
// be rebooked freely.
type Appointment struct {
	ID                string
	ChildID           string
	SpecialistID      string
	ServiceID         string
	Start             time.Time
	End               time.Time
	Status            Status
	Notes             string
	IsRecurring       bool
	RecurrenceGroupID string // shared by all occurrences of one request; empty for standalone
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Overlaps reports whether two [start, end) intervals intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func validationErr(field, message string) error {
	return &engine.ValidationError{Field: field, Message: message}
}
