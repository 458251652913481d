/*
store.go - Persistence interfaces for the booking core

PURPOSE:
  The contracts the store must honor. The overlap invariants are part of
  these contracts: InsertAppointment and UpdateAppointment must perform
  the range-exclusion check atomically inside the write itself. A
  check-then-insert in this package would race under concurrent bookings
  and is explicitly not how this works.

SEE ALSO:
  - store/sqlite/sqlite.go: The implementation (triggers + unique index)
  - scheduler.go: The only consumer
*/
package schedule

import (
	"context"
	"time"

	"github.com/tinysteps/center-engine/engine"
	"github.com/tinysteps/center-engine/finance"
)

// AppointmentStore persists bookings and owns the overlap invariants.
type AppointmentStore interface {
	// InsertAppointment persists the row, atomically rejecting it with a
	// ConflictError when it would overlap a non-canceled appointment of
	// the same child or the same specialist.
	InsertAppointment(ctx context.Context, a Appointment) error

	// GetAppointment returns a row by id, or nil when absent.
	GetAppointment(ctx context.Context, id string) (*Appointment, error)

	// UpdateAppointment rewrites the mutable fields (times, notes,
	// service, specialist) under the same overlap guarantee as insert.
	// Status is NOT updated here; that goes through TransitionStatus.
	UpdateAppointment(ctx context.Context, a Appointment) error

	// DeleteAppointment hard-deletes the row. Charges referencing it
	// keep their row and lose the reference.
	DeleteAppointment(ctx context.Context, id string) error

	// TransitionStatus writes the new status and, when charge is non-nil,
	// inserts the charge in the SAME transaction. A pre-existing charge
	// for the appointment is not an error: the insert is skipped and
	// charged is false. The write only applies when the current status
	// still equals from.
	TransitionStatus(ctx context.Context, id string, from, to Status, charge *finance.ChargeDraft) (charged bool, err error)

	// ListVisible returns appointments in [from, to) the caller may see.
	// This filters, not gates: guardians get only their children's rows,
	// specialists get their own appointments plus assigned children,
	// elevated roles get everything.
	ListVisible(ctx context.Context, caller engine.Caller, from, to time.Time) ([]Appointment, error)

	// ListForSpecialistDay returns the specialist's non-canceled
	// appointments on the given calendar day, ordered by start.
	ListForSpecialistDay(ctx context.Context, specialistID string, day time.Time) ([]Appointment, error)

	// WorkingHoursFor returns the specialist's advisory availability rows.
	WorkingHoursFor(ctx context.Context, specialistID string) ([]WorkingHours, error)
}

// Lookup resolves the foreign keys a booking references and the display
// data a completion charge needs. Read-only.
type Lookup interface {
	ServiceByID(ctx context.Context, id string) (*Service, error)
	SpecialistExists(ctx context.Context, id string) (bool, error)
	ChildExists(ctx context.Context, id string) (bool, error)
	ChildName(ctx context.Context, id string) (string, error)
}
