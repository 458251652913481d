/*
scheduler.go - Booking service layer

PURPOSE:
  The operations the forms/UI layer calls: create, move, delete, change
  status, expand a recurring series. Capability predicates run before
  every side effect; the overlap and single-charge invariants are left to
  the store, which enforces them atomically.

REQUEST FLOW:
  CreateAppointment: validate input -> CanWrite -> store insert (store
  rejects overlaps with a typed ConflictError; the client reverts its
  speculative calendar state on 409).

  ChangeStatus: load -> CanWrite -> lifecycle check -> on the edge into
  completed, build the charge from CURRENT service price and child name
  -> store writes status + charge in one transaction.

  CreateRecurringSeries: expand -> submit each occurrence independently.
  A conflict on one occurrence does not abort the others; the result
  lists what was created and which timestamps failed, and the operator
  resolves the failures by hand.

SEE ALSO:
  - lifecycle.go, recurrence.go: The pure pieces
  - store/sqlite/sqlite.go: Invariant enforcement
*/
package schedule

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinysteps/center-engine/access"
	"github.com/tinysteps/center-engine/engine"
	"github.com/tinysteps/center-engine/finance"
)

// Scheduler is the booking service.
type Scheduler struct {
	Store  AppointmentStore
	Lookup Lookup
	Guard  *access.Guard
	Logger *zap.Logger
}

func NewScheduler(store AppointmentStore, lookup Lookup, guard *access.Guard, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{Store: store, Lookup: lookup, Guard: guard, Logger: logger}
}

// =============================================================================
// CREATE / UPDATE / DELETE
// =============================================================================

// CreateInput is a booking request.
type CreateInput struct {
	ChildID      string
	SpecialistID string
	ServiceID    string
	Start        time.Time
	End          time.Time
	Status       Status // pending or confirmed; empty defaults to pending
	Notes        string
}

func (in *CreateInput) validate() error {
	if in.ChildID == "" {
		return validationErr("child_id", "required")
	}
	if in.SpecialistID == "" {
		return validationErr("specialist_id", "required")
	}
	if in.ServiceID == "" {
		return validationErr("service_id", "required")
	}
	if in.Start.IsZero() || in.End.IsZero() {
		return validationErr("start", "start and end required")
	}
	if !in.End.After(in.Start) {
		return validationErr("end", "must be after start")
	}
	if in.Status == "" {
		in.Status = StatusPending
	}
	if in.Status != StatusPending && in.Status != StatusConfirmed {
		return validationErr("status", "new appointments start as pending or confirmed")
	}
	return nil
}

// CreateAppointment books one interval.
func (s *Scheduler) CreateAppointment(ctx context.Context, caller engine.Caller, in CreateInput) (*Appointment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.Guard.RequireWrite(ctx, caller, in.ChildID, "create appointment"); err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, in); err != nil {
		return nil, err
	}
	return s.insert(ctx, caller, in, false, "")
}

// insert persists one validated, authorized booking.
func (s *Scheduler) insert(ctx context.Context, caller engine.Caller, in CreateInput, recurring bool, groupID string) (*Appointment, error) {
	now := time.Now().UTC()
	a := Appointment{
		ID:                engine.NewID(),
		ChildID:           in.ChildID,
		SpecialistID:      in.SpecialistID,
		ServiceID:         in.ServiceID,
		Start:             in.Start.UTC(),
		End:               in.End.UTC(),
		Status:            in.Status,
		Notes:             in.Notes,
		IsRecurring:       recurring,
		RecurrenceGroupID: groupID,
		CreatedBy:         caller.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.InsertAppointment(ctx, a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Scheduler) checkReferences(ctx context.Context, in CreateInput) error {
	svc, err := s.Lookup.ServiceByID(ctx, in.ServiceID)
	if err != nil {
		return err
	}
	if svc == nil {
		return &engine.NotFoundError{Resource: "service", ID: in.ServiceID}
	}
	ok, err := s.Lookup.SpecialistExists(ctx, in.SpecialistID)
	if err != nil {
		return err
	}
	if !ok {
		return &engine.NotFoundError{Resource: "specialist", ID: in.SpecialistID}
	}
	ok, err = s.Lookup.ChildExists(ctx, in.ChildID)
	if err != nil {
		return err
	}
	if !ok {
		return &engine.NotFoundError{Resource: "child", ID: in.ChildID}
	}
	return nil
}

// UpdatePatch carries the fields a reschedule may change. Status changes
// do not travel here; they go through ChangeStatus.
type UpdatePatch struct {
	Start        *time.Time
	End          *time.Time
	ServiceID    *string
	SpecialistID *string
	Notes        *string
}

// UpdateAppointment applies a patch under the same overlap invariant as
// creation. A rejected move is never partially applied: the caller gets
// a ConflictError and the row stays as it was.
func (s *Scheduler) UpdateAppointment(ctx context.Context, caller engine.Caller, id string, patch UpdatePatch) (*Appointment, error) {
	a, err := s.Store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &engine.NotFoundError{Resource: "appointment", ID: id}
	}
	if err := s.Guard.RequireWrite(ctx, caller, a.ChildID, "update appointment"); err != nil {
		return nil, err
	}

	if patch.Start != nil {
		a.Start = patch.Start.UTC()
	}
	if patch.End != nil {
		a.End = patch.End.UTC()
	}
	if patch.Notes != nil {
		a.Notes = *patch.Notes
	}
	if patch.ServiceID != nil {
		svc, err := s.Lookup.ServiceByID(ctx, *patch.ServiceID)
		if err != nil {
			return nil, err
		}
		if svc == nil {
			return nil, &engine.NotFoundError{Resource: "service", ID: *patch.ServiceID}
		}
		a.ServiceID = *patch.ServiceID
	}
	if patch.SpecialistID != nil {
		ok, err := s.Lookup.SpecialistExists(ctx, *patch.SpecialistID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &engine.NotFoundError{Resource: "specialist", ID: *patch.SpecialistID}
		}
		a.SpecialistID = *patch.SpecialistID
	}
	if !a.End.After(a.Start) {
		return nil, validationErr("end", "must be after start")
	}
	a.UpdatedAt = time.Now().UTC()

	if err := s.Store.UpdateAppointment(ctx, *a); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAppointment hard-deletes a booking. Elevated roles only. The
// appointment's charge, if any, survives with a cleared reference so the
// financial history stays intact.
func (s *Scheduler) DeleteAppointment(ctx context.Context, caller engine.Caller, id string) error {
	if err := access.RequireElevated(caller, "delete appointment"); err != nil {
		return err
	}
	a, err := s.Store.GetAppointment(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return &engine.NotFoundError{Resource: "appointment", ID: id}
	}
	return s.Store.DeleteAppointment(ctx, id)
}

// =============================================================================
// STATUS LIFECYCLE
// =============================================================================

// ChangeStatus drives the appointment through the state machine. On the
// edge into completed it bills the service's current price; the status
// write and the charge insert commit together or not at all. A repeated
// completion is an idempotent no-op, logged and swallowed.
func (s *Scheduler) ChangeStatus(ctx context.Context, caller engine.Caller, id string, to Status) (*Appointment, error) {
	if !to.Valid() {
		return nil, validationErr("status", "unknown status")
	}
	a, err := s.Store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &engine.NotFoundError{Resource: "appointment", ID: id}
	}
	if err := s.Guard.RequireWrite(ctx, caller, a.ChildID, "change appointment status"); err != nil {
		return nil, err
	}
	if a.Status == to {
		return a, nil
	}
	if !CanTransition(a.Status, to) {
		return nil, validationErr("status", fmt.Sprintf("cannot go from %s to %s", a.Status, to))
	}

	var draft *finance.ChargeDraft
	if FiresCharge(a.Status, to) {
		draft, err = s.buildCharge(ctx, caller, a)
		if err != nil {
			return nil, err
		}
	}

	charged, err := s.Store.TransitionStatus(ctx, a.ID, a.Status, to, draft)
	if err != nil {
		return nil, err
	}
	if draft != nil && !charged {
		// The designed idempotent no-op: a retried completion found its
		// charge already on file. Never an error for the caller.
		s.Logger.Info("charge already recorded, skipping",
			zap.String("appointment_id", a.ID),
			zap.String("child_id", a.ChildID))
	}

	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return a, nil
}

// buildCharge prices the completion. Price and child name are read at
// this moment, not at booking time: a still-uncompleted appointment
// bills at the current price.
func (s *Scheduler) buildCharge(ctx context.Context, caller engine.Caller, a *Appointment) (*finance.ChargeDraft, error) {
	svc, err := s.Lookup.ServiceByID(ctx, a.ServiceID)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, &engine.NotFoundError{Resource: "service", ID: a.ServiceID}
	}
	childName, err := s.Lookup.ChildName(ctx, a.ChildID)
	if err != nil {
		return nil, err
	}
	return &finance.ChargeDraft{
		ChildID:       a.ChildID,
		AppointmentID: a.ID,
		Amount:        svc.Price,
		Date:          a.End,
		Description:   fmt.Sprintf("%s for %s on %s", svc.Name, childName, a.Start.Format("2006-01-02 15:04")),
		CreatedBy:     caller.ID,
	}, nil
}

// =============================================================================
// RECURRING SERIES
// =============================================================================

// SeriesResult reports a recurring request. Created and Failed together
// cover every expanded occurrence; a non-empty Failed with a non-empty
// Created is the normal partial-success outcome, not an error.
type SeriesResult struct {
	GroupID string
	Created []Appointment
	Failed  []time.Time
}

// FirstFailure returns the earliest failed occurrence, if any.
func (r *SeriesResult) FirstFailure() *time.Time {
	if len(r.Failed) == 0 {
		return nil
	}
	return &r.Failed[0]
}

// CreateRecurringSeries expands the seed under the rule and books every
// occurrence independently: N single-row writes, never one N-row
// transaction. A conflicting occurrence is recorded and skipped while
// the rest of the series proceeds. Context cancellation stops the
// remaining round-trips and reports what was attempted.
func (s *Scheduler) CreateRecurringSeries(ctx context.Context, caller engine.Caller, seed CreateInput, rule Rule) (*SeriesResult, error) {
	if err := seed.validate(); err != nil {
		return nil, err
	}
	if err := rule.Validate(seed.Start); err != nil {
		return nil, err
	}
	if err := s.Guard.RequireWrite(ctx, caller, seed.ChildID, "create recurring series"); err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, seed); err != nil {
		return nil, err
	}

	duration := seed.End.Sub(seed.Start)
	result := &SeriesResult{GroupID: engine.NewID()}

	for _, at := range Expand(seed.Start, rule) {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		occ := seed
		occ.Start = at
		occ.End = at.Add(duration)

		a, err := s.insert(ctx, caller, occ, true, result.GroupID)
		if err != nil {
			if engine.IsConflict(err) {
				result.Failed = append(result.Failed, at)
				continue
			}
			return result, err
		}
		result.Created = append(result.Created, *a)
	}

	if len(result.Failed) > 0 {
		s.Logger.Info("recurring series created with conflicts",
			zap.String("group_id", result.GroupID),
			zap.Int("created", len(result.Created)),
			zap.Int("failed", len(result.Failed)),
			zap.Time("first_failure", result.Failed[0]))
	}
	return result, nil
}

// =============================================================================
// READS
// =============================================================================

// ListAppointments returns the caller's visible calendar in [from, to).
// Visibility filtering happens in the store query itself so a guardian
// only ever receives rows for their own children.
func (s *Scheduler) ListAppointments(ctx context.Context, caller engine.Caller, from, to time.Time) ([]Appointment, error) {
	if !to.After(from) {
		return nil, validationErr("to", "must be after from")
	}
	return s.Store.ListVisible(ctx, caller, from, to)
}
