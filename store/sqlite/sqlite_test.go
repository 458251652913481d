package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinysteps/center-engine/engine"
	"github.com/tinysteps/center-engine/finance"
	"github.com/tinysteps/center-engine/schedule"
	"github.com/tinysteps/center-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedDirectory creates the minimum rows an appointment needs: one
// service, two specialists, two children (the first with a guardian).
func seedDirectory(t *testing.T, store *sqlite.Store) {
	ctx := context.Background()

	require.NoError(t, store.SaveService(ctx, schedule.Service{
		ID: "svc-speech", Name: "Speech Therapy", DurationMinutes: 60,
		Price: decimal.NewFromInt(150),
	}))
	require.NoError(t, store.SaveService(ctx, schedule.Service{
		ID: "svc-ot", Name: "Occupational Therapy", DurationMinutes: 45,
		Price: decimal.NewFromInt(120),
	}))
	require.NoError(t, store.SaveSpecialist(ctx, sqlite.Specialist{ID: "sp-1", Name: "Dana"}))
	require.NoError(t, store.SaveSpecialist(ctx, sqlite.Specialist{ID: "sp-2", Name: "Noa"}))
	require.NoError(t, store.SaveChild(ctx, sqlite.Child{ID: "child-1", Name: "Omer", GuardianID: "parent-1"}))
	require.NoError(t, store.SaveChild(ctx, sqlite.Child{ID: "child-2", Name: "Lia"}))
	require.NoError(t, store.SaveAssignment(ctx, "sp-1", "child-1", true))
}

func appt(id, childID, specialistID string, start, end time.Time, status schedule.Status) schedule.Appointment {
	now := time.Now().UTC()
	return schedule.Appointment{
		ID: id, ChildID: childID, SpecialistID: specialistID, ServiceID: "svc-speech",
		Start: start, End: end, Status: status,
		CreatedBy: "admin-1", CreatedAt: now, UpdatedAt: now,
	}
}

func at(hour, min int) time.Time {
	return time.Date(2025, time.January, 6, hour, min, 0, 0, time.UTC)
}

// =============================================================================
// OVERLAP INVARIANTS
// =============================================================================

func TestInsertAppointment_SpecialistOverlapRejected(t *testing.T) {
	// GIVEN: sp-1 is booked 10:00-11:00
	// WHEN: Booking sp-1 again 10:30-11:30 for another child
	// THEN: Rejected with a specialist overlap carrying the interval

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)))

	err := store.InsertAppointment(ctx,
		appt("a-2", "child-2", "sp-1", at(10, 30), at(11, 30), schedule.StatusPending))

	require.Error(t, err)
	var conflict *engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, engine.ConflictSpecialistOverlap, conflict.Kind)
	assert.Equal(t, at(10, 30), conflict.Start)
	assert.Equal(t, at(11, 30), conflict.End)
}

func TestInsertAppointment_ChildOverlapRejected(t *testing.T) {
	// GIVEN: child-1 has a session 10:00-11:00 with sp-1
	// WHEN: Booking child-1 with a DIFFERENT specialist 10:30-11:30
	// THEN: Rejected; a child cannot be in two rooms at once

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)))

	err := store.InsertAppointment(ctx,
		appt("a-2", "child-1", "sp-2", at(10, 30), at(11, 30), schedule.StatusPending))

	require.Error(t, err)
	var conflict *engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, engine.ConflictChildOverlap, conflict.Kind)
}

func TestInsertAppointment_TouchingIntervalsAllowed(t *testing.T) {
	// GIVEN: A session ending exactly at 11:00
	// WHEN: Booking the same pair starting at 11:00
	// THEN: Allowed; end is exclusive

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)))
	assert.NoError(t, store.InsertAppointment(ctx,
		appt("a-2", "child-1", "sp-1", at(11, 0), at(12, 0), schedule.StatusConfirmed)))
}

func TestInsertAppointment_CanceledRowFreesTheSlot(t *testing.T) {
	// GIVEN: A 10:00-11:00 booking that gets canceled
	// WHEN: Booking the same slot again
	// THEN: Allowed; canceled rows keep their history but hold no slot

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusPending)))

	_, err := store.TransitionStatus(ctx, "a-1", schedule.StatusPending, schedule.StatusCanceled, nil)
	require.NoError(t, err)

	assert.NoError(t, store.InsertAppointment(ctx,
		appt("a-2", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusPending)))
}

func TestUpdateAppointment_MoveIntoOccupiedSlotRejected(t *testing.T) {
	// GIVEN: Two bookings, 9:00-10:00 and 10:00-11:00
	// WHEN: Moving the first onto the second's slot
	// THEN: Rejected and the first row stays where it was

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(9, 0), at(10, 0), schedule.StatusConfirmed)))
	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-2", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)))

	moved := appt("a-1", "child-1", "sp-1", at(10, 30), at(11, 30), schedule.StatusConfirmed)
	err := store.UpdateAppointment(ctx, moved)
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))

	got, err := store.GetAppointment(ctx, "a-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, at(9, 0), got.Start, "rejected move must not be applied")
}

func TestUpdateAppointment_MoveItselfAllowed(t *testing.T) {
	// GIVEN: One booking 9:00-10:00
	// WHEN: Shifting it to 9:30-10:30
	// THEN: Allowed; a row never conflicts with itself

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(9, 0), at(10, 0), schedule.StatusConfirmed)))

	moved := appt("a-1", "child-1", "sp-1", at(9, 30), at(10, 30), schedule.StatusConfirmed)
	assert.NoError(t, store.UpdateAppointment(ctx, moved))
}

// =============================================================================
// STATUS TRANSITION + CHARGE ATOMICITY
// =============================================================================

func chargeFor(apptID string) *finance.ChargeDraft {
	return &finance.ChargeDraft{
		ChildID:       "child-1",
		AppointmentID: apptID,
		Amount:        decimal.NewFromInt(150),
		Date:          at(11, 0),
		Description:   "Speech Therapy for Omer on 2025-01-06 10:00",
		CreatedBy:     "admin-1",
	}
}

func TestTransitionStatus_CompletionChargesOnce(t *testing.T) {
	// GIVEN: A confirmed appointment
	// WHEN: Completing it, then retrying the completion write
	// THEN: The first write charges, the retry inserts nothing, and the
	//       ledger holds exactly one charge

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)))

	charged, err := store.TransitionStatus(ctx, "a-1",
		schedule.StatusConfirmed, schedule.StatusCompleted, chargeFor("a-1"))
	require.NoError(t, err)
	assert.True(t, charged)

	// Retry: the row is already completed, the charge already on file
	charged, err = store.TransitionStatus(ctx, "a-1",
		schedule.StatusCompleted, schedule.StatusCompleted, chargeFor("a-1"))
	require.NoError(t, err)
	assert.False(t, charged, "retried completion must not charge again")

	txs, err := store.ListTransactions(ctx, "child-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, finance.TxCharge, txs[0].Type)
	assert.True(t, decimal.NewFromInt(150).Equal(txs[0].Amount))
}

func TestTransitionStatus_StaleExpectedStatus(t *testing.T) {
	// GIVEN: A pending appointment confirmed by someone else
	// WHEN: A second writer still assumes it is pending
	// THEN: The write is refused with a conflict, not silently applied

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusPending)))

	_, err := store.TransitionStatus(ctx, "a-1", schedule.StatusPending, schedule.StatusConfirmed, nil)
	require.NoError(t, err)

	_, err = store.TransitionStatus(ctx, "a-1", schedule.StatusPending, schedule.StatusCanceled, nil)
	require.Error(t, err)
	var conflict *engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, engine.ConflictStaleStatus, conflict.Kind)
}

func TestTransitionStatus_MissingAppointment(t *testing.T) {
	store := newTestStore(t)
	seedDirectory(t, store)

	_, err := store.TransitionStatus(context.Background(), "nope",
		schedule.StatusPending, schedule.StatusConfirmed, nil)
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// DELETE SEMANTICS
// =============================================================================

func TestDeleteService_RestrictedWhileReferenced(t *testing.T) {
	// GIVEN: A service referenced by an appointment
	// WHEN: Deleting the service
	// THEN: Refused with a conflict; after the appointment goes, allowed

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)))

	err := store.DeleteService(ctx, "svc-speech")
	require.Error(t, err)
	var conflict *engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, engine.ConflictServiceInUse, conflict.Kind)

	require.NoError(t, store.DeleteAppointment(ctx, "a-1"))
	assert.NoError(t, store.DeleteService(ctx, "svc-speech"))
}

func TestDeleteAppointment_ChargeSurvivesWithClearedReference(t *testing.T) {
	// GIVEN: A completed, charged appointment
	// WHEN: Deleting the appointment
	// THEN: The charge row survives with a NULL appointment reference

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)))
	charged, err := store.TransitionStatus(ctx, "a-1",
		schedule.StatusConfirmed, schedule.StatusCompleted, chargeFor("a-1"))
	require.NoError(t, err)
	require.True(t, charged)

	require.NoError(t, store.DeleteAppointment(ctx, "a-1"))

	txs, err := store.ListTransactions(ctx, "child-1")
	require.NoError(t, err)
	require.Len(t, txs, 1, "financial history must survive the deletion")
	assert.Nil(t, txs[0].AppointmentID, "the reference is cleared, not the row")
}

// =============================================================================
// VISIBILITY FILTERING
// =============================================================================

func TestListVisible_FiltersByRole(t *testing.T) {
	// GIVEN: Appointments for child-1 (sp-1) and child-2 (sp-2)
	// WHEN: Listing as admin, guardian of child-1, sp-1 and sp-2
	// THEN: Each caller receives exactly the rows they may observe

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)))
	require.NoError(t, store.InsertAppointment(ctx,
		appt("a-2", "child-2", "sp-2", at(10, 0), at(11, 0), schedule.StatusConfirmed)))

	from, to := at(0, 0), at(23, 59)

	adminRows, err := store.ListVisible(ctx, engine.Caller{ID: "admin-1", Role: engine.RoleAdmin}, from, to)
	require.NoError(t, err)
	assert.Len(t, adminRows, 2)

	guardianRows, err := store.ListVisible(ctx, engine.Caller{ID: "parent-1", Role: engine.RoleGuardian}, from, to)
	require.NoError(t, err)
	require.Len(t, guardianRows, 1)
	assert.Equal(t, "child-1", guardianRows[0].ChildID)

	sp1Rows, err := store.ListVisible(ctx, engine.Caller{ID: "sp-1", Role: engine.RoleSpecialist}, from, to)
	require.NoError(t, err)
	require.Len(t, sp1Rows, 1)
	assert.Equal(t, "a-1", sp1Rows[0].ID)

	// sp-2 has no assignment but still sees their own booking
	sp2Rows, err := store.ListVisible(ctx, engine.Caller{ID: "sp-2", Role: engine.RoleSpecialist}, from, to)
	require.NoError(t, err)
	require.Len(t, sp2Rows, 1)
	assert.Equal(t, "a-2", sp2Rows[0].ID)
}

// =============================================================================
// LEDGER AGGREGATION
// =============================================================================

func TestSumByType(t *testing.T) {
	// GIVEN: Two payments and one charge for child-1
	// WHEN: Summing by type
	// THEN: Exact decimal totals, no float drift

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	pay := func(id, amount string) finance.Transaction {
		d, _ := decimal.NewFromString(amount)
		return finance.Transaction{
			ID: id, ChildID: "child-1", Amount: d, Type: finance.TxPayment,
			Date: at(12, 0), CreatedBy: "admin-1",
		}
	}
	require.NoError(t, store.InsertTransaction(ctx, pay("t-1", "199.90")))
	require.NoError(t, store.InsertTransaction(ctx, pay("t-2", "300.10")))
	require.NoError(t, store.InsertTransaction(ctx, finance.Transaction{
		ID: "t-3", ChildID: "child-1", Amount: decimal.NewFromInt(150),
		Type: finance.TxCharge, Date: at(12, 0), CreatedBy: "admin-1",
	}))

	charges, payments, err := store.SumByType(ctx, "child-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(150).Equal(charges))
	assert.True(t, decimal.NewFromInt(500).Equal(payments))
}

func TestIncomeByGroup(t *testing.T) {
	// GIVEN: Two completed, charged sessions: speech with sp-1 (150),
	//        occupational with sp-2 (120)
	// WHEN: Grouping income by specialist and by service
	// THEN: Totals are attributed and ranked descending

	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	a1 := appt("a-1", "child-1", "sp-1", at(10, 0), at(11, 0), schedule.StatusConfirmed)
	require.NoError(t, store.InsertAppointment(ctx, a1))
	a2 := appt("a-2", "child-2", "sp-2", at(12, 0), at(13, 0), schedule.StatusConfirmed)
	a2.ServiceID = "svc-ot"
	require.NoError(t, store.InsertAppointment(ctx, a2))

	_, err := store.TransitionStatus(ctx, "a-1", schedule.StatusConfirmed, schedule.StatusCompleted,
		&finance.ChargeDraft{ChildID: "child-1", AppointmentID: "a-1",
			Amount: decimal.NewFromInt(150), Date: at(11, 0), CreatedBy: "admin-1"})
	require.NoError(t, err)
	_, err = store.TransitionStatus(ctx, "a-2", schedule.StatusConfirmed, schedule.StatusCompleted,
		&finance.ChargeDraft{ChildID: "child-2", AppointmentID: "a-2",
			Amount: decimal.NewFromInt(120), Date: at(13, 0), CreatedBy: "admin-1"})
	require.NoError(t, err)

	from, to := at(0, 0), at(23, 59)

	bySpecialist, err := store.IncomeByGroup(ctx, from, to, finance.GroupBySpecialist)
	require.NoError(t, err)
	require.Len(t, bySpecialist, 2)
	assert.Equal(t, "sp-1", bySpecialist[0].GroupID)
	assert.True(t, decimal.NewFromInt(150).Equal(bySpecialist[0].Total))
	assert.Equal(t, "sp-2", bySpecialist[1].GroupID)
	assert.Equal(t, 1, bySpecialist[1].Count)

	byService, err := store.IncomeByGroup(ctx, from, to, finance.GroupByService)
	require.NoError(t, err)
	require.Len(t, byService, 2)
	assert.Equal(t, "Speech Therapy", byService[0].GroupName)
	assert.Equal(t, "Occupational Therapy", byService[1].GroupName)
}

// =============================================================================
// DIRECTORY SURFACE
// =============================================================================

func TestDirectoryLookups(t *testing.T) {
	store := newTestStore(t)
	seedDirectory(t, store)
	ctx := context.Background()

	ok, err := store.ChildExists(ctx, "child-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ChildExists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.IsGuardianOf(ctx, "parent-1", "child-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.IsGuardianOf(ctx, "parent-1", "child-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.HasActiveAssignment(ctx, "sp-1", "child-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Deactivating the assignment closes the capability
	require.NoError(t, store.SaveAssignment(ctx, "sp-1", "child-1", false))
	ok, err = store.HasActiveAssignment(ctx, "sp-1", "child-1")
	require.NoError(t, err)
	assert.False(t, ok)

	name, err := store.ChildName(ctx, "child-1")
	require.NoError(t, err)
	assert.Equal(t, "Omer", name)
}

func TestSaveService_DuplicateNameRejected(t *testing.T) {
	store := newTestStore(t)
	seedDirectory(t, store)

	err := store.SaveService(context.Background(), schedule.Service{
		ID: "svc-other", Name: "Speech Therapy", DurationMinutes: 30,
		Price: decimal.NewFromInt(80),
	})
	assert.True(t, engine.IsValidation(err))
}
