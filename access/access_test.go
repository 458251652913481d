package access_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinysteps/center-engine/access"
	"github.com/tinysteps/center-engine/engine"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeDirectory is an in-memory Directory with optional error injection.
type fakeDirectory struct {
	children    map[string]bool
	guardians   map[string]string // childID -> guardian callerID
	assignments map[string]bool   // specialistID + "/" + childID
	err         error
}

func (d *fakeDirectory) ChildExists(_ context.Context, childID string) (bool, error) {
	return d.children[childID], d.err
}

func (d *fakeDirectory) IsGuardianOf(_ context.Context, callerID, childID string) (bool, error) {
	return d.guardians[childID] == callerID, d.err
}

func (d *fakeDirectory) HasActiveAssignment(_ context.Context, specialistID, childID string) (bool, error) {
	return d.assignments[specialistID+"/"+childID], d.err
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		children:    map[string]bool{"child-1": true, "child-2": true},
		guardians:   map[string]string{"child-1": "parent-1"},
		assignments: map[string]bool{"therapist-1/child-1": true},
	}
}

var (
	admin      = engine.Caller{ID: "admin-1", Role: engine.RoleAdmin}
	manager    = engine.Caller{ID: "mgr-1", Role: engine.RoleManager}
	guardian   = engine.Caller{ID: "parent-1", Role: engine.RoleGuardian}
	therapist  = engine.Caller{ID: "therapist-1", Role: engine.RoleSpecialist}
	outsider   = engine.Caller{ID: "therapist-9", Role: engine.RoleSpecialist}
	strangeDad = engine.Caller{ID: "parent-9", Role: engine.RoleGuardian}
)

// =============================================================================
// READ PREDICATE
// =============================================================================

func TestCanRead(t *testing.T) {
	guard := access.NewGuard(newFakeDirectory())
	ctx := context.Background()

	// Elevated roles see everything
	assert.True(t, guard.CanRead(ctx, admin, "child-1"))
	assert.True(t, guard.CanRead(ctx, manager, "child-2"))

	// Guardians see their own children only
	assert.True(t, guard.CanRead(ctx, guardian, "child-1"))
	assert.False(t, guard.CanRead(ctx, guardian, "child-2"))
	assert.False(t, guard.CanRead(ctx, strangeDad, "child-1"))

	// Specialists need an active assignment
	assert.True(t, guard.CanRead(ctx, therapist, "child-1"))
	assert.False(t, guard.CanRead(ctx, therapist, "child-2"))
	assert.False(t, guard.CanRead(ctx, outsider, "child-1"))
}

// =============================================================================
// WRITE PREDICATE
// =============================================================================

func TestCanWrite_GuardiansAreReadOnly(t *testing.T) {
	// GIVEN: A guardian of child-1
	// WHEN: Checking write capability on their own child
	// THEN: Denied; guardians never mutate scheduling or financial data

	guard := access.NewGuard(newFakeDirectory())
	ctx := context.Background()

	assert.False(t, guard.CanWrite(ctx, guardian, "child-1"))
	assert.True(t, guard.CanRead(ctx, guardian, "child-1"), "the same guardian may still read")
}

func TestCanWrite(t *testing.T) {
	guard := access.NewGuard(newFakeDirectory())
	ctx := context.Background()

	assert.True(t, guard.CanWrite(ctx, admin, "child-2"))
	assert.True(t, guard.CanWrite(ctx, therapist, "child-1"))
	assert.False(t, guard.CanWrite(ctx, therapist, "child-2"))
	assert.False(t, guard.CanWrite(ctx, outsider, "child-1"))
}

// =============================================================================
// FAIL CLOSED
// =============================================================================

func TestPredicates_FailClosedOnLookupError(t *testing.T) {
	// GIVEN: A directory whose lookups fail
	// WHEN: Evaluating predicates for otherwise-authorized callers
	// THEN: Everything resolves to deny, except elevated roles which
	//       never consult the directory

	dir := newFakeDirectory()
	dir.err = errors.New("directory unavailable")
	guard := access.NewGuard(dir)
	ctx := context.Background()

	assert.False(t, guard.CanRead(ctx, guardian, "child-1"))
	assert.False(t, guard.CanRead(ctx, therapist, "child-1"))
	assert.False(t, guard.CanWrite(ctx, therapist, "child-1"))

	assert.True(t, guard.CanRead(ctx, admin, "child-1"))
	assert.True(t, guard.CanWrite(ctx, admin, "child-1"))
}

// =============================================================================
// REQUIRE HELPERS
// =============================================================================

func TestRequireWrite_ReturnsForbiddenError(t *testing.T) {
	guard := access.NewGuard(newFakeDirectory())
	ctx := context.Background()

	err := guard.RequireWrite(ctx, guardian, "child-1", "create appointment")
	assert.Error(t, err)
	assert.True(t, engine.IsForbidden(err))

	var forbidden *engine.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
	assert.Equal(t, "parent-1", forbidden.CallerID)

	assert.NoError(t, guard.RequireWrite(ctx, therapist, "child-1", "create appointment"))
}

func TestRequireElevated(t *testing.T) {
	assert.NoError(t, access.RequireElevated(admin, "delete payment"))
	assert.NoError(t, access.RequireElevated(manager, "delete payment"))

	err := access.RequireElevated(therapist, "delete payment")
	assert.True(t, engine.IsForbidden(err))
	assert.True(t, engine.IsForbidden(access.RequireElevated(guardian, "delete payment")))
}
