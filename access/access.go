/*
Package access implements the capability predicates gating child records.

PURPOSE:
  Every read or write of a child's scheduling or financial data is gated
  by two pure predicates: CanRead and CanWrite. All other components call
  these before performing the side effect.

RULES:
  CanRead(caller, child):
    - elevated role (admin, operations manager)        -> allow
    - caller is the child's registered guardian        -> allow
    - caller is a specialist with an active assignment -> allow
  CanWrite(caller, child):
    - elevated role                                    -> allow
    - specialist with an active assignment             -> allow
    - guardians NEVER write scheduling/financial data  -> deny

FAIL CLOSED:
  Any lookup error during a predicate resolves to deny. A broken
  directory must never widen access.

FILTER, DON'T GATE:
  CanRead answers a point question. Listing endpoints must instead filter
  rows to what the caller may see (a guardian only ever observes their own
  children); that filtering lives in the store's visibility-aware queries,
  which use the same relationships this package defines.

DESIGN:
  The predicates read relationships through the Directory interface - a
  read-only query surface with no recursion back into authorization. The
  "current caller" is always an explicit parameter, never ambient state.

SEE ALSO:
  - schedule/scheduler.go, finance/ledger.go: Callers of these predicates
  - store/sqlite/sqlite.go: Directory implementation
*/
package access

import (
	"context"

	"github.com/tinysteps/center-engine/engine"
)

// Directory is the read-only relationship surface the predicates need.
// Implementations must not call back into access.
type Directory interface {
	// ChildExists reports whether the child record exists.
	ChildExists(ctx context.Context, childID string) (bool, error)

	// IsGuardianOf reports whether callerID is a registered guardian
	// of the child.
	IsGuardianOf(ctx context.Context, callerID, childID string) (bool, error)

	// HasActiveAssignment reports whether the specialist currently holds
	// an active care assignment for the child.
	HasActiveAssignment(ctx context.Context, specialistID, childID string) (bool, error)
}

// Guard evaluates capability predicates against a Directory.
type Guard struct {
	Dir Directory
}

func NewGuard(dir Directory) *Guard {
	return &Guard{Dir: dir}
}

// CanRead reports whether the caller may observe the child's records.
// Lookup errors deny.
func (g *Guard) CanRead(ctx context.Context, caller engine.Caller, childID string) bool {
	if caller.Role.Elevated() {
		return true
	}
	switch caller.Role {
	case engine.RoleGuardian:
		ok, err := g.Dir.IsGuardianOf(ctx, caller.ID, childID)
		return err == nil && ok
	case engine.RoleSpecialist:
		ok, err := g.Dir.HasActiveAssignment(ctx, caller.ID, childID)
		return err == nil && ok
	}
	return false
}

// CanWrite reports whether the caller may mutate the child's scheduling
// or financial records. Guardians are read-only. Lookup errors deny.
func (g *Guard) CanWrite(ctx context.Context, caller engine.Caller, childID string) bool {
	if caller.Role.Elevated() {
		return true
	}
	if caller.Role == engine.RoleSpecialist {
		ok, err := g.Dir.HasActiveAssignment(ctx, caller.ID, childID)
		return err == nil && ok
	}
	return false
}

// RequireWrite is the mutation guard: it resolves to a ForbiddenError
// unless CanWrite passes. Operations call this before any side effect.
func (g *Guard) RequireWrite(ctx context.Context, caller engine.Caller, childID, operation string) error {
	if g.CanWrite(ctx, caller, childID) {
		return nil
	}
	return &engine.ForbiddenError{CallerID: caller.ID, Operation: operation}
}

// RequireRead mirrors RequireWrite for point reads.
func (g *Guard) RequireRead(ctx context.Context, caller engine.Caller, childID, operation string) error {
	if g.CanRead(ctx, caller, childID) {
		return nil
	}
	return &engine.ForbiddenError{CallerID: caller.ID, Operation: operation}
}

// RequireElevated gates operations reserved for admins and managers
// (hard deletes, payment removal).
func RequireElevated(caller engine.Caller, operation string) error {
	if caller.Role.Elevated() {
		return nil
	}
	return &engine.ForbiddenError{CallerID: caller.ID, Operation: operation}
}
