/*
Package engine is the shared kernel of the center engine.

PURPOSE:
  Holds the pieces every other package depends on: the error taxonomy,
  the caller identity model, and ID generation. It has no persistence
  and no HTTP knowledge.

CALLER IDENTITY:
  The authentication layer is an external collaborator. It hands us an
  opaque caller id plus a role string and nothing else. The engine never
  reads ambient session state; a Caller is threaded explicitly through
  every operation so the whole engine is testable without a request.

SEE ALSO:
  - access/: Capability predicates built on Caller
  - errors.go: Error taxonomy
*/
package engine

import "github.com/google/uuid"

// Role is the caller's role as resolved by the authentication layer.
type Role string

const (
	// RoleAdmin and RoleManager are the elevated roles: they pass every
	// capability predicate unconditionally.
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"

	// RoleSpecialist is a therapist. Read/write access is scoped to
	// children they hold an active care assignment for.
	RoleSpecialist Role = "specialist"

	// RoleGuardian is a child's registered guardian. Read-only: guardians
	// never write scheduling or financial data.
	RoleGuardian Role = "guardian"
)

// Elevated reports whether the role bypasses relationship checks.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleManager
}

// Valid reports whether the role string is one the engine knows.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleSpecialist, RoleGuardian:
		return true
	}
	return false
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID   string
	Role Role
}

// NewID returns a fresh identifier for any record the engine creates.
// Recurrence groups, appointments and transactions all share this format.
func NewID() string {
	return uuid.NewString()
}
