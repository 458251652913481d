/*
lifecycle.go - Appointment status state machine

PURPOSE:
  The only legal status edges, and the single place that decides when a
  status change produces a charge.

STATE MACHINE:
  pending   -> confirmed, canceled
  confirmed -> completed, canceled, no_show
  completed, canceled, no_show are terminal under normal flow.
  (Administrative reopening of a terminal appointment is out of scope.)

BILLING EDGE:
  The charge fires on the TRANSITION into completed, not on the state
  itself. A repeated write of "completed" is an idempotent no-op: no new
  charge, no error. The unique charge index in the store backs this up
  even under concurrent retries.

SEE ALSO:
  - scheduler.go: ChangeStatus drives this machine
  - store/sqlite: TransitionStatus makes update + charge one transaction
*/
package schedule

// transitions lists every permitted edge. Absence means forbidden.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCanceled},
	StatusConfirmed: {StatusCompleted, StatusCanceled, StatusNoShow},
}

// CanTransition reports whether from -> to is a legal edge.
// A same-status write is allowed everywhere and treated as a no-op by
// the caller; it is how retried requests stay harmless.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FiresCharge reports whether the edge from -> to must produce a charge.
// Edge-triggered: only a genuine change into completed bills.
func FiresCharge(from, to Status) bool {
	return to == StatusCompleted && from != StatusCompleted
}

// Terminal reports whether the status accepts no further transitions.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0 && s.Valid()
}
