/*
recurrence.go - Weekly recurrence expansion

PURPOSE:
  Turns one seed appointment plus a weekday rule into the ordered list of
  occurrence start times. Expansion is pure; persistence of the resulting
  occurrences (and the deliberate partial-failure semantics) lives in
  Scheduler.CreateRecurringSeries.

ALGORITHM:
  Walk every date from the seed's date to the end date inclusive. Keep
  dates whose weekday is in the selected set, projected onto the seed's
  time of day. The exact seed start is ALWAYS included, even when its own
  weekday is not selected - the occurrence the operator explicitly picked
  is never dropped.

BOUNDS:
  MaxOccurrences caps the expansion for very long windows so a series
  request cannot turn into an unbounded run of store round-trips. Zero
  means no cap.
*/
package schedule

import "time"

// Rule describes a weekly recurrence.
type Rule struct {
	// Weekdays selects which days of the week recur.
	Weekdays []time.Weekday

	// Until is the inclusive end date of the series.
	Until time.Time

	// MaxOccurrences caps the number of generated occurrences; 0 = no cap.
	MaxOccurrences int
}

func (r Rule) Validate(seed time.Time) error {
	if len(r.Weekdays) == 0 {
		return validationErr("weekdays", "at least one weekday required")
	}
	for _, wd := range r.Weekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return validationErr("weekdays", "weekday out of range")
		}
	}
	if r.Until.Before(seed) {
		return validationErr("until", "end date before seed start")
	}
	if r.MaxOccurrences < 0 {
		return validationErr("max_occurrences", "must not be negative")
	}
	return nil
}

// Expand returns the ordered occurrence start times for seed under r.
// The seed itself is always first, then every selected weekday between
// the seed date and r.Until inclusive, at the seed's time of day.
func Expand(seed time.Time, r Rule) []time.Time {
	selected := make(map[time.Weekday]bool, len(r.Weekdays))
	for _, wd := range r.Weekdays {
		selected[wd] = true
	}

	occurrences := []time.Time{seed}
	capped := func() bool {
		return r.MaxOccurrences > 0 && len(occurrences) >= r.MaxOccurrences
	}

	day := time.Date(seed.Year(), seed.Month(), seed.Day(), 0, 0, 0, 0, seed.Location())
	last := time.Date(r.Until.Year(), r.Until.Month(), r.Until.Day(), 0, 0, 0, 0, seed.Location())

	for !day.After(last) && !capped() {
		if selected[day.Weekday()] {
			at := time.Date(day.Year(), day.Month(), day.Day(),
				seed.Hour(), seed.Minute(), seed.Second(), 0, seed.Location())
			if !at.Equal(seed) {
				occurrences = append(occurrences, at)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return occurrences
}
