/*
slots.go - Free-slot suggestion from advisory working hours

PURPOSE:
  Computes bookable start times for a specialist on a day: the working
  hours window minus already-booked intervals, stepped by the service
  duration. Purely advisory - the UI offers these slots, but nothing
  stops a booking outside them; the hard constraints remain the overlap
  invariants in the store.
*/
package schedule

import (
	"context"
	"time"

	"github.com/tinysteps/center-engine/engine"
)

// SuggestSlots returns candidate start times of length duration inside
// the specialist's working hours for day, skipping any candidate that
// overlaps a non-canceled booking. Pure; inputs come from the store.
func SuggestSlots(hours []WorkingHours, booked []Appointment, day time.Time, duration time.Duration) []time.Time {
	if duration <= 0 {
		return nil
	}
	var window *WorkingHours
	for i := range hours {
		if hours[i].Weekday == day.Weekday() {
			window = &hours[i]
			break
		}
	}
	if window == nil {
		return nil
	}

	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	open := midnight.Add(time.Duration(window.StartMinute) * time.Minute)
	close := midnight.Add(time.Duration(window.EndMinute) * time.Minute)

	var slots []time.Time
	for at := open; !at.Add(duration).After(close); at = at.Add(duration) {
		free := true
		for _, b := range booked {
			if b.Status == StatusCanceled {
				continue
			}
			if Overlaps(at, at.Add(duration), b.Start, b.End) {
				free = false
				break
			}
		}
		if free {
			slots = append(slots, at)
		}
	}
	return slots
}

// FreeSlots fetches the specialist's hours and bookings for day and
// suggests start times for the given service.
func (s *Scheduler) FreeSlots(ctx context.Context, specialistID, serviceID string, day time.Time) ([]time.Time, error) {
	svc, err := s.Lookup.ServiceByID(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, &engine.NotFoundError{Resource: "service", ID: serviceID}
	}
	hours, err := s.Store.WorkingHoursFor(ctx, specialistID)
	if err != nil {
		return nil, err
	}
	booked, err := s.Store.ListForSpecialistDay(ctx, specialistID, day)
	if err != nil {
		return nil, err
	}
	return SuggestSlots(hours, booked, day, time.Duration(svc.DurationMinutes)*time.Minute), nil
}
