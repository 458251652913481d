/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the forms/UI layer. They decouple the internal
  domain model from the external contract; amounts travel as decimal
  strings, times as RFC3339, dates as YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/tinysteps/center-engine/finance"
	"github.com/tinysteps/center-engine/schedule"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ServiceDTO represents a catalog entry in API responses.
type ServiceDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	Price           string `json:"price"`
	Color           string `json:"color,omitempty"`
}

// SaveServiceRequest creates or updates a catalog entry.
type SaveServiceRequest struct {
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	Price           string `json:"price"`
	Color           string `json:"color"`
}

// AppointmentDTO represents one booking.
type AppointmentDTO struct {
	ID                string `json:"id"`
	ChildID           string `json:"child_id"`
	SpecialistID      string `json:"specialist_id"`
	ServiceID         string `json:"service_id"`
	Start             string `json:"start"`
	End               string `json:"end"`
	Status            string `json:"status"`
	Notes             string `json:"notes,omitempty"`
	IsRecurring       bool   `json:"is_recurring"`
	RecurrenceGroupID string `json:"recurrence_group_id,omitempty"`
	CreatedBy         string `json:"created_by,omitempty"`
}

// CreateAppointmentRequest books one interval.
type CreateAppointmentRequest struct {
	ChildID      string `json:"child_id"`
	SpecialistID string `json:"specialist_id"`
	ServiceID    string `json:"service_id"`
	Start        string `json:"start"`
	End          string `json:"end"`
	Status       string `json:"status,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// UpdateAppointmentRequest patches a booking. Absent fields stay as-is.
type UpdateAppointmentRequest struct {
	Start        *string `json:"start,omitempty"`
	End          *string `json:"end,omitempty"`
	ServiceID    *string `json:"service_id,omitempty"`
	SpecialistID *string `json:"specialist_id,omitempty"`
	Notes        *string `json:"notes,omitempty"`
}

// ChangeStatusRequest drives the lifecycle.
type ChangeStatusRequest struct {
	Status string `json:"status"`
}

// CreateSeriesRequest books a weekly recurring series.
type CreateSeriesRequest struct {
	CreateAppointmentRequest
	Weekdays       []int  `json:"weekdays"`
	Until          string `json:"until"`
	MaxOccurrences int    `json:"max_occurrences,omitempty"`
}

// SeriesResultDTO reports a recurring request: the partial-success
// contract. failed lists the occurrence timestamps that conflicted.
type SeriesResultDTO struct {
	GroupID      string           `json:"group_id"`
	Created      []AppointmentDTO `json:"created"`
	Failed       []string         `json:"failed"`
	FirstFailure string           `json:"first_failure,omitempty"`
}

// RecordPaymentRequest records a front-desk payment.
type RecordPaymentRequest struct {
	ChildID     string `json:"child_id"`
	Amount      string `json:"amount"`
	Date        string `json:"date,omitempty"`
	Method      string `json:"method,omitempty"`
	Description string `json:"description,omitempty"`
}

// TransactionDTO represents one ledger row.
type TransactionDTO struct {
	ID            string `json:"id"`
	ChildID       string `json:"child_id"`
	AppointmentID string `json:"appointment_id,omitempty"`
	Amount        string `json:"amount"`
	Type          string `json:"type"`
	Date          string `json:"date"`
	Method        string `json:"method,omitempty"`
	Description   string `json:"description,omitempty"`
}

// BalanceDTO is a child's derived account summary.
type BalanceDTO struct {
	ChildID  string `json:"child_id"`
	Charges  string `json:"charges"`
	Payments string `json:"payments"`
	Balance  string `json:"balance"`
}

// IncomeRowDTO is one ranked income report row.
type IncomeRowDTO struct {
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
	Total     string `json:"total"`
	Count     int    `json:"count"`
}

// WorkingHoursRequest upserts one availability window.
type WorkingHoursRequest struct {
	Weekday     int `json:"weekday"`
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

// SaveChildRequest creates or updates a child directory record.
type SaveChildRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	GuardianID string `json:"guardian_id,omitempty"`
}

// SaveSpecialistRequest creates or updates a specialist record.
type SaveSpecialistRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// SaveAssignmentRequest links a specialist to a child.
type SaveAssignmentRequest struct {
	SpecialistID string `json:"specialist_id"`
	ChildID      string `json:"child_id"`
	Active       *bool  `json:"active,omitempty"`
}

// ErrorResponse is the standard error body. For conflicts, kind/start/end
// describe what was refused so the client can revert its calendar state.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toAppointmentDTO(a schedule.Appointment) AppointmentDTO {
	return AppointmentDTO{
		ID:                a.ID,
		ChildID:           a.ChildID,
		SpecialistID:      a.SpecialistID,
		ServiceID:         a.ServiceID,
		Start:             a.Start.Format(time.RFC3339),
		End:               a.End.Format(time.RFC3339),
		Status:            string(a.Status),
		Notes:             a.Notes,
		IsRecurring:       a.IsRecurring,
		RecurrenceGroupID: a.RecurrenceGroupID,
		CreatedBy:         a.CreatedBy,
	}
}

func toAppointmentDTOs(appts []schedule.Appointment) []AppointmentDTO {
	dtos := make([]AppointmentDTO, len(appts))
	for i, a := range appts {
		dtos[i] = toAppointmentDTO(a)
	}
	return dtos
}

func toTransactionDTO(tx finance.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:          tx.ID,
		ChildID:     tx.ChildID,
		Amount:      tx.Amount.String(),
		Type:        string(tx.Type),
		Date:        tx.Date.Format(time.RFC3339),
		Method:      tx.Method,
		Description: tx.Description,
	}
	if tx.AppointmentID != nil {
		dto.AppointmentID = *tx.AppointmentID
	}
	return dto
}

func toServiceDTO(svc schedule.Service) ServiceDTO {
	return ServiceDTO{
		ID:              svc.ID,
		Name:            svc.Name,
		DurationMinutes: svc.DurationMinutes,
		Price:           svc.Price.String(),
		Color:           svc.Color,
	}
}
