/*
handlers.go - HTTP handlers for the scheduling and ledger API

PURPOSE:
  Translates HTTP requests into engine calls and engine results back
  into JSON. Handlers stay thin: decode, call, encode. All domain rules
  live in the schedule and finance packages; all authorization lives in
  the access package. Nothing here second-guesses either.

ERROR MAPPING:
  Validation  -> 400
  Forbidden   -> 403
  Not found   -> 404
  Conflict    -> 409 (body carries the conflicting interval when known)
  Anything else -> 500

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Routing and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tinysteps/center-engine/access"
	"github.com/tinysteps/center-engine/engine"
	"github.com/tinysteps/center-engine/finance"
	"github.com/tinysteps/center-engine/schedule"
	"github.com/tinysteps/center-engine/store/sqlite"
)

// Handler bundles the engine's entry points for the HTTP layer.
type Handler struct {
	Scheduler *schedule.Scheduler
	Ledger    *finance.Ledger
	Store     *sqlite.Store
	Logger    *zap.Logger
}

// NewHandler creates a handler. A nil logger is replaced with a no-op.
func NewHandler(scheduler *schedule.Scheduler, ledger *finance.Ledger, store *sqlite.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Scheduler: scheduler, Ledger: ledger, Store: store, Logger: logger}
}

// ============================================================
// SERVICE CATALOG
// ============================================================

// ListServices returns the full catalog.
// GET /api/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.Store.ListServices(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]ServiceDTO, 0, len(services))
	for _, svc := range services {
		out = append(out, toServiceDTO(svc))
	}
	writeJSON(w, http.StatusOK, out)
}

// SaveService creates a catalog entry. Elevated callers only.
// POST /api/services
func (h *Handler) SaveService(w http.ResponseWriter, r *http.Request) {
	h.saveService(w, r, engine.NewID(), http.StatusCreated)
}

// UpdateService replaces a catalog entry. Price changes affect future
// completions only; existing charges keep the amount they were booked at.
// PUT /api/services/{id}
func (h *Handler) UpdateService(w http.ResponseWriter, r *http.Request) {
	h.saveService(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (h *Handler) saveService(w http.ResponseWriter, r *http.Request, id string, okStatus int) {
	if err := requireElevated(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SaveServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		h.writeError(w, r, engine.Validationf("price", "not a valid amount: %q", req.Price))
		return
	}
	svc := schedule.Service{
		ID:              id,
		Name:            req.Name,
		DurationMinutes: req.DurationMinutes,
		Price:           price,
		Color:           req.Color,
		CreatedAt:       time.Now().UTC(),
	}
	if err := svc.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Store.SaveService(r.Context(), svc); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, okStatus, toServiceDTO(svc))
}

// DeleteService removes a catalog entry. Refused with 409 while any
// appointment still references it.
// DELETE /api/services/{id}
func (h *Handler) DeleteService(w http.ResponseWriter, r *http.Request) {
	if err := requireElevated(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Store.DeleteService(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================
// DIRECTORY
// ============================================================

// SaveChild upserts a child record. Elevated callers only.
// POST /api/children
func (h *Handler) SaveChild(w http.ResponseWriter, r *http.Request) {
	if err := requireElevated(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SaveChildRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		h.writeError(w, r, engine.Validationf("name", "required"))
		return
	}
	child := sqlite.Child{
		ID:         req.ID,
		Name:       req.Name,
		GuardianID: req.GuardianID,
		CreatedAt:  time.Now().UTC(),
	}
	if child.ID == "" {
		child.ID = engine.NewID()
	}
	if err := h.Store.SaveChild(r.Context(), child); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": child.ID})
}

// SaveSpecialist upserts a specialist record. Elevated callers only.
// POST /api/specialists
func (h *Handler) SaveSpecialist(w http.ResponseWriter, r *http.Request) {
	if err := requireElevated(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SaveSpecialistRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		h.writeError(w, r, engine.Validationf("name", "required"))
		return
	}
	sp := sqlite.Specialist{ID: req.ID, Name: req.Name, CreatedAt: time.Now().UTC()}
	if sp.ID == "" {
		sp.ID = engine.NewID()
	}
	if err := h.Store.SaveSpecialist(r.Context(), sp); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sp.ID})
}

// SaveAssignment links a specialist to a child, or toggles the link.
// POST /api/assignments
func (h *Handler) SaveAssignment(w http.ResponseWriter, r *http.Request) {
	if err := requireElevated(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SaveAssignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.SpecialistID == "" || req.ChildID == "" {
		h.writeError(w, r, engine.Validationf("assignment", "specialist_id and child_id required"))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	if err := h.Store.SaveAssignment(r.Context(), req.SpecialistID, req.ChildID, active); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveWorkingHours replaces a specialist's weekly availability.
// PUT /api/specialists/{id}/hours
func (h *Handler) SaveWorkingHours(w http.ResponseWriter, r *http.Request) {
	if err := requireElevated(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	specialistID := chi.URLParam(r, "id")
	var reqs []WorkingHoursRequest
	if err := decodeJSON(r, &reqs); err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, req := range reqs {
		hours := schedule.WorkingHours{
			SpecialistID: specialistID,
			Weekday:      time.Weekday(req.Weekday),
			StartMinute:  req.StartMinute,
			EndMinute:    req.EndMinute,
		}
		if err := hours.Validate(); err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := h.Store.SaveWorkingHours(r.Context(), hours); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteWorkingHours removes one weekday window from a specialist's
// availability.
// DELETE /api/specialists/{id}/hours/{weekday}
func (h *Handler) DeleteWorkingHours(w http.ResponseWriter, r *http.Request) {
	if err := requireElevated(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	weekday, err := strconv.Atoi(chi.URLParam(r, "weekday"))
	if err != nil || weekday < 0 || weekday > 6 {
		h.writeError(w, r, engine.Validationf("weekday", "must be 0-6"))
		return
	}
	if err := h.Store.DeleteWorkingHours(r.Context(), chi.URLParam(r, "id"), time.Weekday(weekday)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FreeSlots suggests open start times for a specialist, service and day.
// GET /api/specialists/{id}/slots?service_id=...&day=2025-01-07
func (h *Handler) FreeSlots(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("service_id")
	if serviceID == "" {
		h.writeError(w, r, engine.Validationf("service_id", "required"))
		return
	}
	day, err := parseDate("day", r.URL.Query().Get("day"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	slots, err := h.Scheduler.FreeSlots(r.Context(), chi.URLParam(r, "id"), serviceID, day)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, out)
}

// ============================================================
// APPOINTMENTS
// ============================================================

// ListAppointments returns the appointments visible to the caller in
// [from, to). Guardians see their children's, specialists their own
// and their assigned children's, elevated roles everything.
// GET /api/appointments?from=...&to=...
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam("from", r.URL.Query().Get("from"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseTimeParam("to", r.URL.Query().Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	appts, err := h.Scheduler.ListAppointments(r.Context(), CallerFrom(r.Context()), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTOs(appts))
}

// CreateAppointment books a single appointment.
// POST /api/appointments
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	in, err := req.toInput()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	appt, err := h.Scheduler.CreateAppointment(r.Context(), CallerFrom(r.Context()), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(*appt))
}

func (req CreateAppointmentRequest) toInput() (schedule.CreateInput, error) {
	start, err := parseTimeParam("start", req.Start)
	if err != nil {
		return schedule.CreateInput{}, err
	}
	end, err := parseTimeParam("end", req.End)
	if err != nil {
		return schedule.CreateInput{}, err
	}
	return schedule.CreateInput{
		ChildID:      req.ChildID,
		SpecialistID: req.SpecialistID,
		ServiceID:    req.ServiceID,
		Start:        start,
		End:          end,
		Status:       schedule.Status(req.Status),
		Notes:        req.Notes,
	}, nil
}

// CreateRecurringSeries books every occurrence the rule generates.
// Bookable occurrences are kept even when others collide; the response
// lists both sides so the desk can resolve the failures by hand.
// POST /api/appointments/recurring
func (h *Handler) CreateRecurringSeries(w http.ResponseWriter, r *http.Request) {
	var req CreateSeriesRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	in, err := req.CreateAppointmentRequest.toInput()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	until, err := parseDate("until", req.Until)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rule := schedule.Rule{Until: until, MaxOccurrences: req.MaxOccurrences}
	for _, d := range req.Weekdays {
		if d < 0 || d > 6 {
			h.writeError(w, r, engine.Validationf("weekdays", "must be 0-6, got %d", d))
			return
		}
		rule.Weekdays = append(rule.Weekdays, time.Weekday(d))
	}
	result, err := h.Scheduler.CreateRecurringSeries(r.Context(), CallerFrom(r.Context()), in, rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dto := SeriesResultDTO{
		GroupID: result.GroupID,
		Created: toAppointmentDTOs(result.Created),
		Failed:  make([]string, 0, len(result.Failed)),
	}
	for _, f := range result.Failed {
		dto.Failed = append(dto.Failed, f.Format(time.RFC3339))
	}
	if first := result.FirstFailure(); first != nil {
		dto.FirstFailure = first.Format(time.RFC3339)
	}
	status := http.StatusCreated
	if len(result.Created) == 0 && len(result.Failed) > 0 {
		status = http.StatusConflict
	}
	writeJSON(w, status, dto)
}

// UpdateAppointment reschedules or annotates an appointment.
// PATCH /api/appointments/{id}
func (h *Handler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	var req UpdateAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	patch := schedule.UpdatePatch{
		ServiceID:    req.ServiceID,
		SpecialistID: req.SpecialistID,
		Notes:        req.Notes,
	}
	if req.Start != nil {
		t, err := parseTimeParam("start", *req.Start)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		patch.Start = &t
	}
	if req.End != nil {
		t, err := parseTimeParam("end", *req.End)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		patch.End = &t
	}
	appt, err := h.Scheduler.UpdateAppointment(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// ChangeStatus moves an appointment through its lifecycle. Completion
// books the charge in the same step; repeating a completion changes
// nothing and still returns 200.
// PUT /api/appointments/{id}/status
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	appt, err := h.Scheduler.ChangeStatus(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"), schedule.Status(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// DeleteAppointment removes an appointment outright. Elevated callers
// only; everyone else cancels instead.
// DELETE /api/appointments/{id}
func (h *Handler) DeleteAppointment(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.DeleteAppointment(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================
// LEDGER
// ============================================================

// RecordPayment posts a payment against a child's account.
// POST /api/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.writeError(w, r, engine.Validationf("amount", "not a valid amount: %q", req.Amount))
		return
	}
	in := finance.PaymentInput{
		ChildID:     req.ChildID,
		Amount:      amount,
		Method:      req.Method,
		Description: req.Description,
	}
	if req.Date != "" {
		date, err := parseTimeParam("date", req.Date)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		in.Date = date
	}
	tx, err := h.Ledger.RecordPayment(r.Context(), CallerFrom(r.Context()), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// DeletePayment voids a mistaken payment. Charges cannot be deleted
// this way; they only disappear with their appointment's history.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.DeletePayment(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance reports a child's charges, payments and net balance.
// GET /api/children/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Ledger.ComputeBalance(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ChildID:  balance.ChildID,
		Charges:  balance.Charges.String(),
		Payments: balance.Payments.String(),
		Balance:  balance.Balance.String(),
	})
}

// ListTransactions returns a child's ledger history, newest first.
// GET /api/children/{id}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.Transactions(r.Context(), CallerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

// IncomeReport ranks charged income per specialist or per service over
// an inclusive date range.
// GET /api/reports/income?from=2025-01-01&to=2025-01-31&group_by=specialist
func (h *Handler) IncomeReport(w http.ResponseWriter, r *http.Request) {
	from, err := parseDate("from", r.URL.Query().Get("from"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseDate("to", r.URL.Query().Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// "to" names a day, so the range runs to the end of it.
	to = to.Add(24*time.Hour - time.Second)
	groupBy := finance.GroupBy(r.URL.Query().Get("group_by"))
	rows, err := h.Ledger.IncomeReport(r.Context(), CallerFrom(r.Context()), from, to, groupBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]IncomeRowDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, IncomeRowDTO{
			GroupID:   row.GroupID,
			GroupName: row.GroupName,
			Total:     row.Total.String(),
			Count:     row.Count,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ============================================================
// HELPERS
// ============================================================

func requireElevated(r *http.Request) error {
	return access.RequireElevated(CallerFrom(r.Context()), r.Method+" "+r.URL.Path)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return engine.Validationf("body", "invalid JSON: %v", err)
	}
	return nil
}

// parseTimeParam accepts RFC3339, with a date-only fallback read as
// midnight UTC.
func parseTimeParam(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, engine.Validationf(field, "required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return parseDate(field, s)
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, engine.Validationf(field, "not a valid date: %q", s)
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var conflict *engine.ConflictError
	switch {
	case engine.IsValidation(err):
		status = http.StatusBadRequest
	case engine.IsForbidden(err):
		status = http.StatusForbidden
	case engine.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.Kind = conflict.Kind
		if !conflict.Start.IsZero() {
			resp.Start = conflict.Start.Format(time.RFC3339)
			resp.End = conflict.End.Format(time.RFC3339)
		}
	case engine.IsConflict(err):
		status = http.StatusConflict
	default:
		h.Logger.Error("unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}
