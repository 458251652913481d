/*
Package sqlite provides the SQLite-backed store for the center engine.

PURPOSE:
  Implements every persistence interface the engine needs:
    schedule.AppointmentStore  Bookings + the overlap invariants
    schedule.Lookup            Foreign-key and display lookups
    finance.TransactionStore   The charge/payment ledger
    access.Directory           Guardian and assignment relationships
  plus the directory/catalog CRUD the setup endpoints use.

INVARIANT ENFORCEMENT (the point of this package):
  Overlap exclusion (no overlapping non-canceled appointments per child
  and per specialist) is enforced by BEFORE INSERT / BEFORE UPDATE triggers that
  RAISE(ABORT) when the incoming interval intersects an existing one.
  SQLite serializes writers, so the trigger check and the write are one
  atomic unit: two concurrent bookings of the same slot get exactly one
  success and one typed conflict. Application code never pre-checks.

  Single billing (at most one charge per appointment) is a partial unique index on
  transactions(appointment_id) WHERE tx_type = 'charge'. The completion
  charge is inserted with OR IGNORE, so a retried completion is a no-op.

ERROR TRANSLATION:
  Constraint violations come back as driver errors whose text names the
  trigger message or index. translateConstraint maps them onto the
  engine's typed errors so callers never string-match.

TIME:
  All timestamps are stored as RFC3339 UTC strings. With a fixed format
  and zone, lexicographic comparison in SQL equals time comparison.

FINANCIAL DELETES:
  transactions.appointment_id is ON DELETE SET NULL: removing a booking
  clears the reference but keeps the charge row. Deleting a service still
  referenced by appointments is rejected (ON DELETE RESTRICT).

WAL MODE:
  Opened with WAL so readers never block the writer.

SEE ALSO:
  - schedule/store.go, finance/ledger.go: Interface definitions
  - engine/errors.go: The taxonomy translateConstraint targets
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/tinysteps/center-engine/engine"
	"github.com/tinysteps/center-engine/finance"
	"github.com/tinysteps/center-engine/schedule"
)

// Store implements all persistence interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Directory: therapy services catalog
	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
		price TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Directory: specialists (therapists)
	CREATE TABLE IF NOT EXISTS specialists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Directory: child records. guardian_id is the registered guardian's
	-- opaque caller id.
	CREATE TABLE IF NOT EXISTS children (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		guardian_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Active care assignments: which specialist treats which child
	CREATE TABLE IF NOT EXISTS care_assignments (
		specialist_id TEXT NOT NULL REFERENCES specialists(id),
		child_id TEXT NOT NULL REFERENCES children(id),
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (specialist_id, child_id)
	);

	-- Advisory weekly availability, one row per specialist per weekday
	CREATE TABLE IF NOT EXISTS working_hours (
		specialist_id TEXT NOT NULL REFERENCES specialists(id),
		weekday INTEGER NOT NULL CHECK (weekday BETWEEN 0 AND 6),
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		PRIMARY KEY (specialist_id, weekday),
		CHECK (start_minute >= 0 AND end_minute <= 1440 AND start_minute < end_minute)
	);

	-- Appointments. Deleting a referenced service is rejected; canceled
	-- rows keep their slot in history but are exempt from overlap checks.
	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL REFERENCES children(id),
		specialist_id TEXT NOT NULL REFERENCES specialists(id),
		service_id TEXT NOT NULL REFERENCES services(id) ON DELETE RESTRICT,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','confirmed','completed','no_show','canceled')),
		notes TEXT NOT NULL DEFAULT '',
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		recurrence_group_id TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (end_at > start_at)
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_child_start
		ON appointments(child_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_appointments_specialist_start
		ON appointments(specialist_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_appointments_group
		ON appointments(recurrence_group_id) WHERE recurrence_group_id IS NOT NULL;

	-- Ledger. appointment_id survives as NULL when the booking is deleted
	-- so the financial history stays auditable.
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL REFERENCES children(id),
		appointment_id TEXT REFERENCES appointments(id) ON DELETE SET NULL,
		amount TEXT NOT NULL CHECK (CAST(amount AS NUMERIC) >= 0),
		tx_type TEXT NOT NULL CHECK (tx_type IN ('charge','payment')),
		tx_date TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one charge per appointment. This is what makes
	-- the completion-triggered charge idempotent under retries.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_charge_per_appointment
		ON transactions(appointment_id)
		WHERE tx_type = 'charge' AND appointment_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_transactions_child
		ON transactions(child_id, tx_date);

	-- CRITICAL: range exclusion for bookings. The check runs inside the
	-- write itself; with SQLite's single writer this is atomic, so two
	-- concurrent requests for one slot yield one success + one conflict.
	CREATE TRIGGER IF NOT EXISTS trg_appointments_overlap_insert
	BEFORE INSERT ON appointments
	WHEN NEW.status != 'canceled'
	BEGIN
		SELECT RAISE(ABORT, 'SPECIALIST_OVERLAP')
		WHERE EXISTS (
			SELECT 1 FROM appointments
			WHERE specialist_id = NEW.specialist_id
			  AND status != 'canceled'
			  AND start_at < NEW.end_at AND end_at > NEW.start_at
		);
		SELECT RAISE(ABORT, 'CHILD_OVERLAP')
		WHERE EXISTS (
			SELECT 1 FROM appointments
			WHERE child_id = NEW.child_id
			  AND status != 'canceled'
			  AND start_at < NEW.end_at AND end_at > NEW.start_at
		);
	END;

	CREATE TRIGGER IF NOT EXISTS trg_appointments_overlap_update
	BEFORE UPDATE OF start_at, end_at, status, specialist_id, child_id ON appointments
	WHEN NEW.status != 'canceled'
	BEGIN
		SELECT RAISE(ABORT, 'SPECIALIST_OVERLAP')
		WHERE EXISTS (
			SELECT 1 FROM appointments
			WHERE id != NEW.id
			  AND specialist_id = NEW.specialist_id
			  AND status != 'canceled'
			  AND start_at < NEW.end_at AND end_at > NEW.start_at
		);
		SELECT RAISE(ABORT, 'CHILD_OVERLAP')
		WHERE EXISTS (
			SELECT 1 FROM appointments
			WHERE id != NEW.id
			  AND child_id = NEW.child_id
			  AND status != 'canceled'
			  AND start_at < NEW.end_at AND end_at > NEW.start_at
		);
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ERROR TRANSLATION
// =============================================================================

// translateConstraint maps driver constraint errors onto the engine's
// typed errors. start/end describe the interval being written, so
// conflict responses can tell the client what to revert.
func translateConstraint(err error, start, end time.Time) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "CHILD_OVERLAP"):
		return &engine.ConflictError{Kind: engine.ConflictChildOverlap, Start: start, End: end}
	case strings.Contains(msg, "SPECIALIST_OVERLAP"):
		return &engine.ConflictError{Kind: engine.ConflictSpecialistOverlap, Start: start, End: end}
	case strings.Contains(msg, "idx_one_charge_per_appointment"):
		return &engine.ConflictError{Kind: engine.ConflictDuplicateCharge}
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return &engine.ConflictError{Kind: engine.ConflictServiceInUse}
	}
	return err
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// =============================================================================
// APPOINTMENT STORE (schedule.AppointmentStore)
// =============================================================================

// InsertAppointment persists a booking. The overlap triggers reject it
// atomically when it collides with an existing non-canceled row.
func (s *Store) InsertAppointment(ctx context.Context, a schedule.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO appointments
		(id, child_id, specialist_id, service_id, start_at, end_at, status,
		 notes, is_recurring, recurrence_group_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.ChildID, a.SpecialistID, a.ServiceID,
		fmtTime(a.Start), fmtTime(a.End), string(a.Status),
		a.Notes, a.IsRecurring, nullString(a.RecurrenceGroupID),
		a.CreatedBy, fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
	)
	return translateConstraint(err, a.Start, a.End)
}

// GetAppointment returns the row by id, or nil when absent.
func (s *Store) GetAppointment(ctx context.Context, id string) (*schedule.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	appts, err := s.queryAppointments(ctx, apptSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(appts) == 0 {
		return nil, nil
	}
	return &appts[0], nil
}

// UpdateAppointment rewrites the mutable fields. Status is excluded:
// lifecycle changes go through TransitionStatus. A move that
// fails the overlap check leaves the row untouched.
func (s *Store) UpdateAppointment(ctx context.Context, a schedule.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE appointments
		SET specialist_id = ?, service_id = ?, start_at = ?, end_at = ?,
		    notes = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		a.SpecialistID, a.ServiceID, fmtTime(a.Start), fmtTime(a.End),
		a.Notes, fmtTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return translateConstraint(err, a.Start, a.End)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &engine.NotFoundError{Resource: "appointment", ID: a.ID}
	}
	return nil
}

// DeleteAppointment removes the row. The ON DELETE SET NULL on
// transactions clears the charge's reference without touching its row.
func (s *Store) DeleteAppointment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM appointments WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &engine.NotFoundError{Resource: "appointment", ID: id}
	}
	return nil
}

// TransitionStatus writes the new status and the completion charge in one
// database transaction, so "completed" and "charged" cannot diverge. The
// update only applies while the row still holds the expected previous
// status; a concurrent transition surfaces as a conflict.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to schedule.Status, charge *finance.ChargeDraft) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx,
		"UPDATE appointments SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), fmtTime(time.Now()), id, string(from),
	)
	if err != nil {
		return false, translateConstraint(err, time.Time{}, time.Time{})
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM appointments WHERE id = ?", id).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, &engine.NotFoundError{Resource: "appointment", ID: id}
		}
		return false, &engine.ConflictError{Kind: engine.ConflictStaleStatus}
	}

	charged := false
	if charge != nil {
		// OR IGNORE rides on idx_one_charge_per_appointment: a retried
		// completion finds its charge on file and inserts nothing.
		res, err := sqlTx.ExecContext(ctx, `
			INSERT OR IGNORE INTO transactions
			(id, child_id, appointment_id, amount, tx_type, tx_date, method,
			 description, created_by, created_at)
			VALUES (?, ?, ?, ?, 'charge', ?, '', ?, ?, ?)`,
			engine.NewID(), charge.ChildID, charge.AppointmentID,
			charge.Amount.String(), fmtTime(charge.Date),
			charge.Description, charge.CreatedBy, fmtTime(time.Now()),
		)
		if err != nil {
			return false, err
		}
		inserted, _ := res.RowsAffected()
		charged = inserted > 0
	}

	if err := sqlTx.Commit(); err != nil {
		return false, err
	}
	return charged, nil
}

const apptSelect = `
	SELECT id, child_id, specialist_id, service_id, start_at, end_at, status,
	       notes, is_recurring, recurrence_group_id, created_by, created_at, updated_at
	FROM appointments
`

// ListVisible filters rows to what the caller may observe. Filtering is
// part of the query so restricted callers never receive rows they would
// have to be trusted to drop.
func (s *Store) ListVisible(ctx context.Context, caller engine.Caller, from, to time.Time) ([]schedule.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := " WHERE start_at < ? AND end_at > ?"
	args := []any{fmtTime(to), fmtTime(from)}

	switch {
	case caller.Role.Elevated():
		// full calendar
	case caller.Role == engine.RoleGuardian:
		window += " AND child_id IN (SELECT id FROM children WHERE guardian_id = ?)"
		args = append(args, caller.ID)
	case caller.Role == engine.RoleSpecialist:
		// Own appointments stay visible without a general child
		// assignment; that covers one-off covering therapists.
		window += ` AND (specialist_id = ?
			OR child_id IN (SELECT child_id FROM care_assignments WHERE specialist_id = ? AND active))`
		args = append(args, caller.ID, caller.ID)
	default:
		return nil, nil
	}

	return s.queryAppointments(ctx, apptSelect+window+" ORDER BY start_at ASC", args...)
}

// ListForSpecialistDay returns the specialist's non-canceled bookings on
// the given calendar day, for slot suggestion.
func (s *Store) ListForSpecialistDay(ctx context.Context, specialistID string, day time.Time) ([]schedule.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	query := apptSelect + `
		WHERE specialist_id = ? AND status != 'canceled'
		  AND start_at < ? AND end_at > ?
		ORDER BY start_at ASC
	`
	return s.queryAppointments(ctx, query, specialistID, fmtTime(dayEnd), fmtTime(dayStart))
}

// ListGroup returns every occurrence of a recurrence group.
func (s *Store) ListGroup(ctx context.Context, groupID string) ([]schedule.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAppointments(ctx,
		apptSelect+" WHERE recurrence_group_id = ? ORDER BY start_at ASC", groupID)
}

func (s *Store) queryAppointments(ctx context.Context, query string, args ...any) ([]schedule.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var appts []schedule.Appointment
	for rows.Next() {
		var (
			a                      schedule.Appointment
			startAt, endAt         string
			createdAt, updatedAt   string
			status                 string
			recurrenceGroup, notes sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ChildID, &a.SpecialistID, &a.ServiceID,
			&startAt, &endAt, &status, &notes, &a.IsRecurring,
			&recurrenceGroup, &a.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		a.Start = parseTime(startAt)
		a.End = parseTime(endAt)
		a.Status = schedule.Status(status)
		a.Notes = notes.String
		a.RecurrenceGroupID = recurrenceGroup.String
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

// =============================================================================
// TRANSACTION STORE (finance.TransactionStore)
// =============================================================================

// InsertTransaction persists one ledger row.
func (s *Store) InsertTransaction(ctx context.Context, tx finance.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO transactions
		(id, child_id, appointment_id, amount, tx_type, tx_date, method,
		 description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var apptID any
	if tx.AppointmentID != nil {
		apptID = *tx.AppointmentID
	}
	_, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.ChildID, apptID, tx.Amount.String(), string(tx.Type),
		fmtTime(tx.Date), tx.Method, tx.Description, tx.CreatedBy,
		fmtTime(time.Now()),
	)
	return translateConstraint(err, time.Time{}, time.Time{})
}

// GetTransaction returns the row by id, or nil when absent.
func (s *Store) GetTransaction(ctx context.Context, id string) (*finance.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx, txSelect+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// DeleteTransaction removes a row by id. The ledger service has already
// verified it is a payment; charges never reach this path.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &engine.NotFoundError{Resource: "transaction", ID: id}
	}
	return nil
}

// ListTransactions returns a child's history, oldest first.
func (s *Store) ListTransactions(ctx context.Context, childID string) ([]finance.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx,
		txSelect+" WHERE child_id = ? ORDER BY tx_date ASC, created_at ASC", childID)
}

// SumByType totals the child's charges and payments in one query, so the
// aggregate never mixes two points in time. Amounts are summed as
// decimals in Go; SQL SUM over floats would drift.
func (s *Store) SumByType(ctx context.Context, childID string) (charges, payments decimal.Decimal, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT tx_type, amount FROM transactions WHERE child_id = ?", childID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer rows.Close()

	charges, payments = decimal.Zero, decimal.Zero
	for rows.Next() {
		var txType, amount string
		if err := rows.Scan(&txType, &amount); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		d, derr := decimal.NewFromString(amount)
		if derr != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("bad amount %q: %w", amount, derr)
		}
		if finance.Type(txType) == finance.TxCharge {
			charges = charges.Add(d)
		} else {
			payments = payments.Add(d)
		}
	}
	return charges, payments, rows.Err()
}

// IncomeByGroup aggregates charges joined to their originating
// appointment, grouped by specialist or service, ranked descending.
// Charges whose appointment was deleted have no attribution and are
// excluded.
func (s *Store) IncomeByGroup(ctx context.Context, from, to time.Time, groupBy finance.GroupBy) ([]finance.IncomeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	switch groupBy {
	case finance.GroupBySpecialist:
		query = `
			SELECT a.specialist_id, sp.name, t.amount
			FROM transactions t
			JOIN appointments a ON a.id = t.appointment_id
			JOIN specialists sp ON sp.id = a.specialist_id
			WHERE t.tx_type = 'charge' AND t.tx_date >= ? AND t.tx_date <= ?
		`
	case finance.GroupByService:
		query = `
			SELECT a.service_id, sv.name, t.amount
			FROM transactions t
			JOIN appointments a ON a.id = t.appointment_id
			JOIN services sv ON sv.id = a.service_id
			WHERE t.tx_type = 'charge' AND t.tx_date >= ? AND t.tx_date <= ?
		`
	default:
		return nil, engine.Validationf("group_by", "must be specialist or service")
	}

	rows, err := s.db.QueryContext(ctx, query, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]*finance.IncomeRow)
	for rows.Next() {
		var id, name, amount string
		if err := rows.Scan(&id, &name, &amount); err != nil {
			return nil, err
		}
		d, derr := decimal.NewFromString(amount)
		if derr != nil {
			return nil, fmt.Errorf("bad amount %q: %w", amount, derr)
		}
		row, ok := totals[id]
		if !ok {
			row = &finance.IncomeRow{GroupID: id, GroupName: name, Total: decimal.Zero}
			totals[id] = row
		}
		row.Total = row.Total.Add(d)
		row.Count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := make([]finance.IncomeRow, 0, len(totals))
	for _, row := range totals {
		report = append(report, *row)
	}
	sort.Slice(report, func(i, j int) bool {
		if !report[i].Total.Equal(report[j].Total) {
			return report[i].Total.GreaterThan(report[j].Total)
		}
		return report[i].GroupName < report[j].GroupName
	})
	return report, nil
}

const txSelect = `
	SELECT id, child_id, appointment_id, amount, tx_type, tx_date, method,
	       description, created_by, created_at
	FROM transactions
`

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]finance.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []finance.Transaction
	for rows.Next() {
		var (
			tx                finance.Transaction
			apptID            sql.NullString
			amount, txType    string
			txDate, createdAt string
			method, desc      sql.NullString
		)
		if err := rows.Scan(&tx.ID, &tx.ChildID, &apptID, &amount, &txType,
			&txDate, &method, &desc, &tx.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if apptID.Valid {
			v := apptID.String
			tx.AppointmentID = &v
		}
		tx.Amount, _ = decimal.NewFromString(amount)
		tx.Type = finance.Type(txType)
		tx.Date = parseTime(txDate)
		tx.Method = method.String
		tx.Description = desc.String
		tx.CreatedAt = parseTime(createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// DIRECTORY (access.Directory + schedule.Lookup)
// =============================================================================

// ChildExists reports whether the child record exists.
func (s *Store) ChildExists(ctx context.Context, childID string) (bool, error) {
	return s.exists(ctx, "SELECT COUNT(*) FROM children WHERE id = ?", childID)
}

// SpecialistExists reports whether the specialist record exists.
func (s *Store) SpecialistExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "SELECT COUNT(*) FROM specialists WHERE id = ?", id)
}

// IsGuardianOf reports whether callerID is the child's registered guardian.
func (s *Store) IsGuardianOf(ctx context.Context, callerID, childID string) (bool, error) {
	return s.exists(ctx,
		"SELECT COUNT(*) FROM children WHERE id = ? AND guardian_id = ? AND guardian_id != ''",
		childID, callerID)
}

// HasActiveAssignment reports whether the specialist currently treats the child.
func (s *Store) HasActiveAssignment(ctx context.Context, specialistID, childID string) (bool, error) {
	return s.exists(ctx,
		"SELECT COUNT(*) FROM care_assignments WHERE specialist_id = ? AND child_id = ? AND active",
		specialistID, childID)
}

// ChildName resolves a child's display name for charge descriptions.
func (s *Store) ChildName(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM children WHERE id = ?", id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", &engine.NotFoundError{Resource: "child", ID: id}
	}
	return name, err
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count > 0, err
}

// =============================================================================
// SERVICE CATALOG
// =============================================================================

// SaveService inserts or updates a catalog entry.
func (s *Store) SaveService(ctx context.Context, svc schedule.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO services (id, name, duration_minutes, price, color, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			duration_minutes = excluded.duration_minutes,
			price = excluded.price,
			color = excluded.color
	`
	_, err := s.db.ExecContext(ctx, query,
		svc.ID, svc.Name, svc.DurationMinutes, svc.Price.String(), svc.Color,
		fmtTime(time.Now()),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: services.name") {
		return engine.Validationf("name", "service name already in use")
	}
	return err
}

// ServiceByID returns the catalog entry, or nil when absent.
func (s *Store) ServiceByID(ctx context.Context, id string) (*schedule.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		svc       schedule.Service
		price     string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, duration_minutes, price, color, created_at FROM services WHERE id = ?", id,
	).Scan(&svc.ID, &svc.Name, &svc.DurationMinutes, &price, &svc.Color, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	svc.Price, _ = decimal.NewFromString(price)
	svc.CreatedAt = parseTime(createdAt)
	return &svc, nil
}

// ListServices returns the catalog ordered by name.
func (s *Store) ListServices(ctx context.Context) ([]schedule.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, duration_minutes, price, color, created_at FROM services ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []schedule.Service
	for rows.Next() {
		var (
			svc       schedule.Service
			price     string
			createdAt string
		)
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.DurationMinutes, &price, &svc.Color, &createdAt); err != nil {
			return nil, err
		}
		svc.Price, _ = decimal.NewFromString(price)
		svc.CreatedAt = parseTime(createdAt)
		services = append(services, svc)
	}
	return services, rows.Err()
}

// DeleteService removes a catalog entry. Rejected with a conflict while
// any appointment still references it (restrict, not cascade).
func (s *Store) DeleteService(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM services WHERE id = ?", id)
	if err != nil {
		return translateConstraint(err, time.Time{}, time.Time{})
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &engine.NotFoundError{Resource: "service", ID: id}
	}
	return nil
}

// =============================================================================
// CHILDREN / SPECIALISTS / ASSIGNMENTS
// =============================================================================

// Child is a directory record: the subset of the child file this engine
// needs (display name + registered guardian).
type Child struct {
	ID         string
	Name       string
	GuardianID string
	CreatedAt  time.Time
}

// Specialist is a directory record.
type Specialist struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// SaveChild inserts or updates a child record.
func (s *Store) SaveChild(ctx context.Context, c Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO children (id, name, guardian_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			guardian_id = excluded.guardian_id
	`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.GuardianID, fmtTime(time.Now()))
	return err
}

// SaveSpecialist inserts or updates a specialist record.
func (s *Store) SaveSpecialist(ctx context.Context, sp Specialist) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO specialists (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query, sp.ID, sp.Name, fmtTime(time.Now()))
	return err
}

// SaveAssignment records (or reactivates) a care assignment.
func (s *Store) SaveAssignment(ctx context.Context, specialistID, childID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO care_assignments (specialist_id, child_id, active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(specialist_id, child_id) DO UPDATE SET active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query, specialistID, childID, active, fmtTime(time.Now()))
	return translateConstraint(err, time.Time{}, time.Time{})
}

// =============================================================================
// WORKING HOURS
// =============================================================================

// SaveWorkingHours upserts the (specialist, weekday) availability window.
func (s *Store) SaveWorkingHours(ctx context.Context, w schedule.WorkingHours) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO working_hours (specialist_id, weekday, start_minute, end_minute)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(specialist_id, weekday) DO UPDATE SET
			start_minute = excluded.start_minute,
			end_minute = excluded.end_minute
	`
	_, err := s.db.ExecContext(ctx, query,
		w.SpecialistID, int(w.Weekday), w.StartMinute, w.EndMinute)
	return translateConstraint(err, time.Time{}, time.Time{})
}

// WorkingHoursFor returns the specialist's availability rows.
func (s *Store) WorkingHoursFor(ctx context.Context, specialistID string) ([]schedule.WorkingHours, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT specialist_id, weekday, start_minute, end_minute FROM working_hours WHERE specialist_id = ? ORDER BY weekday",
		specialistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hours []schedule.WorkingHours
	for rows.Next() {
		var w schedule.WorkingHours
		var weekday int
		if err := rows.Scan(&w.SpecialistID, &weekday, &w.StartMinute, &w.EndMinute); err != nil {
			return nil, err
		}
		w.Weekday = time.Weekday(weekday)
		hours = append(hours, w)
	}
	return hours, rows.Err()
}

// DeleteWorkingHours removes one (specialist, weekday) row.
func (s *Store) DeleteWorkingHours(ctx context.Context, specialistID string, weekday time.Weekday) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM working_hours WHERE specialist_id = ? AND weekday = ?",
		specialistID, int(weekday))
	return err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
