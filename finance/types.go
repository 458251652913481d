/*
Package finance is the per-child ledger of charges and payments.

PURPOSE:
  Append-mostly financial record. Completing an appointment charges the
  child's account; the front desk records payments against it. Balance is
  never stored - it is always recomputed from the transaction set, so it
  cannot drift.

KEY CONCEPTS IN THIS FILE:
  - Transaction: One charge or payment. Charges reference the appointment
    that produced them; the reference survives as NULL if the appointment
    is later deleted, keeping the audit trail intact.
  - ChargeDraft: What the status lifecycle hands the store when an
    appointment completes - price and description captured at completion
    time, not booking time.
  - Balance: Derived aggregate; positive = credit, negative = debt.

SINGLE-CHARGE INVARIANT:
  At most one charge per appointment, enforced by a unique index in the
  store. That makes the completion charge idempotent under retries.

SEE ALSO:
  - ledger.go: Payment recording, balance, income reports
  - schedule/lifecycle.go: The edge that creates ChargeDrafts
*/
package finance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION
// =============================================================================

type Type string

const (
	TxCharge  Type = "charge"
	TxPayment Type = "payment"
)

// Transaction is one ledger row. AppointmentID is nil for manual payments
// and for charges whose appointment was later deleted.
type Transaction struct {
	ID            string
	ChildID       string
	AppointmentID *string
	Amount        decimal.Decimal
	Type          Type
	Date          time.Time
	Method        string // cash, card, transfer... free-form, payments only
	Description   string
	CreatedBy     string
	CreatedAt     time.Time
}

// ChargeDraft is the charge an appointment completion produces. Built by
// the scheduler at the moment of completion so the amount reflects the
// service's CURRENT price and the description the child's current name.
type ChargeDraft struct {
	ChildID       string
	AppointmentID string
	Amount        decimal.Decimal
	Date          time.Time // the appointment's end time
	Description   string
	CreatedBy     string
}

// =============================================================================
// BALANCE - Derived, never persisted
// =============================================================================

// Balance summarizes a child's account. Balance = Payments - Charges.
type Balance struct {
	ChildID  string
	Charges  decimal.Decimal
	Payments decimal.Decimal
	Balance  decimal.Decimal
}

// =============================================================================
// INCOME REPORT
// =============================================================================

// GroupBy selects the income report dimension.
type GroupBy string

const (
	GroupBySpecialist GroupBy = "specialist"
	GroupByService    GroupBy = "service"
)

func (g GroupBy) Valid() bool {
	return g == GroupBySpecialist || g == GroupByService
}

// IncomeRow is one ranked row of the income report: charged total per
// specialist or per service over a date range, sorted descending.
type IncomeRow struct {
	GroupID   string
	GroupName string
	Total     decimal.Decimal
	Count     int
}
