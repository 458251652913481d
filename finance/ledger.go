/*
ledger.go - Payment recording, balance computation, income reporting

PURPOSE:
  The service layer over the transaction store. Capability checks happen
  here, before any write; the single-charge invariant lives below, in the
  store's unique index.

RULES:
  - Payments must be strictly positive.
  - Charges are never deleted directly. They lose their appointment
    reference (not their row) when an appointment is deleted.
  - Balance reads run inside the same store guarantees as writes, so an
    in-flight completion charge is never half-visible.

SEE ALSO:
  - types.go: Transaction, Balance, IncomeRow
  - store/sqlite/sqlite.go: TransactionStore implementation
*/
package finance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tinysteps/center-engine/access"
	"github.com/tinysteps/center-engine/engine"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// TransactionStore is the persistence surface the ledger needs.
type TransactionStore interface {
	// InsertTransaction persists one row. For charges it must surface a
	// duplicate-charge conflict when the appointment is already charged.
	InsertTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns a row by id, or nil when absent.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// DeleteTransaction removes a row by id.
	DeleteTransaction(ctx context.Context, id string) error

	// ListTransactions returns a child's transactions, oldest first.
	ListTransactions(ctx context.Context, childID string) ([]Transaction, error)

	// SumByType returns the child's total per transaction type in one
	// consistent read.
	SumByType(ctx context.Context, childID string) (charges, payments decimal.Decimal, err error)

	// IncomeByGroup aggregates charges joined to their originating
	// appointment over [from, to], grouped and sorted descending.
	IncomeByGroup(ctx context.Context, from, to time.Time, groupBy GroupBy) ([]IncomeRow, error)
}

// =============================================================================
// LEDGER SERVICE
// =============================================================================

// Ledger exposes the financial operations of the engine.
type Ledger struct {
	Store TransactionStore
	Guard *access.Guard
}

func NewLedger(store TransactionStore, guard *access.Guard) *Ledger {
	return &Ledger{Store: store, Guard: guard}
}

// PaymentInput describes a manual payment taken at the front desk.
type PaymentInput struct {
	ChildID     string
	Amount      decimal.Decimal
	Date        time.Time
	Method      string
	Description string
}

// RecordPayment inserts a payment transaction. Amount must be positive.
func (l *Ledger) RecordPayment(ctx context.Context, caller engine.Caller, in PaymentInput) (*Transaction, error) {
	if in.ChildID == "" {
		return nil, engine.Validationf("child_id", "required")
	}
	if !in.Amount.IsPositive() {
		return nil, engine.Validationf("amount", "must be positive")
	}
	if in.Date.IsZero() {
		in.Date = time.Now().UTC()
	}
	if err := l.Guard.RequireWrite(ctx, caller, in.ChildID, "record payment"); err != nil {
		return nil, err
	}

	tx := Transaction{
		ID:          engine.NewID(),
		ChildID:     in.ChildID,
		Amount:      in.Amount,
		Type:        TxPayment,
		Date:        in.Date,
		Method:      in.Method,
		Description: in.Description,
		CreatedBy:   caller.ID,
	}
	if err := l.Store.InsertTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// DeletePayment removes a payment transaction. Charges are not deletable
// through any path: their only exit is losing the appointment reference
// when the appointment itself is removed.
func (l *Ledger) DeletePayment(ctx context.Context, caller engine.Caller, transactionID string) error {
	if err := access.RequireElevated(caller, "delete payment"); err != nil {
		return err
	}
	tx, err := l.Store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx == nil {
		return &engine.NotFoundError{Resource: "transaction", ID: transactionID}
	}
	if tx.Type != TxPayment {
		return engine.Validationf("transaction_id", "only payment transactions can be deleted")
	}
	return l.Store.DeleteTransaction(ctx, transactionID)
}

// ComputeBalance aggregates the child's account. Always recomputed.
func (l *Ledger) ComputeBalance(ctx context.Context, caller engine.Caller, childID string) (*Balance, error) {
	if err := l.Guard.RequireRead(ctx, caller, childID, "read balance"); err != nil {
		return nil, err
	}
	charges, payments, err := l.Store.SumByType(ctx, childID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		ChildID:  childID,
		Charges:  charges,
		Payments: payments,
		Balance:  payments.Sub(charges),
	}, nil
}

// Transactions returns the child's history, oldest first.
func (l *Ledger) Transactions(ctx context.Context, caller engine.Caller, childID string) ([]Transaction, error) {
	if err := l.Guard.RequireRead(ctx, caller, childID, "read transactions"); err != nil {
		return nil, err
	}
	return l.Store.ListTransactions(ctx, childID)
}

// IncomeReport ranks charged totals per specialist or per service over
// [from, to]. Operator dashboard only, so it needs an elevated caller.
func (l *Ledger) IncomeReport(ctx context.Context, caller engine.Caller, from, to time.Time, groupBy GroupBy) ([]IncomeRow, error) {
	if err := access.RequireElevated(caller, "income report"); err != nil {
		return nil, err
	}
	if !groupBy.Valid() {
		return nil, engine.Validationf("group_by", "must be specialist or service")
	}
	if to.Before(from) {
		return nil, engine.Validationf("to", "end before start")
	}
	return l.Store.IncomeByGroup(ctx, from, to, groupBy)
}
