/*
Package billing provides the core types of the utility billing ledger.

PURPOSE:
  This package contains the domain types shared by every component of the
  billing engine: bills, payment entries, credit balances and their history,
  the unit registry and the incoming payment transaction. The algorithms
  (penalties, cascade, reversal, aggregation) live in their own packages and
  only talk to each other through these types and the Store interfaces.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: integer minor currency units (cents). Never a float.
  - Bill: one charge per (client, unit, billing period)
  - Status: DERIVED from PaidAmount/TotalAmount, never stored
  - PaymentEntry: one slice of one transaction applied to one bill
  - CreditBalance / CreditEntry: rolling per-unit credit with append-only history

DESIGN PRINCIPLES:
  1. Precision: all arithmetic is int64 minor units
  2. No drift: Status is a method, not a field
  3. Auditability: every bill payment and credit change names its transaction
  4. Optimistic concurrency: every mutable record carries a Version

SEE ALSO:
  - store.go: persistence interfaces
  - errors.go: error taxonomy
  - period.go: billing period keys and fiscal years
*/
package billing

import (
	"time"
)

// =============================================================================
// MONEY - Integer minor currency units
// =============================================================================

// Money is an amount in minor currency units (e.g. cents).
type Money int64

// MinMoney returns the smaller of two amounts.
func MinMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// MaxMoney returns the larger of two amounts.
func MaxMoney(a, b Money) Money {
	if a > b {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type UnitID string
type TransactionID string

// =============================================================================
// STATUS - Always derived
// =============================================================================

type Status string

const (
	StatusUnpaid  Status = "unpaid"
	StatusPartial Status = "partial"
	StatusPaid    Status = "paid"
)

// DeriveStatus computes the status of a bill from its amounts.
// A zero-total bill has nothing owed and is therefore paid.
func DeriveStatus(paid, total Money) Status {
	switch {
	case paid >= total:
		return StatusPaid
	case paid <= 0:
		return StatusUnpaid
	default:
		return StatusPartial
	}
}

// =============================================================================
// BILL - One charge per (client, unit, period)
// =============================================================================

// PaymentEntry records how much of one transaction was applied to a bill.
type PaymentEntry struct {
	TransactionID TransactionID
	Amount        Money
	AppliedAt     time.Time
}

// Bill is the authoritative record for one unit and one billing period.
//
// INVARIANTS:
//   - TotalAmount == BaseCharge + PenaltyAmount
//   - 0 <= PaidAmount <= TotalAmount
//   - sum(Payments[i].Amount) == PaidAmount
type Bill struct {
	ClientID   ClientID
	UnitID     UnitID
	Period     BillingPeriod
	FiscalYear int
	DueDate    time.Time

	BaseCharge    Money
	PenaltyAmount Money
	TotalAmount   Money
	PaidAmount    Money

	Payments []PaymentEntry

	DaysPastDue       int
	LastPenaltyUpdate time.Time

	CreatedAt time.Time
	Version   int64
}

// Key returns the identity of the bill.
func (b Bill) Key() BillKey {
	return BillKey{ClientID: b.ClientID, UnitID: b.UnitID, Period: b.Period}
}

// Status derives the bill status from PaidAmount and TotalAmount.
func (b Bill) Status() Status {
	return DeriveStatus(b.PaidAmount, b.TotalAmount)
}

// Owed returns what is still due on the bill.
func (b Bill) Owed() Money {
	if b.PaidAmount >= b.TotalAmount {
		return 0
	}
	return b.TotalAmount - b.PaidAmount
}

// HasPayment reports whether the transaction touched this bill.
func (b Bill) HasPayment(txID TransactionID) bool {
	for _, p := range b.Payments {
		if p.TransactionID == txID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (b Bill) Clone() Bill {
	c := b
	if b.Payments != nil {
		c.Payments = append([]PaymentEntry(nil), b.Payments...)
	}
	return c
}

// Validate checks the bill's structural invariants.
func (b Bill) Validate() error {
	if b.BaseCharge < 0 || b.PenaltyAmount < 0 {
		return &ValidationError{Field: "amount", Reason: "charges must not be negative"}
	}
	if b.TotalAmount != b.BaseCharge+b.PenaltyAmount {
		return &ValidationError{Field: "total_amount", Reason: "total must equal base charge plus penalty"}
	}
	if b.PaidAmount < 0 || b.PaidAmount > b.TotalAmount {
		return &ValidationError{Field: "paid_amount", Reason: "paid amount out of range"}
	}
	var sum Money
	for _, p := range b.Payments {
		sum += p.Amount
	}
	if sum != b.PaidAmount {
		return &ValidationError{Field: "payments", Reason: "payment entries do not sum to paid amount"}
	}
	return nil
}

// BillKey identifies a bill.
type BillKey struct {
	ClientID ClientID
	UnitID   UnitID
	Period   BillingPeriod
}

// =============================================================================
// CREDIT - Rolling per-unit balance with append-only history
// =============================================================================

type CreditEntryType string

const (
	CreditOverpayment      CreditEntryType = "overpayment"
	CreditApplied          CreditEntryType = "credit_applied"
	CreditAdjustment       CreditEntryType = "adjustment"
	CreditReversalRollback CreditEntryType = "reversal_rollback"
)

const creditReversalSuffix = "_reversal"

// ReversalOf returns the type tag used when reversing an entry of type t.
func ReversalOf(t CreditEntryType) CreditEntryType {
	return t + creditReversalSuffix
}

// IsReversal reports whether the type is a "<type>_reversal" tag.
func (t CreditEntryType) IsReversal() bool {
	s := string(t)
	return len(s) > len(creditReversalSuffix) && s[len(s)-len(creditReversalSuffix):] == creditReversalSuffix
}

// CreditEntry is one append-only change to a credit balance.
type CreditEntry struct {
	ID            string
	ClientID      ClientID
	UnitID        UnitID
	FiscalYear    int
	TransactionID TransactionID
	Amount        Money // signed: positive adds credit, negative consumes
	Type          CreditEntryType
	Description   string
	Timestamp     time.Time
}

// CreditBalance is the credit held for one unit in one fiscal year.
//
// INVARIANT: Balance >= 0, and Balance == sum(History[i].Amount).
type CreditBalance struct {
	ClientID   ClientID
	UnitID     UnitID
	FiscalYear int
	Balance    Money
	History    []CreditEntry
	Version    int64
}

// Clone returns a deep copy.
func (c CreditBalance) Clone() CreditBalance {
	out := c
	if c.History != nil {
		out.History = append([]CreditEntry(nil), c.History...)
	}
	return out
}

// =============================================================================
// UNIT - Registry of billable units
// =============================================================================

// Unit is a billable property unit belonging to a client association.
type Unit struct {
	ClientID  ClientID
	ID        UnitID
	Name      string
	CreatedAt time.Time
}

// =============================================================================
// TRANSACTION - External payment event (input only)
// =============================================================================

// Transaction is one incoming payment. The engine never mutates it; it only
// references its ID from bill payment entries and credit history.
type Transaction struct {
	ID       TransactionID
	ClientID ClientID
	UnitID   UnitID
	Amount   Money
	Date     time.Time
}

// Validate rejects malformed payments before any write happens.
func (t Transaction) Validate() error {
	switch {
	case t.ClientID == "":
		return &ValidationError{Field: "client_id", Reason: "required"}
	case t.UnitID == "":
		return &ValidationError{Field: "unit_id", Reason: "required"}
	case t.ID == "":
		return &ValidationError{Field: "transaction_id", Reason: "required"}
	case t.Amount <= 0:
		return &ValidationError{Field: "amount", Reason: "must be a positive integer in minor units"}
	case t.Date.IsZero():
		return &ValidationError{Field: "date", Reason: "required"}
	}
	return nil
}
