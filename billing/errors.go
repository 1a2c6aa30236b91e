/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Component packages return these (or wrap them) so the API layer can map
  them to HTTP statuses with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Client errors - ValidationError, duplicate transaction, not found
  2. Contract violations - InsufficientCreditError (caller bookkeeping defect)
  3. Transient errors - ConcurrencyConflictError (retried with backoff)
  4. Non-fatal - CachePatchError (logged, cache marked stale)
  5. Saga errors - ReversalPhaseTwoError (rolled back), RollbackError (FATAL)

SEE ALSO:
  - retry.go: retries only IsRetryable errors
  - reversal/saga.go: produces ReversalPhaseTwoError and RollbackError
  - api/handlers.go: HTTP status mapping
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. No side effects happened.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientCredit is returned when a credit consumption exceeds the balance.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrConcurrencyConflict is returned when an optimistic version check fails.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrCachePatch is returned when the aggregated view could not be patched.
	ErrCachePatch = errors.New("cache patch failed")

	// ErrReversalPhaseTwo is returned when bill cleanup failed and credit was restored.
	ErrReversalPhaseTwo = errors.New("reversal bill cleanup failed")

	// ErrRollback is returned when the compensating credit adjustment failed.
	// Financial state is inconsistent and needs manual reconciliation.
	ErrRollback = errors.New("reversal rollback failed")

	// ErrDuplicateTransaction is returned when a transaction was already applied.
	ErrDuplicateTransaction = errors.New("transaction already applied")

	ErrUnitNotFound   = errors.New("unit not found")
	ErrBillNotFound   = errors.New("bill not found")
	ErrClientNotFound = errors.New("client not found")
	ErrViewNotFound   = errors.New("aggregated view not found")
	ErrBillExists     = errors.New("bill already exists for period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientCreditError provides details about a credit shortfall.
type InsufficientCreditError struct {
	ClientID   ClientID
	UnitID     UnitID
	FiscalYear int
	Balance    Money
	Requested  Money
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for %s/%s fiscal %d: balance %d, requested %d",
		e.ClientID, e.UnitID, e.FiscalYear, e.Balance, e.Requested)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// ConcurrencyConflictError names the record whose version moved underneath us.
type ConcurrencyConflictError struct {
	Resource string // "bill", "credit"
	Key      string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s", e.Resource, e.Key)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// CachePatchError wraps the cause of a failed aggregated view patch.
type CachePatchError struct {
	ClientID ClientID
	Year     int
	UnitID   UnitID
	Err      error
}

func (e *CachePatchError) Error() string {
	return fmt.Sprintf("patch view %s/%d unit %s: %v", e.ClientID, e.Year, e.UnitID, e.Err)
}

func (e *CachePatchError) Unwrap() []error { return []error{ErrCachePatch, e.Err} }

// ReversalPhaseTwoError is returned after bill cleanup failed and the credit
// reversal was rolled back successfully.
type ReversalPhaseTwoError struct {
	TransactionID TransactionID
	Err           error
}

func (e *ReversalPhaseTwoError) Error() string {
	return fmt.Sprintf("reverse %s: bill cleanup failed, credit restored: %v", e.TransactionID, e.Err)
}

func (e *ReversalPhaseTwoError) Unwrap() []error { return []error{ErrReversalPhaseTwo, e.Err} }

// RollbackError is FATAL: the credit ledger was reversed, bill cleanup failed,
// and restoring the credit ledger also failed. Never retry automatically.
type RollbackError struct {
	TransactionID TransactionID
	PhaseTwoErr   error
	RollbackErr   error
	// Pending lists the credit adjustments that still need to be re-applied by hand.
	Pending []CreditEntry
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("FATAL reverse %s: bill cleanup failed (%v) and credit rollback failed (%v); manual reconciliation required",
		e.TransactionID, e.PhaseTwoErr, e.RollbackErr)
}

func (e *RollbackError) Unwrap() error { return ErrRollback }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrBillExists)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrBillNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrViewNotFound)
}

// IsFatal returns true for errors that leave the ledger inconsistent.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRollback)
}
