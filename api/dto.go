/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Every amount is an integer count of minor units. Where a client needs a
  human-readable figure, a *_display string is produced server-side from the
  integer using the client's currency exponent. Consumers never sum display
  strings.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  Handler.decode which decodes and validates in one step. Amounts decode into
  int64, so a fractional JSON number is rejected before validation.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/cascade"
	"github.com/warp/utility-ledger/penalty"
	"github.com/warp/utility-ledger/policy"
	"github.com/warp/utility-ledger/service"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUESTS
// =============================================================================

// ApplyPaymentRequest is the body of POST .../units/{unitID}/payments.
type ApplyPaymentRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,max=128"`
	Amount        int64  `json:"amount" validate:"gt=0"`
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
}

// CreateUnitRequest registers a unit.
type CreateUnitRequest struct {
	ID   string `json:"id" validate:"required,max=64"`
	Name string `json:"name" validate:"max=256"`
}

// RecordBillRequest records a charge from the billing cycle.
type RecordBillRequest struct {
	UnitID     string `json:"unit_id" validate:"required"`
	Period     string `json:"period" validate:"required,datetime=2006-01"`
	BaseCharge *int64 `json:"base_charge" validate:"required,gte=0"`
	DueDate    string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
}

// RecalculatePenaltiesRequest scopes a penalty run. Both fields are optional.
type RecalculatePenaltiesRequest struct {
	UnitID string `json:"unit_id"`
	AsOf   string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// BILLS
// =============================================================================

type PaymentEntryDTO struct {
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	AppliedAt     time.Time `json:"applied_at"`
}

// BillDTO is one bill with derived status and display strings.
type BillDTO struct {
	UnitID        string            `json:"unit_id"`
	Period        string            `json:"period"`
	FiscalYear    int               `json:"fiscal_year"`
	DueDate       string            `json:"due_date"`
	BaseCharge    int64             `json:"base_charge"`
	PenaltyAmount int64             `json:"penalty_amount"`
	TotalAmount   int64             `json:"total_amount"`
	PaidAmount    int64             `json:"paid_amount"`
	Owed          int64             `json:"owed"`
	Status        string            `json:"status"`
	DaysPastDue   int               `json:"days_past_due"`
	Payments      []PaymentEntryDTO `json:"payments"`
	TotalDisplay  string            `json:"total_display"`
	OwedDisplay   string            `json:"owed_display"`
}

func toBillDTO(pol policy.Policy, b billing.Bill) BillDTO {
	payments := make([]PaymentEntryDTO, 0, len(b.Payments))
	for _, p := range b.Payments {
		payments = append(payments, PaymentEntryDTO{
			TransactionID: string(p.TransactionID),
			Amount:        int64(p.Amount),
			AppliedAt:     p.AppliedAt,
		})
	}
	return BillDTO{
		UnitID:        string(b.UnitID),
		Period:        string(b.Period),
		FiscalYear:    b.FiscalYear,
		DueDate:       b.DueDate.Format(dateLayout),
		BaseCharge:    int64(b.BaseCharge),
		PenaltyAmount: int64(b.PenaltyAmount),
		TotalAmount:   int64(b.TotalAmount),
		PaidAmount:    int64(b.PaidAmount),
		Owed:          int64(b.Owed()),
		Status:        string(b.Status()),
		DaysPastDue:   b.DaysPastDue,
		Payments:      payments,
		TotalDisplay:  pol.Display(b.TotalAmount),
		OwedDisplay:   pol.Display(b.Owed()),
	}
}

func toBillDTOs(pol policy.Policy, bills []billing.Bill) []BillDTO {
	out := make([]BillDTO, 0, len(bills))
	for _, b := range bills {
		out = append(out, toBillDTO(pol, b))
	}
	return out
}

// UnpaidSummaryDTO lists outstanding bills. TotalUnpaidAmount is summed in
// integer minor units on the server.
type UnpaidSummaryDTO struct {
	UnitID             string    `json:"unit_id"`
	UnpaidBills        []BillDTO `json:"unpaid_bills"`
	TotalUnpaidAmount  int64     `json:"total_unpaid_amount"`
	TotalUnpaidDisplay string    `json:"total_unpaid_display"`
}

func toUnpaidSummaryDTO(pol policy.Policy, s service.UnpaidSummary) UnpaidSummaryDTO {
	return UnpaidSummaryDTO{
		UnitID:             string(s.UnitID),
		UnpaidBills:        toBillDTOs(pol, s.Bills),
		TotalUnpaidAmount:  int64(s.TotalUnpaid),
		TotalUnpaidDisplay: pol.Display(s.TotalUnpaid),
	}
}

// =============================================================================
// PAYMENTS & REVERSALS
// =============================================================================

type AllocationDTO struct {
	Period     string `json:"period"`
	FiscalYear int    `json:"fiscal_year"`
	Amount     int64  `json:"amount"`
	OwedBefore int64  `json:"owed_before"`
	OwedAfter  int64  `json:"owed_after"`
	Status     string `json:"status"`
}

// CreditMoveDTO is one credit account written by a payment.
type CreditMoveDTO struct {
	FiscalYear   int   `json:"fiscal_year"`
	Amount       int64 `json:"amount"`
	BalanceAfter int64 `json:"balance_after"`
}

// PaymentResponse describes where a payment went. The credit balances are
// summed over the payment's fiscal year and earlier years still holding credit.
type PaymentResponse struct {
	TransactionID       string          `json:"transaction_id"`
	UnitID              string          `json:"unit_id"`
	Allocations         []AllocationDTO `json:"allocations"`
	Applied             int64           `json:"applied"`
	CreditFiscalYear    int             `json:"credit_fiscal_year"`
	CreditBalanceBefore int64           `json:"credit_balance_before"`
	CreditBalanceAfter  int64           `json:"credit_balance_after"`
	CreditDelta         int64           `json:"credit_delta"`
	CreditAfterDisplay  string          `json:"credit_balance_after_display"`
	CreditMoves         []CreditMoveDTO `json:"credit_moves"`
	PenaltiesUpdated    int             `json:"penalties_updated"`
	ViewStale           bool            `json:"view_stale,omitempty"`
}

func toPaymentResponse(pol policy.Policy, r service.PaymentResult) PaymentResponse {
	return PaymentResponse{
		TransactionID:       string(r.TransactionID),
		UnitID:              string(r.UnitID),
		Allocations:         toAllocationDTOs(r.Allocations),
		Applied:             int64(r.Applied),
		CreditFiscalYear:    r.CreditFiscalYear,
		CreditBalanceBefore: int64(r.CreditBefore),
		CreditBalanceAfter:  int64(r.CreditAfter),
		CreditDelta:         int64(r.CreditDelta),
		CreditAfterDisplay:  pol.Display(r.CreditAfter),
		CreditMoves:         toCreditMoveDTOs(r.CreditMoves),
		PenaltiesUpdated:    r.PenaltiesUpdated,
		ViewStale:           r.ViewStale,
	}
}

func toAllocationDTOs(allocs []cascade.Allocation) []AllocationDTO {
	out := make([]AllocationDTO, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, AllocationDTO{
			Period:     string(a.Period),
			FiscalYear: a.FiscalYear,
			Amount:     int64(a.Amount),
			OwedBefore: int64(a.OwedBefore),
			OwedAfter:  int64(a.OwedAfter),
			Status:     string(a.Status),
		})
	}
	return out
}

func toCreditMoveDTOs(moves []cascade.CreditMove) []CreditMoveDTO {
	out := make([]CreditMoveDTO, 0, len(moves))
	for _, m := range moves {
		out = append(out, CreditMoveDTO{
			FiscalYear:   m.FiscalYear,
			Amount:       int64(m.Amount),
			BalanceAfter: int64(m.BalanceAfter),
		})
	}
	return out
}

type ReversedBillDTO struct {
	UnitID     string `json:"unit_id"`
	Period     string `json:"period"`
	FiscalYear int    `json:"fiscal_year"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
}

type CreditReversalDTO struct {
	UnitID     string `json:"unit_id"`
	FiscalYear int    `json:"fiscal_year"`
	Amount     int64  `json:"amount"`
}

// ReversalResponse describes what a reversal undid.
type ReversalResponse struct {
	TransactionID    string              `json:"transaction_id"`
	NoOp             bool                `json:"no_op"`
	BillsReversed    []ReversedBillDTO   `json:"bills_reversed"`
	CreditReversed   []CreditReversalDTO `json:"credit_reversed"`
	PenaltiesUpdated int                 `json:"penalties_updated"`
}

func toReversalResponse(r service.ReversalResult) ReversalResponse {
	out := ReversalResponse{
		TransactionID:    string(r.TransactionID),
		NoOp:             r.NoOp,
		PenaltiesUpdated: r.PenaltiesUpdated,
		BillsReversed:  make([]ReversedBillDTO, 0, len(r.BillsReversed)),
		CreditReversed: make([]CreditReversalDTO, 0, len(r.CreditReversed)),
	}
	for _, b := range r.BillsReversed {
		out.BillsReversed = append(out.BillsReversed, ReversedBillDTO{
			UnitID:     string(b.Key.UnitID),
			Period:     string(b.Key.Period),
			FiscalYear: b.FiscalYear,
			Amount:     int64(b.Amount),
			Status:     string(b.Status),
		})
	}
	for _, n := range r.CreditReversed {
		out.CreditReversed = append(out.CreditReversed, CreditReversalDTO{
			UnitID:     string(n.UnitID),
			FiscalYear: n.FiscalYear,
			Amount:     int64(n.Amount),
		})
	}
	return out
}

// =============================================================================
// CREDIT
// =============================================================================

type CreditEntryDTO struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Amount        int64     `json:"amount"`
	Type          string    `json:"type"`
	Description   string    `json:"description,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type CreditStatementDTO struct {
	UnitID         string           `json:"unit_id"`
	FiscalYear     int              `json:"fiscal_year"`
	Balance        int64            `json:"balance"`
	BalanceDisplay string           `json:"balance_display"`
	Entries        []CreditEntryDTO `json:"entries"`
}

func toCreditStatementDTO(pol policy.Policy, s service.CreditStatement) CreditStatementDTO {
	entries := make([]CreditEntryDTO, 0, len(s.Entries))
	for _, e := range s.Entries {
		entries = append(entries, CreditEntryDTO{
			ID:            e.ID,
			TransactionID: string(e.TransactionID),
			Amount:        int64(e.Amount),
			Type:          string(e.Type),
			Description:   e.Description,
			Timestamp:     e.Timestamp,
		})
	}
	return CreditStatementDTO{
		UnitID:         string(s.Balance.UnitID),
		FiscalYear:     s.Balance.FiscalYear,
		Balance:        int64(s.Balance.Balance),
		BalanceDisplay: pol.Display(s.Balance.Balance),
		Entries:        entries,
	}
}

// =============================================================================
// UNITS, PENALTIES, VIEWS
// =============================================================================

type UnitDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func toUnitDTO(u billing.Unit) UnitDTO {
	return UnitDTO{ID: string(u.ID), Name: u.Name, CreatedAt: u.CreatedAt}
}

type PenaltyChangeDTO struct {
	UnitID     string `json:"unit_id"`
	Period     string `json:"period"`
	OldPenalty int64  `json:"old_penalty"`
	NewPenalty int64  `json:"new_penalty"`
	DaysPast   int    `json:"days_past_due"`
}

type PenaltyRunDTO struct {
	AsOf     string             `json:"as_of"`
	Examined int                `json:"examined"`
	Skipped  int                `json:"skipped"`
	Updated  int                `json:"updated"`
	Changes  []PenaltyChangeDTO `json:"changes"`
}

func toPenaltyRunDTO(r penalty.RunResult) PenaltyRunDTO {
	changes := make([]PenaltyChangeDTO, 0, len(r.Changes))
	for _, c := range r.Changes {
		changes = append(changes, PenaltyChangeDTO{
			UnitID:     string(c.Key.UnitID),
			Period:     string(c.Key.Period),
			OldPenalty: int64(c.OldPenalty),
			NewPenalty: int64(c.NewPenalty),
			DaysPast:   c.NewDaysPastDue,
		})
	}
	return PenaltyRunDTO{
		AsOf:     r.AsOf.Format(dateLayout),
		Examined: r.Examined,
		Skipped:  r.Skipped,
		Updated:  r.Updated(),
		Changes:  changes,
	}
}

// YearViewResponse is the aggregated view plus what a client needs to format it.
type YearViewResponse struct {
	billing.YearView
	CurrencyExponent int32 `json:"currency_exponent"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ClientID    string `json:"client_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
