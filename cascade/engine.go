/*
engine.go - Payment cascade (oldest bill first)

PURPOSE:
  Applies one incoming payment to a unit: the payment plus any credit the unit
  already holds is walked over the unit's outstanding bills in ascending
  billing-period order. Whatever is left becomes credit; if the bills absorbed
  more than the payment, the difference is consumed from credit.

CONSERVATION:
  amount + creditBefore == sum(applied) + creditAfter

  creditBefore sums the credit of the payment's fiscal year and every
  positive balance the unit holds from earlier fiscal years.

  creditDelta = amount - sum(applied)
    > 0  -> one "overpayment" entry in the payment's fiscal year
    < 0  -> one "credit_applied" entry per drained account, oldest year first
    == 0 -> no credit write

ATOMICITY:
  Bills and every credit balance are written inside one WithTx. A failure at
  any point leaves no trace. Conflict retries happen in service/.

CREDIT YEAR:
  New credit lives in the fiscal year of the payment date. Credit left over
  from earlier fiscal years stays in its own account and is consumed before
  the current year's. Later fiscal years are never touched. The walk itself
  spans every outstanding bill of the unit regardless of fiscal year.

SEE ALSO:
  - credit/ledger.go: credit writes
  - reversal/saga.go: undoes what Apply did
*/
package cascade

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/credit"
	"github.com/warp/utility-ledger/logging"
)

// Calendars resolves the fiscal calendar of a client.
type Calendars interface {
	Calendar(clientID billing.ClientID) billing.FiscalCalendar
}

// Allocation is the part of a payment applied to one bill.
type Allocation struct {
	Period     billing.BillingPeriod
	FiscalYear int
	Amount     billing.Money
	OwedBefore billing.Money
	OwedAfter  billing.Money
	Status     billing.Status // after the allocation
}

// CreditMove is one write to one credit account.
type CreditMove struct {
	FiscalYear   int
	Amount       billing.Money // signed
	BalanceAfter billing.Money
}

// Result describes what Apply did. CreditBefore and CreditAfter are summed
// over every account the payment could draw on.
type Result struct {
	TransactionID    billing.TransactionID
	UnitID           billing.UnitID
	Allocations      []Allocation
	Applied          billing.Money
	CreditFiscalYear int
	CreditBefore     billing.Money
	CreditAfter      billing.Money
	CreditDelta      billing.Money
	CreditMoves      []CreditMove
}

// TouchedPeriods groups allocated periods by fiscal year.
func (r Result) TouchedPeriods() map[int][]billing.BillingPeriod {
	out := make(map[int][]billing.BillingPeriod)
	for _, a := range r.Allocations {
		out[a.FiscalYear] = append(out[a.FiscalYear], a.Period)
	}
	return out
}

// Engine applies payments.
type Engine struct {
	ledger    *credit.Ledger
	calendars Calendars
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(ledger *credit.Ledger, calendars Calendars, logger *zap.Logger) *Engine {
	return &Engine{
		ledger:    ledger,
		calendars: calendars,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// Apply runs the cascade for p in one atomic write.
func (e *Engine) Apply(ctx context.Context, s billing.TxStore, p billing.Transaction) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	var result Result
	err := s.WithTx(ctx, func(tx billing.Store) error {
		r, err := e.ApplyIn(ctx, tx, p)
		result = r
		return err
	})
	if err != nil {
		return Result{}, err
	}

	e.logger.Info("payment applied",
		zap.String("client_id", string(p.ClientID)),
		zap.String("unit_id", string(p.UnitID)),
		zap.String("transaction_id", string(p.ID)),
		zap.Int64("amount", int64(p.Amount)),
		zap.Int("bills", len(result.Allocations)),
		zap.Int64("credit_delta", int64(result.CreditDelta)),
	)
	return result, nil
}

// ApplyIn runs the cascade inside a caller-provided transaction.
func (e *Engine) ApplyIn(ctx context.Context, s billing.Store, p billing.Transaction) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := s.GetUnit(ctx, p.ClientID, p.UnitID); err != nil {
		return Result{}, err
	}
	if err := e.checkNotApplied(ctx, s, p); err != nil {
		return Result{}, err
	}

	fy := e.calendars.Calendar(p.ClientID).FiscalYearOf(p.Date)
	accounts, err := fundingAccounts(ctx, s, p, fy)
	if err != nil {
		return Result{}, err
	}
	var held billing.Money
	for _, a := range accounts {
		held += a.Balance
	}

	bills, err := s.ListUnitBills(ctx, p.ClientID, p.UnitID)
	if err != nil {
		return Result{}, err
	}

	plan := Allocate(p.Amount+held, bills)
	appliedAt := e.now().UTC()

	result := Result{
		TransactionID:    p.ID,
		UnitID:           p.UnitID,
		CreditFiscalYear: fy,
		CreditBefore:     held,
	}

	updated := make([]billing.Bill, 0, len(plan))
	for _, step := range plan {
		b := step.Bill.Clone()
		before := b.Owed()
		b.PaidAmount += step.Amount
		b.Payments = append(b.Payments, billing.PaymentEntry{
			TransactionID: p.ID,
			Amount:        step.Amount,
			AppliedAt:     appliedAt,
		})
		updated = append(updated, b)

		result.Applied += step.Amount
		result.Allocations = append(result.Allocations, Allocation{
			Period:     b.Period,
			FiscalYear: b.FiscalYear,
			Amount:     step.Amount,
			OwedBefore: before,
			OwedAfter:  b.Owed(),
			Status:     b.Status(),
		})
	}

	if len(updated) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := s.UpdateBills(ctx, updated); err != nil {
			return Result{}, err
		}
	}

	result.CreditDelta = p.Amount - result.Applied
	result.CreditAfter = held + result.CreditDelta

	switch {
	case result.CreditDelta > 0:
		after, err := e.ledger.AdjustIn(ctx, s, credit.Adjustment{
			ClientID:      p.ClientID,
			UnitID:        p.UnitID,
			FiscalYear:    fy,
			Amount:        result.CreditDelta,
			Type:          billing.CreditOverpayment,
			TransactionID: p.ID,
			Description:   "payment exceeded outstanding bills",
		})
		if err != nil {
			return Result{}, err
		}
		result.CreditMoves = append(result.CreditMoves, CreditMove{
			FiscalYear:   fy,
			Amount:       result.CreditDelta,
			BalanceAfter: after.Balance,
		})

	case result.CreditDelta < 0:
		remaining := -result.CreditDelta
		for _, a := range accounts {
			if remaining == 0 {
				break
			}
			take := billing.MinMoney(a.Balance, remaining)
			if take <= 0 {
				continue
			}
			after, err := e.ledger.AdjustIn(ctx, s, credit.Adjustment{
				ClientID:      p.ClientID,
				UnitID:        p.UnitID,
				FiscalYear:    a.FiscalYear,
				Amount:        -take,
				Type:          billing.CreditApplied,
				TransactionID: p.ID,
				Description:   "credit applied to outstanding bills",
			})
			if err != nil {
				return Result{}, err
			}
			result.CreditMoves = append(result.CreditMoves, CreditMove{
				FiscalYear:   a.FiscalYear,
				Amount:       -take,
				BalanceAfter: after.Balance,
			})
			remaining -= take
		}
	}

	return result, nil
}

// fundingAccounts returns the credit accounts a payment dated in fiscal year
// fy may draw on, in consumption order: positive balances of earlier years,
// oldest first, then the fy account itself (zero when it does not exist).
func fundingAccounts(ctx context.Context, s billing.CreditStore, p billing.Transaction, fy int) ([]billing.CreditBalance, error) {
	all, err := s.ListUnitCredits(ctx, p.ClientID, p.UnitID)
	if err != nil {
		return nil, err
	}
	current := billing.CreditBalance{ClientID: p.ClientID, UnitID: p.UnitID, FiscalYear: fy}
	var out []billing.CreditBalance
	for _, c := range all {
		switch {
		case c.FiscalYear < fy && c.Balance > 0:
			out = append(out, c)
		case c.FiscalYear == fy:
			current = c
		}
	}
	return append(out, current), nil
}

// checkNotApplied rejects a transaction that still has an effect on the
// ledger. A fully reversed transaction may be applied again.
func (e *Engine) checkNotApplied(ctx context.Context, s billing.Store, p billing.Transaction) error {
	bills, err := s.FindBillsByTransaction(ctx, p.ClientID, p.ID)
	if err != nil {
		return err
	}
	if len(bills) > 0 {
		return billing.ErrDuplicateTransaction
	}
	entries, err := s.CreditEntriesByTransaction(ctx, p.ClientID, p.ID)
	if err != nil {
		return err
	}
	if len(credit.NetByAccount(entries)) > 0 {
		return billing.ErrDuplicateTransaction
	}
	return nil
}

// =============================================================================
// ALLOCATION PLAN
// =============================================================================

// Step is one planned allocation.
type Step struct {
	Bill   billing.Bill
	Amount billing.Money
}

// Allocate walks bills oldest period first and assigns min(owed, remaining)
// to each outstanding one until available runs out. Paid bills are skipped.
// bills need not be sorted.
func Allocate(available billing.Money, bills []billing.Bill) []Step {
	ordered := make([]billing.Bill, 0, len(bills))
	for _, b := range bills {
		if b.Status() != billing.StatusPaid {
			ordered = append(ordered, b)
		}
	}
	sortByPeriod(ordered)

	var steps []Step
	for _, b := range ordered {
		if available <= 0 {
			break
		}
		amt := billing.MinMoney(b.Owed(), available)
		if amt <= 0 {
			continue
		}
		steps = append(steps, Step{Bill: b, Amount: amt})
		available -= amt
	}
	return steps
}

func sortByPeriod(bills []billing.Bill) {
	sort.SliceStable(bills, func(i, j int) bool { return bills[i].Period < bills[j].Period })
}
