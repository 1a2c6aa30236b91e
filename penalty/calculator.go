/*
calculator.go - Overdue penalty accrual

PURPOSE:
  Recomputes the penalty of every unpaid or partially paid bill in scope as of
  a given date and writes back only the bills whose penalty or days-past-due
  changed. The run is idempotent: calling it twice with the same asOf writes
  nothing the second time.

RULES:
  daysPastDue = max(0, days(asOf - dueDate))

  Within grace (daysPastDue <= graceDays):
    penalty = 0

  Past grace:
    principal = baseCharge - min(paidAmount, baseCharge)   (penalty excluded)
    n         = daily:   daysPastDue - graceDays
                monthly: started 30-day blocks past grace
    simple:   principal * rate * n
    compound: principal * ((1 + rate)^n - 1)
    capped at capPercent of baseCharge when a cap is set,
    rounded half-up to whole minor units.

  Accrued penalty is never forgiven by a later payment: past grace the new
  penalty is max(previous, computed). The penalty is also never lowered below
  paidAmount - baseCharge so that paidAmount <= totalAmount always holds.

  Paid bills are skipped entirely.

SEE ALSO:
  - policy/policy.go: rates, grace and compounding per client
  - service/service.go: synchronous unit-scoped run before each payment
  - api/scheduler.go: nightly full-client run
*/
package penalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/logging"
	"github.com/warp/utility-ledger/policy"
)

// Policies resolves the billing policy of a client.
type Policies interface {
	Get(clientID billing.ClientID) policy.Policy
}

// Scope selects the units a run covers.
type Scope struct {
	UnitID billing.UnitID // empty = all units of the client
}

// AllUnits covers every registered unit of the client.
func AllUnits() Scope { return Scope{} }

// Unit covers a single unit.
func Unit(id billing.UnitID) Scope { return Scope{UnitID: id} }

// IsAll reports whether the scope covers every unit.
func (s Scope) IsAll() bool { return s.UnitID == "" }

// Change describes one bill the run rewrote.
type Change struct {
	Key            billing.BillKey
	FiscalYear     int
	OldPenalty     billing.Money
	NewPenalty     billing.Money
	OldDaysPastDue int
	NewDaysPastDue int
}

// RunResult summarizes one recalculation.
type RunResult struct {
	ClientID billing.ClientID
	AsOf     time.Time
	Examined int
	Skipped  int // paid bills
	Changes  []Change
}

// Updated returns the number of bills written.
func (r RunResult) Updated() int { return len(r.Changes) }

// Calculator recalculates penalties against a store.
type Calculator struct {
	store    billing.TxStore
	policies Policies
	retry    billing.RetryConfig
	logger   *zap.Logger
	onRetry  billing.RetryNotify
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithRetry sets the conflict retry bounds.
func WithRetry(cfg billing.RetryConfig) Option { return func(c *Calculator) { c.retry = cfg } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Calculator) { c.logger = logging.OrNop(l) } }

// WithRetryNotify registers a callback invoked before each conflict retry.
func WithRetryNotify(fn billing.RetryNotify) Option { return func(c *Calculator) { c.onRetry = fn } }

func NewCalculator(store billing.TxStore, policies Policies, opts ...Option) *Calculator {
	c := &Calculator{
		store:    store,
		policies: policies,
		retry:    billing.DefaultRetryConfig(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recalculate updates penalties for the bills in scope as of asOf.
// All changed bills are written in one atomic write.
func (c *Calculator) Recalculate(ctx context.Context, clientID billing.ClientID, scope Scope, asOf time.Time) (RunResult, error) {
	var result RunResult
	err := billing.Retry(ctx, c.retry, func() error {
		return c.store.WithTx(ctx, func(tx billing.Store) error {
			r, err := c.RecalculateIn(ctx, tx, clientID, scope, asOf)
			result = r
			return err
		})
	}, c.onRetry)
	if err != nil {
		return RunResult{}, err
	}

	if result.Updated() > 0 {
		c.logger.Info("penalties recalculated",
			zap.String("client_id", string(clientID)),
			zap.String("unit_id", string(scope.UnitID)),
			zap.Time("as_of", asOf),
			zap.Int("examined", result.Examined),
			zap.Int("updated", result.Updated()),
		)
	}
	return result, nil
}

// RecalculateIn runs inside a caller-provided transaction.
func (c *Calculator) RecalculateIn(ctx context.Context, s billing.Store, clientID billing.ClientID, scope Scope, asOf time.Time) (RunResult, error) {
	result := RunResult{ClientID: clientID, AsOf: asOf}
	pol := c.policies.Get(clientID)

	units, err := c.unitsInScope(ctx, s, clientID, scope)
	if err != nil {
		return result, err
	}

	var dirty []billing.Bill
	for _, unitID := range units {
		bills, err := s.ListUnitBills(ctx, clientID, unitID)
		if err != nil {
			return result, err
		}
		for _, b := range bills {
			result.Examined++
			if b.Status() == billing.StatusPaid {
				result.Skipped++
				continue
			}
			next, changed := Apply(pol, b, asOf)
			if !changed {
				continue
			}
			result.Changes = append(result.Changes, Change{
				Key:            b.Key(),
				FiscalYear:     b.FiscalYear,
				OldPenalty:     b.PenaltyAmount,
				NewPenalty:     next.PenaltyAmount,
				OldDaysPastDue: b.DaysPastDue,
				NewDaysPastDue: next.DaysPastDue,
			})
			dirty = append(dirty, next)
		}
	}

	if len(dirty) == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := s.UpdateBills(ctx, dirty); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Calculator) unitsInScope(ctx context.Context, s billing.Store, clientID billing.ClientID, scope Scope) ([]billing.UnitID, error) {
	if !scope.IsAll() {
		if _, err := s.GetUnit(ctx, clientID, scope.UnitID); err != nil {
			return nil, err
		}
		return []billing.UnitID{scope.UnitID}, nil
	}
	units, err := s.ListUnits(ctx, clientID)
	if err != nil {
		return nil, err
	}
	ids := make([]billing.UnitID, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids, nil
}

// =============================================================================
// PURE COMPUTATION
// =============================================================================

// Apply returns the bill with its penalty recomputed as of asOf and whether
// anything changed. Paid bills are returned unchanged.
func Apply(pol policy.Policy, b billing.Bill, asOf time.Time) (billing.Bill, bool) {
	if b.Status() == billing.StatusPaid {
		return b, false
	}

	days := billing.DaysBetween(b.DueDate, asOf)
	if days < 0 {
		days = 0
	}

	floor := billing.MaxMoney(0, b.PaidAmount-b.BaseCharge)
	var target billing.Money
	if days <= pol.GraceDays {
		target = floor
	} else {
		computed := Compute(pol, b.BaseCharge, b.PaidAmount, days)
		target = billing.MaxMoney(billing.MaxMoney(b.PenaltyAmount, computed), floor)
	}

	if target == b.PenaltyAmount && days == b.DaysPastDue {
		return b, false
	}

	next := b.Clone()
	next.PenaltyAmount = target
	next.TotalAmount = next.BaseCharge + target
	next.DaysPastDue = days
	next.LastPenaltyUpdate = asOf
	return next, true
}

// Compute returns the penalty for a bill daysPastDue days past its due date,
// ignoring any previously accrued amount.
func Compute(pol policy.Policy, base, paid billing.Money, daysPastDue int) billing.Money {
	over := daysPastDue - pol.GraceDays
	if over <= 0 || base <= 0 {
		return 0
	}

	principal := decimal.NewFromInt(int64(base - billing.MinMoney(paid, base)))
	if principal.IsZero() {
		return 0
	}

	n := over
	if pol.Accrual == policy.AccrualMonthly {
		n = (over + 29) / 30
	}
	periods := decimal.NewFromInt(int64(n))

	var amount decimal.Decimal
	switch pol.Mode {
	case policy.PenaltyCompound:
		growth := decimal.NewFromInt(1).Add(pol.Rate).Pow(periods)
		amount = principal.Mul(growth.Sub(decimal.NewFromInt(1)))
	default:
		amount = principal.Mul(pol.Rate).Mul(periods)
	}

	if pol.CapPercent.IsPositive() {
		limit := decimal.NewFromInt(int64(base)).Mul(pol.CapPercent).Div(decimal.NewFromInt(100))
		if amount.GreaterThan(limit) {
			amount = limit
		}
	}

	return billing.Money(amount.Round(0).IntPart())
}
