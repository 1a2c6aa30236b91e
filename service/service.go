/*
service.go - Ledger operations exposed to the outside world

PURPOSE:
  Orchestrates the components behind each external operation. The components
  each do one thing (cascade, credit, penalties, reversal, view); the service
  sequences them, retries optimistic conflicts, keeps the aggregated view in
  step after every committed write and records metrics.

APPLY PAYMENT:
  1. Recalculate penalties of the payment's unit as of the payment date, so the
     cascade allocates against current totals.
  2. Run the cascade (bills + credit in one atomic write), retried on conflict.
  3. Patch the view for every fiscal year the cascade touched. A patch failure
     is swallowed; the payment has committed.

REVERSE TRANSACTION:
  Runs the reversal saga, then patches every (unit, fiscal year) it touched.

SEE ALSO:
  - cascade/engine.go, reversal/saga.go, penalty/calculator.go
  - aggview/cache.go: failure policy for view patches
  - api/handlers.go: HTTP surface
*/
package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warp/utility-ledger/aggview"
	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/cascade"
	"github.com/warp/utility-ledger/credit"
	"github.com/warp/utility-ledger/logging"
	"github.com/warp/utility-ledger/metrics"
	"github.com/warp/utility-ledger/penalty"
	"github.com/warp/utility-ledger/policy"
	"github.com/warp/utility-ledger/reversal"
)

// Service is the entry point for every ledger operation.
type Service struct {
	store    billing.TxStore
	policies *policy.Registry

	ledger    *credit.Ledger
	engine    *cascade.Engine
	penalties *penalty.Calculator
	reversals *reversal.Coordinator
	views     *aggview.Cache

	retry  billing.RetryConfig
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithRetry(cfg billing.RetryConfig) Option { return func(s *Service) { s.retry = cfg } }
func WithLogger(l *zap.Logger) Option         { return func(s *Service) { s.logger = logging.OrNop(l) } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }

// New wires the components over one store.
func New(store billing.TxStore, policies *policy.Registry, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policies: policies,
		retry:    billing.DefaultRetryConfig(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ledger = credit.NewLedger(store,
		credit.WithRetry(s.retry),
		credit.WithLogger(s.logger.Named("credit")),
		credit.WithRetryNotify(conflictNotifier(s.logger, "credit_adjust")),
	)
	s.engine = cascade.NewEngine(s.ledger, policies, s.logger.Named("cascade"))
	s.penalties = penalty.NewCalculator(store, policies,
		penalty.WithRetry(s.retry),
		penalty.WithLogger(s.logger.Named("penalty")),
		penalty.WithRetryNotify(conflictNotifier(s.logger, "recalculate_penalties")),
	)
	s.reversals = reversal.NewCoordinator(store, s.ledger,
		reversal.WithRetry(s.retry),
		reversal.WithLogger(s.logger.Named("reversal")),
	)
	s.views = aggview.New(store,
		aggview.WithLogger(s.logger.Named("aggview")),
		aggview.WithClock(func() time.Time { return s.now() }),
		aggview.WithFailureHook(func(clientID billing.ClientID) {
			metrics.IncCachePatchFailure(string(clientID))
		}),
	)
	return s
}

// Policy returns the billing policy of a client.
func (s *Service) Policy(clientID billing.ClientID) policy.Policy {
	return s.policies.Get(clientID)
}

// Clients returns the clients with a configured policy.
func (s *Service) Clients() []billing.ClientID {
	return s.policies.Clients()
}

// KnownClients returns the clients with a configured policy plus every client
// that registered a unit, sorted. Clients without a policy entry run on the
// default policy.
func (s *Service) KnownClients(ctx context.Context) ([]billing.ClientID, error) {
	stored, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[billing.ClientID]bool)
	var out []billing.ClientID
	for _, id := range append(s.policies.Clients(), stored...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentResult is the outcome of ApplyPayment.
type PaymentResult struct {
	cascade.Result
	PenaltiesUpdated int
	ViewStale        bool // a view patch failed and was deferred to the next read
}

// ApplyPayment applies an incoming payment to its unit.
func (s *Service) ApplyPayment(ctx context.Context, p billing.Transaction) (res PaymentResult, err error) {
	start := s.now()
	defer func() { s.observe("apply_payment", start, err) }()

	if err := p.Validate(); err != nil {
		return PaymentResult{}, err
	}
	if _, err := s.store.GetUnit(ctx, p.ClientID, p.UnitID); err != nil {
		return PaymentResult{}, err
	}

	run, err := s.penalties.Recalculate(ctx, p.ClientID, penalty.Unit(p.UnitID), p.Date)
	if err != nil {
		return PaymentResult{}, err
	}
	metrics.AddPenaltyUpdates(run.Updated())

	var applied cascade.Result
	err = billing.Retry(ctx, s.retry, func() error {
		r, err := s.engine.Apply(ctx, s.store, p)
		applied = r
		return err
	}, conflictNotifier(s.logger, "apply_payment"))
	if err != nil {
		return PaymentResult{}, err
	}

	toCredit := int64(applied.CreditDelta)
	if toCredit < 0 {
		toCredit = 0
	}
	metrics.AddPaymentAllocation(int64(p.Amount)-toCredit, toCredit)

	res = PaymentResult{Result: applied, PenaltiesUpdated: run.Updated()}

	touched := applied.TouchedPeriods()
	for _, c := range run.Changes {
		touched[c.FiscalYear] = appendPeriod(touched[c.FiscalYear], c.Key.Period)
	}
	for _, m := range applied.CreditMoves {
		if _, ok := touched[m.FiscalYear]; !ok {
			// Credit-only change: every cell stays, only the unit roll-up moves.
			touched[m.FiscalYear] = nil
		}
	}
	for year, periods := range touched {
		if s.views.Refresh(ctx, p.ClientID, year, p.UnitID, periods) != nil {
			res.ViewStale = true
		}
	}
	return res, nil
}

// ReversalResult is the outcome of ReverseTransaction.
type ReversalResult struct {
	reversal.Result
	PenaltiesUpdated int
}

// ReverseTransaction undoes a previously applied payment, then recalculates
// the penalties of every unit it reopened bills on.
func (s *Service) ReverseTransaction(ctx context.Context, clientID billing.ClientID, txID billing.TransactionID) (res ReversalResult, err error) {
	start := s.now()
	defer func() { s.observe("reverse_transaction", start, err) }()

	undone, err := s.reversals.Reverse(ctx, clientID, txID)
	if err != nil {
		if billing.IsFatal(err) {
			metrics.IncRollbackFailure()
		}
		return ReversalResult{}, err
	}
	res = ReversalResult{Result: undone}
	if res.NoOp {
		return res, nil
	}

	type target struct {
		unit billing.UnitID
		year int
	}
	touched := make(map[target][]billing.BillingPeriod)
	for _, b := range res.BillsReversed {
		k := target{b.Key.UnitID, b.FiscalYear}
		touched[k] = appendPeriod(touched[k], b.Key.Period)
	}
	for _, n := range res.CreditReversed {
		k := target{n.UnitID, n.FiscalYear}
		if _, ok := touched[k]; !ok {
			touched[k] = nil
		}
	}

	// Reopened bills are overdue again from today's point of view.
	for _, u := range res.Units() {
		run, err := s.penalties.Recalculate(ctx, clientID, penalty.Unit(u), s.now())
		if err != nil {
			s.logger.Warn("penalty recalculation after reversal failed",
				zap.String("client_id", string(clientID)),
				zap.String("unit_id", string(u)),
				zap.String("transaction_id", string(txID)),
				zap.Error(err),
			)
			continue
		}
		metrics.AddPenaltyUpdates(run.Updated())
		res.PenaltiesUpdated += run.Updated()
		for _, c := range run.Changes {
			k := target{c.Key.UnitID, c.FiscalYear}
			touched[k] = appendPeriod(touched[k], c.Key.Period)
		}
	}

	for k, periods := range touched {
		_ = s.views.Refresh(ctx, clientID, k.year, k.unit, periods)
	}
	return res, nil
}

// =============================================================================
// PENALTIES
// =============================================================================

// RecalculatePenalties runs the penalty calculator for a client or one unit.
func (s *Service) RecalculatePenalties(ctx context.Context, clientID billing.ClientID, scope penalty.Scope, asOf time.Time) (run penalty.RunResult, err error) {
	start := s.now()
	defer func() { s.observe("recalculate_penalties", start, err) }()

	if asOf.IsZero() {
		asOf = s.now()
	}
	run, err = s.penalties.Recalculate(ctx, clientID, scope, asOf)
	if err != nil {
		return penalty.RunResult{}, err
	}
	metrics.AddPenaltyUpdates(run.Updated())

	type target struct {
		unit billing.UnitID
		year int
	}
	touched := make(map[target][]billing.BillingPeriod)
	for _, c := range run.Changes {
		k := target{c.Key.UnitID, c.FiscalYear}
		touched[k] = append(touched[k], c.Key.Period)
	}
	for k, periods := range touched {
		_ = s.views.Refresh(ctx, clientID, k.year, k.unit, periods)
	}
	return run, nil
}

// =============================================================================
// READS
// =============================================================================

// UnpaidSummary lists a unit's outstanding bills with the total owed summed in
// minor units.
type UnpaidSummary struct {
	ClientID    billing.ClientID
	UnitID      billing.UnitID
	Bills       []billing.Bill
	TotalUnpaid billing.Money
}

func (s *Service) UnpaidSummary(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) (UnpaidSummary, error) {
	if _, err := s.store.GetUnit(ctx, clientID, unitID); err != nil {
		return UnpaidSummary{}, err
	}
	bills, err := s.store.ListUnitBills(ctx, clientID, unitID)
	if err != nil {
		return UnpaidSummary{}, err
	}
	out := UnpaidSummary{ClientID: clientID, UnitID: unitID}
	for _, b := range bills {
		if b.Status() == billing.StatusPaid {
			continue
		}
		out.Bills = append(out.Bills, b)
		out.TotalUnpaid += b.Owed()
	}
	return out, nil
}

// YearView returns the aggregated view, healing stale cells first.
func (s *Service) YearView(ctx context.Context, clientID billing.ClientID, year int) (billing.YearView, error) {
	return s.views.View(ctx, clientID, year)
}

// RebuildView recomputes the aggregated view from bills and credit.
func (s *Service) RebuildView(ctx context.Context, clientID billing.ClientID, year int) (v billing.YearView, err error) {
	start := s.now()
	defer func() { s.observe("rebuild_view", start, err) }()
	return s.views.RebuildFull(ctx, clientID, year)
}

// CreditStatement is a credit balance with its (optionally filtered) history.
type CreditStatement struct {
	Balance billing.CreditBalance
	Entries []billing.CreditEntry
}

func (s *Service) CreditStatement(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID, fiscalYear int, txID billing.TransactionID) (CreditStatement, error) {
	if _, err := s.store.GetUnit(ctx, clientID, unitID); err != nil {
		return CreditStatement{}, err
	}
	if fiscalYear == 0 {
		fiscalYear = s.policies.Calendar(clientID).FiscalYearOf(s.now())
	}
	bal, err := s.ledger.Balance(ctx, clientID, unitID, fiscalYear)
	if err != nil {
		return CreditStatement{}, err
	}
	entries, err := s.ledger.History(ctx, clientID, unitID, fiscalYear, txID)
	if err != nil {
		return CreditStatement{}, err
	}
	bal.ClientID, bal.UnitID, bal.FiscalYear = clientID, unitID, fiscalYear
	return CreditStatement{Balance: bal, Entries: entries}, nil
}

// =============================================================================
// UNITS & BILLS
// =============================================================================

// RegisterUnit adds a unit to a client's registry. Re-registering renames it.
func (s *Service) RegisterUnit(ctx context.Context, u billing.Unit) (billing.Unit, error) {
	if u.ClientID == "" {
		return billing.Unit{}, &billing.ValidationError{Field: "client_id", Reason: "required"}
	}
	if u.ID == "" {
		return billing.Unit{}, &billing.ValidationError{Field: "unit_id", Reason: "required"}
	}
	if existing, err := s.store.GetUnit(ctx, u.ClientID, u.ID); err == nil {
		u.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, billing.ErrUnitNotFound) {
		return billing.Unit{}, err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	if err := s.store.SaveUnit(ctx, u); err != nil {
		return billing.Unit{}, err
	}
	return u, nil
}

func (s *Service) ListUnits(ctx context.Context, clientID billing.ClientID) ([]billing.Unit, error) {
	return s.store.ListUnits(ctx, clientID)
}

// NewBill is a charge produced by the billing cycle.
type NewBill struct {
	ClientID   billing.ClientID
	UnitID     billing.UnitID
	Period     billing.BillingPeriod
	BaseCharge billing.Money
	DueDate    time.Time // zero: derived from the client's policy
}

// RecordBill stores a new bill for a registered unit.
func (s *Service) RecordBill(ctx context.Context, nb NewBill) (b billing.Bill, err error) {
	start := s.now()
	defer func() { s.observe("record_bill", start, err) }()

	if nb.BaseCharge < 0 {
		return billing.Bill{}, &billing.ValidationError{Field: "base_charge", Reason: "must not be negative"}
	}
	if _, err := billing.ParseBillingPeriod(string(nb.Period)); err != nil {
		return billing.Bill{}, err
	}
	if _, err := s.store.GetUnit(ctx, nb.ClientID, nb.UnitID); err != nil {
		return billing.Bill{}, err
	}

	pol := s.policies.Get(nb.ClientID)
	due := nb.DueDate
	if due.IsZero() {
		due = pol.DueDate(nb.Period)
	}
	b = billing.Bill{
		ClientID:    nb.ClientID,
		UnitID:      nb.UnitID,
		Period:      nb.Period,
		FiscalYear:  pol.Calendar().FiscalYearOfPeriod(nb.Period),
		DueDate:     due,
		BaseCharge:  nb.BaseCharge,
		TotalAmount: nb.BaseCharge,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertBill(ctx, b); err != nil {
		return billing.Bill{}, err
	}

	_ = s.views.Refresh(ctx, b.ClientID, b.FiscalYear, b.UnitID, []billing.BillingPeriod{b.Period})
	return s.store.GetBill(ctx, b.Key())
}

func (s *Service) ListBills(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]billing.Bill, error) {
	if _, err := s.store.GetUnit(ctx, clientID, unitID); err != nil {
		return nil, err
	}
	return s.store.ListUnitBills(ctx, clientID, unitID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) observe(op string, start time.Time, err error) {
	metrics.ObserveOperation(op, resultLabel(err), s.now().Sub(start))
	if err != nil && !billing.IsClientError(err) && !billing.IsNotFound(err) {
		s.logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, billing.ErrConcurrencyConflict):
		return metrics.ResultConflict
	case billing.IsClientError(err), billing.IsNotFound(err), errors.Is(err, billing.ErrInsufficientCredit):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}

func conflictNotifier(logger *zap.Logger, op string) billing.RetryNotify {
	return func(err error, attempt int, wait time.Duration) {
		metrics.IncConflictRetry(op)
		logger.Debug("retrying after conflict",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
}

func appendPeriod(periods []billing.BillingPeriod, p billing.BillingPeriod) []billing.BillingPeriod {
	for _, q := range periods {
		if q == p {
			return periods
		}
	}
	return append(periods, p)
}
