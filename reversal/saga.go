/*
saga.go - Compensating reversal of a payment

PURPOSE:
  Undoes everything a payment transaction did: its credit effect and the
  payment entries it left on bills. The two live in different records and are
  written in two separate atomic steps, so the reversal is a saga with an
  explicit compensation path.

PHASES:
  Phase 1 (credit):
    Net the transaction's credit history per (unit, fiscal year), including
    earlier reversals and rollbacks, and apply the opposite amount tagged
    "<type>_reversal". Each applied step is recorded on the saga. If any step
    fails, the steps already applied are compensated and the error returned.

  Phase 2 (bills):
    Remove the transaction's payment entries from every bill and decrement
    paidAmount, all in one atomic write.

  Compensation:
    If phase 2 fails, every phase-1 step is undone with a "reversal_rollback"
    entry and ReversalPhaseTwoError is returned. If compensation itself fails
    the ledger is inconsistent: RollbackError (FATAL) lists what is pending.

IDEMPOTENCY:
  A transaction with zero net credit and no bill entries is a no-op, so
  reversing twice is harmless.

SEE ALSO:
  - cascade/engine.go: the forward operation
  - credit/ledger.go: NetByAccount
*/
package reversal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/credit"
	"github.com/warp/utility-ledger/logging"
)

// ReversedBill is one bill that lost the transaction's payment entries.
type ReversedBill struct {
	Key        billing.BillKey
	FiscalYear int
	Amount     billing.Money
	Status     billing.Status // after the reversal
}

// Result describes what Reverse did.
type Result struct {
	TransactionID  billing.TransactionID
	BillsReversed  []ReversedBill
	CreditReversed []credit.Net // the amounts removed from credit, signed as removed
	NoOp           bool
}

// Units returns every unit the reversal touched.
func (r Result) Units() []billing.UnitID {
	seen := make(map[billing.UnitID]bool)
	var out []billing.UnitID
	add := func(u billing.UnitID) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, b := range r.BillsReversed {
		add(b.Key.UnitID)
	}
	for _, n := range r.CreditReversed {
		add(n.UnitID)
	}
	return out
}

// Coordinator runs reversals.
type Coordinator struct {
	store  billing.TxStore
	ledger *credit.Ledger
	retry  billing.RetryConfig
	logger *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithRetry(cfg billing.RetryConfig) Option { return func(c *Coordinator) { c.retry = cfg } }
func WithLogger(l *zap.Logger) Option         { return func(c *Coordinator) { c.logger = logging.OrNop(l) } }

func NewCoordinator(store billing.TxStore, ledger *credit.Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		ledger: ledger,
		retry:  billing.DefaultRetryConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reverse undoes transaction txID of clientID.
func (c *Coordinator) Reverse(ctx context.Context, clientID billing.ClientID, txID billing.TransactionID) (Result, error) {
	if txID == "" {
		return Result{}, &billing.ValidationError{Field: "transaction_id", Reason: "required"}
	}
	saga := &Saga{coord: c, clientID: clientID, txID: txID}
	return saga.Run(ctx)
}

// =============================================================================
// SAGA
// =============================================================================

// Saga holds the state of one reversal so compensation knows what to undo.
type Saga struct {
	coord    *Coordinator
	clientID billing.ClientID
	txID     billing.TransactionID

	applied []credit.Net // phase-1 steps that committed
	result  Result
}

// Run executes both phases and compensates on failure.
func (s *Saga) Run(ctx context.Context) (Result, error) {
	s.result = Result{TransactionID: s.txID}
	log := s.coord.logger.With(
		zap.String("client_id", string(s.clientID)),
		zap.String("transaction_id", string(s.txID)),
	)

	entries, err := s.coord.ledger.EntriesForTransaction(ctx, s.clientID, s.txID)
	if err != nil {
		return Result{}, err
	}
	nets := credit.NetByAccount(entries)

	bills, err := s.coord.store.FindBillsByTransaction(ctx, s.clientID, s.txID)
	if err != nil {
		return Result{}, err
	}
	if len(nets) == 0 && len(bills) == 0 {
		s.result.NoOp = true
		return s.result, nil
	}

	if err := s.reverseCredit(ctx, nets); err != nil {
		log.Warn("reversal phase one failed", zap.Error(err))
		if cerr := s.compensate(ctx); cerr != nil {
			return Result{}, s.fatal(log, err, cerr)
		}
		return Result{}, err
	}

	if err := s.reverseBills(ctx); err != nil {
		log.Warn("reversal phase two failed, compensating", zap.Error(err))
		if cerr := s.compensate(ctx); cerr != nil {
			return Result{}, s.fatal(log, err, cerr)
		}
		return Result{}, &billing.ReversalPhaseTwoError{TransactionID: s.txID, Err: err}
	}

	log.Info("transaction reversed",
		zap.Int("bills", len(s.result.BillsReversed)),
		zap.Int("credit_accounts", len(s.result.CreditReversed)),
	)
	return s.result, nil
}

// reverseCredit is phase 1.
func (s *Saga) reverseCredit(ctx context.Context, nets []credit.Net) error {
	for _, n := range nets {
		original := billing.CreditApplied
		if n.Amount > 0 {
			original = billing.CreditOverpayment
		}
		_, err := s.coord.ledger.Adjust(ctx, credit.Adjustment{
			ClientID:      s.clientID,
			UnitID:        n.UnitID,
			FiscalYear:    n.FiscalYear,
			Amount:        -n.Amount,
			Type:          billing.ReversalOf(original),
			TransactionID: s.txID,
			Description:   "payment reversed",
		})
		if err != nil {
			return err
		}
		s.applied = append(s.applied, n)
		s.result.CreditReversed = append(s.result.CreditReversed, n)
	}
	return nil
}

// reverseBills is phase 2: one atomic write, retried on conflict.
func (s *Saga) reverseBills(ctx context.Context) error {
	var reversed []ReversedBill
	err := billing.Retry(ctx, s.coord.retry, func() error {
		reversed = nil
		return s.coord.store.WithTx(ctx, func(tx billing.Store) error {
			bills, err := tx.FindBillsByTransaction(ctx, s.clientID, s.txID)
			if err != nil {
				return err
			}
			if len(bills) == 0 {
				return nil
			}
			updated := make([]billing.Bill, 0, len(bills))
			for _, b := range bills {
				next, removed := RemovePayments(b, s.txID)
				updated = append(updated, next)
				reversed = append(reversed, ReversedBill{
					Key:        next.Key(),
					FiscalYear: next.FiscalYear,
					Amount:     removed,
					Status:     next.Status(),
				})
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return tx.UpdateBills(ctx, updated)
		})
	}, nil)
	if err != nil {
		return err
	}
	s.result.BillsReversed = reversed
	return nil
}

// compensate undoes every applied phase-1 step. Compensation runs on a
// context that ignores the caller's cancellation.
func (s *Saga) compensate(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	var pending []credit.Net
	for i := len(s.applied) - 1; i >= 0; i-- {
		n := s.applied[i]
		_, err := s.coord.ledger.Adjust(ctx, credit.Adjustment{
			ClientID:      s.clientID,
			UnitID:        n.UnitID,
			FiscalYear:    n.FiscalYear,
			Amount:        n.Amount,
			Type:          billing.CreditReversalRollback,
			TransactionID: s.txID,
			Description:   "reversal rolled back",
		})
		if err != nil {
			errs = append(errs, err)
			pending = append(pending, n)
		}
	}
	s.applied = pending
	return errors.Join(errs...)
}

func (s *Saga) fatal(log *zap.Logger, cause, rollbackErr error) error {
	pending := make([]billing.CreditEntry, 0, len(s.applied))
	now := time.Now().UTC()
	for _, n := range s.applied {
		pending = append(pending, billing.CreditEntry{
			ClientID:      s.clientID,
			UnitID:        n.UnitID,
			FiscalYear:    n.FiscalYear,
			TransactionID: s.txID,
			Amount:        n.Amount,
			Type:          billing.CreditReversalRollback,
			Description:   "pending manual rollback",
			Timestamp:     now,
		})
	}
	err := &billing.RollbackError{
		TransactionID: s.txID,
		PhaseTwoErr:   cause,
		RollbackErr:   rollbackErr,
		Pending:       pending,
	}
	log.Error("reversal rollback failed, manual reconciliation required",
		logging.Alert(),
		zap.NamedError("phase_error", cause),
		zap.NamedError("rollback_error", rollbackErr),
		zap.Int("pending_adjustments", len(pending)),
	)
	return err
}

// RemovePayments drops every entry of txID from the bill and returns the
// updated bill and the amount removed.
func RemovePayments(b billing.Bill, txID billing.TransactionID) (billing.Bill, billing.Money) {
	next := b.Clone()
	kept := next.Payments[:0]
	var removed billing.Money
	for _, p := range next.Payments {
		if p.TransactionID == txID {
			removed += p.Amount
			continue
		}
		kept = append(kept, p)
	}
	next.Payments = kept
	next.PaidAmount -= removed
	return next, removed
}
