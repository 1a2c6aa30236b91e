/*
ledger.go - Rolling per-unit credit balance

PURPOSE:
  Holds money paid beyond what a unit owed, one balance per (client, unit,
  fiscal year). Every change appends exactly one history entry naming the
  transaction that caused it, so a payment's credit effect can be found and
  undone later.

INVARIANTS:
  - balance >= 0 at all times
  - balance == sum(history amounts)
  - balance and history entry are written together (optimistic version)

USAGE:
  // Own atomic write (reversal uses this)
  bal, err := ledger.Adjust(ctx, credit.Adjustment{...})

  // Inside a caller transaction (cascade uses this)
  err := store.WithTx(ctx, func(tx billing.Store) error {
      _, err := ledger.AdjustIn(ctx, tx, credit.Adjustment{...})
      return err
  })

SEE ALSO:
  - cascade/engine.go: overpayment and credit_applied entries
  - reversal/saga.go: *_reversal and reversal_rollback entries
*/
package credit

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/logging"
)

// Adjustment is one signed change to a credit balance.
type Adjustment struct {
	ClientID      billing.ClientID
	UnitID        billing.UnitID
	FiscalYear    int
	Amount        billing.Money // positive adds credit, negative consumes
	Type          billing.CreditEntryType
	TransactionID billing.TransactionID
	Description   string
}

func (a Adjustment) validate() error {
	switch {
	case a.ClientID == "":
		return &billing.ValidationError{Field: "client_id", Reason: "required"}
	case a.UnitID == "":
		return &billing.ValidationError{Field: "unit_id", Reason: "required"}
	case a.Amount == 0:
		return &billing.ValidationError{Field: "amount", Reason: "credit adjustment must be non-zero"}
	case a.Type == "":
		return &billing.ValidationError{Field: "type", Reason: "required"}
	}
	return nil
}

// Ledger applies credit adjustments.
type Ledger struct {
	store   billing.TxStore
	retry   billing.RetryConfig
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
	onRetry billing.RetryNotify
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithRetry(cfg billing.RetryConfig) Option { return func(l *Ledger) { l.retry = cfg } }
func WithLogger(lg *zap.Logger) Option         { return func(l *Ledger) { l.logger = logging.OrNop(lg) } }
func WithClock(now func() time.Time) Option    { return func(l *Ledger) { l.now = now } }

// WithRetryNotify registers a callback invoked before each conflict retry.
func WithRetryNotify(fn billing.RetryNotify) Option { return func(l *Ledger) { l.onRetry = fn } }

func NewLedger(store billing.TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		retry:  billing.DefaultRetryConfig(),
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Adjust applies one adjustment as its own atomic write, retrying on
// version conflicts.
func (l *Ledger) Adjust(ctx context.Context, adj Adjustment) (billing.CreditBalance, error) {
	var out billing.CreditBalance
	err := billing.Retry(ctx, l.retry, func() error {
		bal, err := l.AdjustIn(ctx, l.store, adj)
		out = bal
		return err
	}, l.onRetry)
	return out, err
}

// AdjustIn applies one adjustment through s, typically a transaction view.
// A consumption beyond the balance fails with InsufficientCreditError and
// writes nothing.
func (l *Ledger) AdjustIn(ctx context.Context, s billing.CreditStore, adj Adjustment) (billing.CreditBalance, error) {
	if err := adj.validate(); err != nil {
		return billing.CreditBalance{}, err
	}

	bal, err := s.GetCredit(ctx, adj.ClientID, adj.UnitID, adj.FiscalYear)
	if err != nil {
		return billing.CreditBalance{}, err
	}

	next := bal.Balance + adj.Amount
	if next < 0 {
		err := &billing.InsufficientCreditError{
			ClientID:   adj.ClientID,
			UnitID:     adj.UnitID,
			FiscalYear: adj.FiscalYear,
			Balance:    bal.Balance,
			Requested:  -adj.Amount,
		}
		l.logger.Error("credit consumption exceeds balance",
			zap.String("client_id", string(adj.ClientID)),
			zap.String("unit_id", string(adj.UnitID)),
			zap.Int("fiscal_year", adj.FiscalYear),
			zap.String("transaction_id", string(adj.TransactionID)),
			zap.Int64("balance", int64(bal.Balance)),
			zap.Int64("requested", int64(-adj.Amount)),
		)
		return billing.CreditBalance{}, err
	}

	entry := billing.CreditEntry{
		ID:            l.newID(),
		ClientID:      adj.ClientID,
		UnitID:        adj.UnitID,
		FiscalYear:    adj.FiscalYear,
		TransactionID: adj.TransactionID,
		Amount:        adj.Amount,
		Type:          adj.Type,
		Description:   adj.Description,
		Timestamp:     l.now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		return billing.CreditBalance{}, err
	}
	write := bal
	write.Balance = next
	if err := s.SaveCredit(ctx, write, entry); err != nil {
		return billing.CreditBalance{}, err
	}

	bal.Balance = next
	bal.History = append(bal.History, entry)
	bal.Version++
	return bal, nil
}

// Balance returns the current balance (zero when none exists).
func (l *Ledger) Balance(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID, fiscalYear int) (billing.CreditBalance, error) {
	return l.store.GetCredit(ctx, clientID, unitID, fiscalYear)
}

// History returns the entries of one balance, filtered by transaction when txID is set.
func (l *Ledger) History(ctx context.Context, clientID billing.ClientID, unitID billing.UnitID, fiscalYear int, txID billing.TransactionID) ([]billing.CreditEntry, error) {
	bal, err := l.store.GetCredit(ctx, clientID, unitID, fiscalYear)
	if err != nil {
		return nil, err
	}
	if txID == "" {
		return bal.History, nil
	}
	var out []billing.CreditEntry
	for _, e := range bal.History {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	return out, nil
}

// EntriesForTransaction returns every entry naming txID across units and years.
func (l *Ledger) EntriesForTransaction(ctx context.Context, clientID billing.ClientID, txID billing.TransactionID) ([]billing.CreditEntry, error) {
	return l.store.CreditEntriesByTransaction(ctx, clientID, txID)
}

// =============================================================================
// NET EFFECT
// =============================================================================

// Account identifies one credit balance.
type Account struct {
	UnitID     billing.UnitID
	FiscalYear int
}

// Net is the summed effect of a transaction on one account.
type Net struct {
	Account
	Amount billing.Money
}

// NetByAccount sums entries per account, including earlier reversals and
// rollbacks, and drops accounts that net to zero. Ordered by unit, then year.
func NetByAccount(entries []billing.CreditEntry) []Net {
	sums := make(map[Account]billing.Money)
	for _, e := range entries {
		sums[Account{UnitID: e.UnitID, FiscalYear: e.FiscalYear}] += e.Amount
	}
	var out []Net
	for acct, amt := range sums {
		if amt != 0 {
			out = append(out, Net{Account: acct, Amount: amt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].FiscalYear < out[j].FiscalYear
	})
	return out
}
