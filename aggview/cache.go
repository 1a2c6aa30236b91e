/*
cache.go - Aggregated year view (read-optimized projection)

PURPOSE:
  Dashboards read a whole client year at once: every unit, every period, with
  roll-ups per unit, per period and per year. Computing that from bills on
  every read is too slow, so the projection is persisted and kept in step with
  the ledger by patching the units a write touched.

NOT AUTHORITATIVE:
  The view can always be rebuilt from the bill store and credit ledger.
  PatchUnit produces, for the unit it patches, exactly what RebuildFull would.

FAILURE POLICY:
  A ledger write that already committed is never failed because the view
  could not be patched. Refresh logs the failure, counts it, marks the cells
  stale and swallows the error. The read path (View) patches stale cells
  before returning, so staleness heals on the next read.

CONCURRENCY:
  Writers to the same (client, year) view are serialized by a keyed mutex.

SEE ALSO:
  - billing/view.go: view types
  - service/service.go: calls Refresh after every ledger write
*/
package aggview

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/logging"
)

// Cache maintains aggregated year views.
type Cache struct {
	store     billing.Store
	logger    *zap.Logger
	now       func() time.Time
	onFailure func(clientID billing.ClientID)

	locks keyedMutex
}

// Option configures a Cache.
type Option func(*Cache)

func WithLogger(l *zap.Logger) Option       { return func(c *Cache) { c.logger = logging.OrNop(l) } }
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithFailureHook is called once per swallowed patch failure (metrics).
func WithFailureHook(fn func(billing.ClientID)) Option { return func(c *Cache) { c.onFailure = fn } }

func New(store billing.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// WRITE PATH
// =============================================================================

// RebuildFull recomputes every cell of the view and clears all stale markers.
func (c *Cache) RebuildFull(ctx context.Context, clientID billing.ClientID, year int) (billing.YearView, error) {
	unlock := c.locks.lock(viewKey{clientID, year})
	defer unlock()
	return c.rebuildLocked(ctx, clientID, year)
}

func (c *Cache) rebuildLocked(ctx context.Context, clientID billing.ClientID, year int) (billing.YearView, error) {
	bills, err := c.store.ListClientBills(ctx, clientID, year)
	if err != nil {
		return billing.YearView{}, err
	}
	credits, err := c.store.ListCredits(ctx, clientID, year)
	if err != nil {
		return billing.YearView{}, err
	}

	view := newView(clientID, year)
	for _, b := range bills {
		u := view.unit(b.UnitID)
		u.Cells[b.Period] = billing.CellFromBill(b)
		view.Units[b.UnitID] = u
	}
	for _, cr := range credits {
		if cr.Version == 0 && cr.Balance == 0 {
			continue
		}
		u := view.unit(cr.UnitID)
		u.CreditBalance = cr.Balance
		view.Units[cr.UnitID] = u
	}
	view.recompute()
	view.BuiltAt = c.now().UTC()

	if err := c.store.SaveView(ctx, view.YearView); err != nil {
		return billing.YearView{}, err
	}
	if err := c.store.ClearStale(ctx, clientID, year, "", nil); err != nil {
		return billing.YearView{}, err
	}
	return view.YearView, nil
}

// PatchUnit recomputes one unit's cells for periods (all of its periods when
// empty), recomputes roll-ups and clears that unit's stale markers.
// A missing view is built in full instead.
func (c *Cache) PatchUnit(ctx context.Context, clientID billing.ClientID, year int, unitID billing.UnitID, periods []billing.BillingPeriod) error {
	unlock := c.locks.lock(viewKey{clientID, year})
	defer unlock()
	return c.patchLocked(ctx, clientID, year, unitID, periods)
}

func (c *Cache) patchLocked(ctx context.Context, clientID billing.ClientID, year int, unitID billing.UnitID, periods []billing.BillingPeriod) error {
	stored, err := c.store.GetView(ctx, clientID, year)
	if errors.Is(err, billing.ErrViewNotFound) {
		_, err = c.rebuildLocked(ctx, clientID, year)
		return err
	}
	if err != nil {
		return err
	}

	bills, err := c.store.ListUnitBills(ctx, clientID, unitID)
	if err != nil {
		return err
	}
	cr, err := c.store.GetCredit(ctx, clientID, unitID, year)
	if err != nil {
		return err
	}

	view := wrap(stored)
	u := view.unit(unitID)
	if len(periods) == 0 {
		u.Cells = make(map[billing.BillingPeriod]billing.ViewCell)
	} else {
		for _, p := range periods {
			delete(u.Cells, p)
		}
	}
	for _, b := range bills {
		if b.FiscalYear != year {
			continue
		}
		if len(periods) > 0 && !containsPeriod(periods, b.Period) {
			continue
		}
		u.Cells[b.Period] = billing.CellFromBill(b)
	}
	u.CreditBalance = cr.Balance

	if len(u.Cells) == 0 && cr.Version == 0 && cr.Balance == 0 {
		delete(view.Units, unitID)
	} else {
		view.Units[unitID] = u
	}
	view.recompute()
	view.PatchedAt = c.now().UTC()

	if err := c.store.SaveView(ctx, view.YearView); err != nil {
		return err
	}
	return c.store.ClearStale(ctx, clientID, year, unitID, periods)
}

// Refresh patches a unit after a committed ledger write. Failures are logged,
// counted and recorded as stale markers; the returned error is informational
// and is always a *billing.CachePatchError when non-nil.
func (c *Cache) Refresh(ctx context.Context, clientID billing.ClientID, year int, unitID billing.UnitID, periods []billing.BillingPeriod) error {
	err := c.PatchUnit(ctx, clientID, year, unitID, periods)
	if err == nil {
		return nil
	}

	patchErr := &billing.CachePatchError{ClientID: clientID, Year: year, UnitID: unitID, Err: err}
	c.logger.Warn("aggregated view patch failed, marking stale",
		zap.String("client_id", string(clientID)),
		zap.Int("year", year),
		zap.String("unit_id", string(unitID)),
		zap.Error(err),
	)
	if c.onFailure != nil {
		c.onFailure(clientID)
	}

	if merr := c.MarkStale(context.WithoutCancel(ctx), clientID, year, unitID, periods, err.Error()); merr != nil {
		c.logger.Error("could not mark aggregated view stale",
			zap.String("client_id", string(clientID)),
			zap.Int("year", year),
			zap.String("unit_id", string(unitID)),
			zap.Error(merr),
		)
	}
	return patchErr
}

// MarkStale records that a unit's cells may not match the ledger. An empty
// periods slice marks every period of the fiscal year.
func (c *Cache) MarkStale(ctx context.Context, clientID billing.ClientID, year int, unitID billing.UnitID, periods []billing.BillingPeriod, reason string) error {
	if len(periods) == 0 {
		periods = []billing.BillingPeriod{""}
	}
	at := c.now().UTC()
	marks := make([]billing.StaleMark, 0, len(periods))
	for _, p := range periods {
		marks = append(marks, billing.StaleMark{UnitID: unitID, Period: p, Reason: reason, MarkedAt: at})
	}
	return c.store.MarkStale(ctx, clientID, year, marks)
}

// =============================================================================
// READ PATH
// =============================================================================

// View returns the aggregated view. A missing view is rebuilt in full; stale
// units are patched before returning. If a patch fails on read, the affected
// cells come back flagged Stale instead of failing the read.
func (c *Cache) View(ctx context.Context, clientID billing.ClientID, year int) (billing.YearView, error) {
	view, err := c.store.GetView(ctx, clientID, year)
	if errors.Is(err, billing.ErrViewNotFound) {
		return c.RebuildFull(ctx, clientID, year)
	}
	if err != nil {
		return billing.YearView{}, err
	}

	marks, err := c.store.ListStale(ctx, clientID, year)
	if err != nil {
		return billing.YearView{}, err
	}
	if len(marks) == 0 {
		return view, nil
	}

	var unhealed []billing.StaleMark
	for unitID, periods := range groupMarks(marks) {
		if err := c.PatchUnit(ctx, clientID, year, unitID, periods); err != nil {
			c.logger.Warn("read-time patch failed",
				zap.String("client_id", string(clientID)),
				zap.Int("year", year),
				zap.String("unit_id", string(unitID)),
				zap.Error(err),
			)
			for _, m := range marks {
				if m.UnitID == unitID {
					unhealed = append(unhealed, m)
				}
			}
		}
	}

	view, err = c.store.GetView(ctx, clientID, year)
	if err != nil {
		return billing.YearView{}, err
	}
	flagStale(&view, unhealed)
	return view, nil
}

// groupMarks collects stale periods per unit. A whole-unit marker (empty
// period) widens that unit to all periods.
func groupMarks(marks []billing.StaleMark) map[billing.UnitID][]billing.BillingPeriod {
	out := make(map[billing.UnitID][]billing.BillingPeriod)
	whole := make(map[billing.UnitID]bool)
	for _, m := range marks {
		if m.Period == "" {
			whole[m.UnitID] = true
			out[m.UnitID] = nil
			continue
		}
		if whole[m.UnitID] {
			continue
		}
		out[m.UnitID] = append(out[m.UnitID], m.Period)
	}
	return out
}

func flagStale(view *billing.YearView, marks []billing.StaleMark) {
	for _, m := range marks {
		u, ok := view.Units[m.UnitID]
		if !ok {
			continue
		}
		for p, cell := range u.Cells {
			if m.Period == "" || m.Period == p {
				cell.Stale = true
				u.Cells[p] = cell
			}
		}
	}
}

func containsPeriod(periods []billing.BillingPeriod, p billing.BillingPeriod) bool {
	for _, q := range periods {
		if q == p {
			return true
		}
	}
	return false
}

// =============================================================================
// KEYED MUTEX
// =============================================================================

type viewKey struct {
	clientID billing.ClientID
	year     int
}

// keyedMutex hands out one mutex per key. Entries are never freed; the key
// space is clients x fiscal years.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[viewKey]*sync.Mutex
}

func (k *keyedMutex) lock(key viewKey) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[viewKey]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
