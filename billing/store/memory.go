// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/utility-ledger/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	bills   map[billing.BillKey]billing.Bill
	credits map[creditKey]billing.CreditBalance
	units   map[unitKey]billing.Unit
	views   map[viewKey]billing.YearView
	stale   map[viewKey][]billing.StaleMark
}

type creditKey struct {
	ClientID   billing.ClientID
	UnitID     billing.UnitID
	FiscalYear int
}

type unitKey struct {
	ClientID billing.ClientID
	UnitID   billing.UnitID
}

type viewKey struct {
	ClientID billing.ClientID
	Year     int
}

func NewMemory() *Memory {
	return &Memory{
		bills:   make(map[billing.BillKey]billing.Bill),
		credits: make(map[creditKey]billing.CreditBalance),
		units:   make(map[unitKey]billing.Unit),
		views:   make(map[viewKey]billing.YearView),
		stale:   make(map[viewKey][]billing.StaleMark),
	}
}

// =============================================================================
// BILLS
// =============================================================================

func (m *Memory) InsertBill(_ context.Context, bill billing.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertBillLocked(bill)
}

func (m *Memory) insertBillLocked(bill billing.Bill) error {
	if _, ok := m.bills[bill.Key()]; ok {
		return billing.ErrBillExists
	}
	bill = bill.Clone()
	bill.Version = 1
	m.bills[bill.Key()] = bill
	return nil
}

func (m *Memory) GetBill(_ context.Context, key billing.BillKey) (billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBillLocked(key)
}

func (m *Memory) getBillLocked(key billing.BillKey) (billing.Bill, error) {
	b, ok := m.bills[key]
	if !ok {
		return billing.Bill{}, billing.ErrBillNotFound
	}
	return b.Clone(), nil
}

func (m *Memory) ListUnitBills(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterBillsLocked(func(b billing.Bill) bool {
		return b.ClientID == clientID && b.UnitID == unitID
	}), nil
}

func (m *Memory) ListClientBills(_ context.Context, clientID billing.ClientID, fiscalYear int) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterBillsLocked(func(b billing.Bill) bool {
		return b.ClientID == clientID && b.FiscalYear == fiscalYear
	}), nil
}

func (m *Memory) FindBillsByTransaction(_ context.Context, clientID billing.ClientID, txID billing.TransactionID) ([]billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterBillsLocked(func(b billing.Bill) bool {
		return b.ClientID == clientID && b.HasPayment(txID)
	}), nil
}

// filterBillsLocked returns matching bills ordered by unit, then period.
func (m *Memory) filterBillsLocked(match func(billing.Bill) bool) []billing.Bill {
	var out []billing.Bill
	for _, b := range m.bills {
		if match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].Period < out[j].Period
	})
	return out
}

// UpdateBills checks every version first, then writes (atomic check).
func (m *Memory) UpdateBills(_ context.Context, bills []billing.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBillsLocked(bills)
}

func (m *Memory) updateBillsLocked(bills []billing.Bill) error {
	for _, b := range bills {
		cur, ok := m.bills[b.Key()]
		if !ok {
			return billing.ErrBillNotFound
		}
		if cur.Version != b.Version {
			return &billing.ConcurrencyConflictError{Resource: "bill", Key: billKeyString(b.Key())}
		}
	}
	for _, b := range bills {
		b = b.Clone()
		b.Version++
		m.bills[b.Key()] = b
	}
	return nil
}

// =============================================================================
// CREDIT
// =============================================================================

func (m *Memory) GetCredit(_ context.Context, clientID billing.ClientID, unitID billing.UnitID, fiscalYear int) (billing.CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCreditLocked(clientID, unitID, fiscalYear), nil
}

func (m *Memory) getCreditLocked(clientID billing.ClientID, unitID billing.UnitID, fiscalYear int) billing.CreditBalance {
	c, ok := m.credits[creditKey{clientID, unitID, fiscalYear}]
	if !ok {
		return billing.CreditBalance{ClientID: clientID, UnitID: unitID, FiscalYear: fiscalYear}
	}
	return c.Clone()
}

func (m *Memory) ListCredits(_ context.Context, clientID billing.ClientID, fiscalYear int) ([]billing.CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCreditsLocked(clientID, fiscalYear), nil
}

func (m *Memory) listCreditsLocked(clientID billing.ClientID, fiscalYear int) []billing.CreditBalance {
	var out []billing.CreditBalance
	for k, c := range m.credits {
		if k.ClientID == clientID && k.FiscalYear == fiscalYear {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

func (m *Memory) ListUnitCredits(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]billing.CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUnitCreditsLocked(clientID, unitID), nil
}

func (m *Memory) listUnitCreditsLocked(clientID billing.ClientID, unitID billing.UnitID) []billing.CreditBalance {
	var out []billing.CreditBalance
	for k, c := range m.credits {
		if k.ClientID == clientID && k.UnitID == unitID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiscalYear < out[j].FiscalYear })
	return out
}

func (m *Memory) SaveCredit(_ context.Context, balance billing.CreditBalance, entry billing.CreditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCreditLocked(balance, entry)
}

func (m *Memory) saveCreditLocked(balance billing.CreditBalance, entry billing.CreditEntry) error {
	k := creditKey{balance.ClientID, balance.UnitID, balance.FiscalYear}
	cur, ok := m.credits[k]
	if (!ok && balance.Version != 0) || (ok && cur.Version != balance.Version) {
		return &billing.ConcurrencyConflictError{
			Resource: "credit",
			Key:      fmt.Sprintf("%s/%s/%d", k.ClientID, k.UnitID, k.FiscalYear),
		}
	}
	next := cur.Clone()
	next.ClientID, next.UnitID, next.FiscalYear = k.ClientID, k.UnitID, k.FiscalYear
	next.Balance = balance.Balance
	next.History = append(next.History, entry)
	next.Version = balance.Version + 1
	m.credits[k] = next
	return nil
}

func (m *Memory) CreditEntriesByTransaction(_ context.Context, clientID billing.ClientID, txID billing.TransactionID) ([]billing.CreditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creditEntriesLocked(clientID, txID), nil
}

func (m *Memory) creditEntriesLocked(clientID billing.ClientID, txID billing.TransactionID) []billing.CreditEntry {
	var out []billing.CreditEntry
	for k, c := range m.credits {
		if k.ClientID != clientID {
			continue
		}
		for _, e := range c.History {
			if e.TransactionID == txID {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// =============================================================================
// UNITS
// =============================================================================

func (m *Memory) SaveUnit(_ context.Context, unit billing.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[unitKey{unit.ClientID, unit.ID}] = unit
	return nil
}

func (m *Memory) GetUnit(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) (billing.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUnitLocked(clientID, unitID)
}

func (m *Memory) getUnitLocked(clientID billing.ClientID, unitID billing.UnitID) (billing.Unit, error) {
	u, ok := m.units[unitKey{clientID, unitID}]
	if !ok {
		return billing.Unit{}, billing.ErrUnitNotFound
	}
	return u, nil
}

func (m *Memory) ListUnits(_ context.Context, clientID billing.ClientID) ([]billing.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUnitsLocked(clientID), nil
}

func (m *Memory) listUnitsLocked(clientID billing.ClientID) []billing.Unit {
	var out []billing.Unit
	for k, u := range m.units {
		if k.ClientID == clientID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) ListClients(_ context.Context) ([]billing.ClientID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listClientsLocked(), nil
}

func (m *Memory) listClientsLocked() []billing.ClientID {
	seen := make(map[billing.ClientID]bool)
	var out []billing.ClientID
	for k := range m.units {
		if !seen[k.ClientID] {
			seen[k.ClientID] = true
			out = append(out, k.ClientID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// VIEWS
// =============================================================================

func (m *Memory) GetView(_ context.Context, clientID billing.ClientID, year int) (billing.YearView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getViewLocked(clientID, year)
}

func (m *Memory) getViewLocked(clientID billing.ClientID, year int) (billing.YearView, error) {
	v, ok := m.views[viewKey{clientID, year}]
	if !ok {
		return billing.YearView{}, billing.ErrViewNotFound
	}
	return v.Clone(), nil
}

func (m *Memory) SaveView(_ context.Context, view billing.YearView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[viewKey{view.ClientID, view.Year}] = view.Clone()
	return nil
}

func (m *Memory) MarkStale(_ context.Context, clientID billing.ClientID, year int, marks []billing.StaleMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markStaleLocked(clientID, year, marks)
	return nil
}

func (m *Memory) markStaleLocked(clientID billing.ClientID, year int, marks []billing.StaleMark) {
	k := viewKey{clientID, year}
	existing := m.stale[k]
	for _, mark := range marks {
		replaced := false
		for i, e := range existing {
			if e.UnitID == mark.UnitID && e.Period == mark.Period {
				existing[i] = mark
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, mark)
		}
	}
	m.stale[k] = existing
}

func (m *Memory) ClearStale(_ context.Context, clientID billing.ClientID, year int, unitID billing.UnitID, periods []billing.BillingPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearStaleLocked(clientID, year, unitID, periods)
	return nil
}

func (m *Memory) clearStaleLocked(clientID billing.ClientID, year int, unitID billing.UnitID, periods []billing.BillingPeriod) {
	k := viewKey{clientID, year}
	if unitID == "" {
		delete(m.stale, k)
		return
	}
	kept := m.stale[k][:0]
	for _, mark := range m.stale[k] {
		if mark.UnitID == unitID && (len(periods) == 0 || containsPeriod(periods, mark.Period)) {
			continue
		}
		kept = append(kept, mark)
	}
	m.stale[k] = kept
}

func (m *Memory) ListStale(_ context.Context, clientID billing.ClientID, year int) ([]billing.StaleMark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.StaleMark(nil), m.stale[viewKey{clientID, year}]...), nil
}

func containsPeriod(periods []billing.BillingPeriod, p billing.BillingPeriod) bool {
	for _, q := range periods {
		if q == p {
			return true
		}
	}
	return false
}

func billKeyString(k billing.BillKey) string {
	return fmt.Sprintf("%s/%s/%s", k.ClientID, k.UnitID, k.Period)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store mutex.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	txStore := &txMemoryView{parent: tm}

	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	bills   map[billing.BillKey]billing.Bill
	credits map[creditKey]billing.CreditBalance
	units   map[unitKey]billing.Unit
	views   map[viewKey]billing.YearView
	stale   map[viewKey][]billing.StaleMark
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		bills:   make(map[billing.BillKey]billing.Bill, len(tm.bills)),
		credits: make(map[creditKey]billing.CreditBalance, len(tm.credits)),
		units:   make(map[unitKey]billing.Unit, len(tm.units)),
		views:   make(map[viewKey]billing.YearView, len(tm.views)),
		stale:   make(map[viewKey][]billing.StaleMark, len(tm.stale)),
	}
	for k, v := range tm.bills {
		s.bills[k] = v.Clone()
	}
	for k, v := range tm.credits {
		s.credits[k] = v.Clone()
	}
	for k, v := range tm.units {
		s.units[k] = v
	}
	for k, v := range tm.views {
		s.views[k] = v.Clone()
	}
	for k, v := range tm.stale {
		s.stale[k] = append([]billing.StaleMark(nil), v...)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.bills = s.bills
	tm.credits = s.credits
	tm.units = s.units
	tm.views = s.views
	tm.stale = s.stale
}

// txMemoryView is the Store handed to WithTx callbacks. The parent lock is
// already held, so every method calls the *Locked variants.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) InsertBill(_ context.Context, bill billing.Bill) error {
	return tv.parent.insertBillLocked(bill)
}

func (tv *txMemoryView) GetBill(_ context.Context, key billing.BillKey) (billing.Bill, error) {
	return tv.parent.getBillLocked(key)
}

func (tv *txMemoryView) ListUnitBills(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]billing.Bill, error) {
	return tv.parent.filterBillsLocked(func(b billing.Bill) bool {
		return b.ClientID == clientID && b.UnitID == unitID
	}), nil
}

func (tv *txMemoryView) ListClientBills(_ context.Context, clientID billing.ClientID, fiscalYear int) ([]billing.Bill, error) {
	return tv.parent.filterBillsLocked(func(b billing.Bill) bool {
		return b.ClientID == clientID && b.FiscalYear == fiscalYear
	}), nil
}

func (tv *txMemoryView) FindBillsByTransaction(_ context.Context, clientID billing.ClientID, txID billing.TransactionID) ([]billing.Bill, error) {
	return tv.parent.filterBillsLocked(func(b billing.Bill) bool {
		return b.ClientID == clientID && b.HasPayment(txID)
	}), nil
}

func (tv *txMemoryView) UpdateBills(_ context.Context, bills []billing.Bill) error {
	return tv.parent.updateBillsLocked(bills)
}

func (tv *txMemoryView) GetCredit(_ context.Context, clientID billing.ClientID, unitID billing.UnitID, fiscalYear int) (billing.CreditBalance, error) {
	return tv.parent.getCreditLocked(clientID, unitID, fiscalYear), nil
}

func (tv *txMemoryView) ListCredits(_ context.Context, clientID billing.ClientID, fiscalYear int) ([]billing.CreditBalance, error) {
	return tv.parent.listCreditsLocked(clientID, fiscalYear), nil
}

func (tv *txMemoryView) ListUnitCredits(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]billing.CreditBalance, error) {
	return tv.parent.listUnitCreditsLocked(clientID, unitID), nil
}

func (tv *txMemoryView) SaveCredit(_ context.Context, balance billing.CreditBalance, entry billing.CreditEntry) error {
	return tv.parent.saveCreditLocked(balance, entry)
}

func (tv *txMemoryView) CreditEntriesByTransaction(_ context.Context, clientID billing.ClientID, txID billing.TransactionID) ([]billing.CreditEntry, error) {
	return tv.parent.creditEntriesLocked(clientID, txID), nil
}

func (tv *txMemoryView) SaveUnit(_ context.Context, unit billing.Unit) error {
	tv.parent.units[unitKey{unit.ClientID, unit.ID}] = unit
	return nil
}

func (tv *txMemoryView) GetUnit(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) (billing.Unit, error) {
	return tv.parent.getUnitLocked(clientID, unitID)
}

func (tv *txMemoryView) ListUnits(_ context.Context, clientID billing.ClientID) ([]billing.Unit, error) {
	return tv.parent.listUnitsLocked(clientID), nil
}

func (tv *txMemoryView) ListClients(_ context.Context) ([]billing.ClientID, error) {
	return tv.parent.listClientsLocked(), nil
}

func (tv *txMemoryView) GetView(_ context.Context, clientID billing.ClientID, year int) (billing.YearView, error) {
	return tv.parent.getViewLocked(clientID, year)
}

func (tv *txMemoryView) SaveView(_ context.Context, view billing.YearView) error {
	tv.parent.views[viewKey{view.ClientID, view.Year}] = view.Clone()
	return nil
}

func (tv *txMemoryView) MarkStale(_ context.Context, clientID billing.ClientID, year int, marks []billing.StaleMark) error {
	tv.parent.markStaleLocked(clientID, year, marks)
	return nil
}

func (tv *txMemoryView) ClearStale(_ context.Context, clientID billing.ClientID, year int, unitID billing.UnitID, periods []billing.BillingPeriod) error {
	tv.parent.clearStaleLocked(clientID, year, unitID, periods)
	return nil
}

func (tv *txMemoryView) ListStale(_ context.Context, clientID billing.ClientID, year int) ([]billing.StaleMark, error) {
	return append([]billing.StaleMark(nil), tv.parent.stale[viewKey{clientID, year}]...), nil
}
