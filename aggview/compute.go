package aggview

import "github.com/warp/utility-ledger/billing"

// builder is a YearView under construction.
type builder struct {
	billing.YearView
}

func newView(clientID billing.ClientID, year int) *builder {
	return &builder{YearView: billing.YearView{
		ClientID: clientID,
		Year:     year,
		Units:    make(map[billing.UnitID]billing.UnitSummary),
		Periods:  make(map[billing.BillingPeriod]billing.PeriodTotals),
	}}
}

// wrap takes a deep copy of a stored view so patching never aliases it.
func wrap(v billing.YearView) *builder {
	out := &builder{YearView: v.Clone()}
	if out.Units == nil {
		out.Units = make(map[billing.UnitID]billing.UnitSummary)
	}
	return out
}

func (b *builder) unit(id billing.UnitID) billing.UnitSummary {
	u, ok := b.Units[id]
	if !ok {
		u = billing.UnitSummary{UnitID: id}
	}
	if u.Cells == nil {
		u.Cells = make(map[billing.BillingPeriod]billing.ViewCell)
	}
	return u
}

// recompute derives every roll-up from the cells and unit credit balances.
// Cells are the only input, so a patched view and a rebuilt view agree.
func (b *builder) recompute() {
	b.Periods = make(map[billing.BillingPeriod]billing.PeriodTotals)
	b.Totals = billing.YearTotals{}

	for id, u := range b.Units {
		u.Charge, u.Penalty, u.Paid, u.Unpaid = 0, 0, 0, 0
		for p, c := range u.Cells {
			c.Stale = false
			u.Cells[p] = c

			u.Charge += c.Charge
			u.Penalty += c.Penalty
			u.Paid += c.Paid
			u.Unpaid += c.Unpaid

			pt := b.Periods[p]
			pt.Period = p
			pt.Charge += c.Charge
			pt.Penalty += c.Penalty
			pt.Paid += c.Paid
			pt.Unpaid += c.Unpaid
			switch c.Status {
			case billing.StatusPaid:
				pt.PaidCount++
			case billing.StatusPartial:
				pt.PartialCount++
			default:
				pt.UnpaidCount++
			}
			b.Periods[p] = pt
		}
		b.Units[id] = u

		b.Totals.Charge += u.Charge
		b.Totals.Penalty += u.Penalty
		b.Totals.Paid += u.Paid
		b.Totals.Unpaid += u.Unpaid
		b.Totals.Credit += u.CreditBalance
		b.Totals.Bills += len(u.Cells)
	}
	b.Totals.Units = len(b.Units)
}
