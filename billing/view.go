package billing

import "time"

// =============================================================================
// AGGREGATED YEAR VIEW - Read-optimized projection, never authoritative
// =============================================================================

// ViewCell is the flattened copy of one bill a consumer needs.
type ViewCell struct {
	UnitID      UnitID        `json:"unit_id"`
	Period      BillingPeriod `json:"period"`
	Charge      Money         `json:"charge"`
	Penalty     Money         `json:"penalty"`
	Total       Money         `json:"total"`
	Paid        Money         `json:"paid"`
	Unpaid      Money         `json:"unpaid"`
	Status      Status        `json:"status"`
	DaysPastDue int           `json:"days_past_due"`
	Stale       bool          `json:"stale,omitempty"`
}

// CellFromBill projects a bill into a view cell.
func CellFromBill(b Bill) ViewCell {
	return ViewCell{
		UnitID:      b.UnitID,
		Period:      b.Period,
		Charge:      b.BaseCharge,
		Penalty:     b.PenaltyAmount,
		Total:       b.TotalAmount,
		Paid:        b.PaidAmount,
		Unpaid:      b.Owed(),
		Status:      b.Status(),
		DaysPastDue: b.DaysPastDue,
	}
}

// UnitSummary holds one unit's cells and roll-ups for the year.
type UnitSummary struct {
	UnitID        UnitID                     `json:"unit_id"`
	Cells         map[BillingPeriod]ViewCell `json:"cells"`
	Charge        Money                      `json:"charge"`
	Penalty       Money                      `json:"penalty"`
	Paid          Money                      `json:"paid"`
	Unpaid        Money                      `json:"unpaid"`
	CreditBalance Money                      `json:"credit_balance"`
}

// PeriodTotals rolls up every unit for one period.
type PeriodTotals struct {
	Period       BillingPeriod `json:"period"`
	Charge       Money         `json:"charge"`
	Penalty      Money         `json:"penalty"`
	Paid         Money         `json:"paid"`
	Unpaid       Money         `json:"unpaid"`
	PaidCount    int           `json:"paid_count"`
	PartialCount int           `json:"partial_count"`
	UnpaidCount  int           `json:"unpaid_count"`
}

// YearTotals rolls up the whole year.
type YearTotals struct {
	Charge  Money `json:"charge"`
	Penalty Money `json:"penalty"`
	Paid    Money `json:"paid"`
	Unpaid  Money `json:"unpaid"`
	Credit  Money `json:"credit"`
	Units   int   `json:"units"`
	Bills   int   `json:"bills"`
}

// StaleMark flags a cell that may not match the ledger.
type StaleMark struct {
	UnitID   UnitID        `json:"unit_id"`
	Period   BillingPeriod `json:"period"`
	Reason   string        `json:"reason"`
	MarkedAt time.Time     `json:"marked_at"`
}

// YearView is the aggregated projection for one client and fiscal year.
type YearView struct {
	ClientID  ClientID                       `json:"client_id"`
	Year      int                            `json:"year"`
	Units     map[UnitID]UnitSummary         `json:"units"`
	Periods   map[BillingPeriod]PeriodTotals `json:"periods"`
	Totals    YearTotals                     `json:"totals"`
	BuiltAt   time.Time                      `json:"built_at"`
	PatchedAt time.Time                      `json:"patched_at,omitempty"`
}

// Clone returns a deep copy of the view maps.
func (v YearView) Clone() YearView {
	out := v
	out.Units = make(map[UnitID]UnitSummary, len(v.Units))
	for id, u := range v.Units {
		cells := make(map[BillingPeriod]ViewCell, len(u.Cells))
		for p, c := range u.Cells {
			cells[p] = c
		}
		u.Cells = cells
		out.Units[id] = u
	}
	out.Periods = make(map[BillingPeriod]PeriodTotals, len(v.Periods))
	for p, t := range v.Periods {
		out.Periods[p] = t
	}
	return out
}
