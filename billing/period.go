package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// BILLING PERIOD - Sortable YYYY-MM key
// =============================================================================

// BillingPeriod identifies one charge cycle as "YYYY-MM".
// Lexical order is chronological order, so periods sort as plain strings.
type BillingPeriod string

const periodLayout = "2006-01"

// NewBillingPeriod builds the period key for a calendar month.
func NewBillingPeriod(year int, month time.Month) BillingPeriod {
	return BillingPeriod(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// ParseBillingPeriod validates and returns a period key.
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	if _, err := time.Parse(periodLayout, s); err != nil {
		return "", &ValidationError{Field: "period", Reason: "expected YYYY-MM"}
	}
	return BillingPeriod(s), nil
}

// Start returns the first day of the period (UTC).
func (p BillingPeriod) Start() time.Time {
	t, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (p BillingPeriod) Year() int         { return p.Start().Year() }
func (p BillingPeriod) Month() time.Month { return p.Start().Month() }
func (p BillingPeriod) String() string    { return string(p) }

// Before reports whether p sorts strictly before other.
func (p BillingPeriod) Before(other BillingPeriod) bool { return p < other }

// =============================================================================
// FISCAL YEAR
// =============================================================================

// FiscalCalendar maps dates and periods to fiscal years.
// A fiscal year is named after the calendar year in which it starts.
//
// Examples with StartMonth = July:
//   - 2025-06 -> fiscal 2024
//   - 2025-07 -> fiscal 2025
type FiscalCalendar struct {
	StartMonth time.Month
}

// FiscalYearOf returns the fiscal year containing the date.
func (fc FiscalCalendar) FiscalYearOf(t time.Time) int {
	start := fc.StartMonth
	if start < time.January || start > time.December {
		start = time.January
	}
	if t.Month() < start {
		return t.Year() - 1
	}
	return t.Year()
}

// FiscalYearOfPeriod returns the fiscal year containing the period.
func (fc FiscalCalendar) FiscalYearOfPeriod(p BillingPeriod) int {
	return fc.FiscalYearOf(p.Start())
}

// PeriodsOf lists the twelve billing periods of a fiscal year in order.
func (fc FiscalCalendar) PeriodsOf(fiscalYear int) []BillingPeriod {
	start := fc.StartMonth
	if start < time.January || start > time.December {
		start = time.January
	}
	first := time.Date(fiscalYear, start, 1, 0, 0, 0, 0, time.UTC)
	periods := make([]BillingPeriod, 0, 12)
	for i := 0; i < 12; i++ {
		m := first.AddDate(0, i, 0)
		periods = append(periods, NewBillingPeriod(m.Year(), m.Month()))
	}
	return periods
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

// Day truncates a timestamp to its UTC calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole days from -> to, negative when to is earlier.
func DaysBetween(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)).Hours() / 24)
}
