/*
policy.go - Per-client billing policy

PURPOSE:
  Each client association bills under its own rules: how long the grace
  window is after the due date, what penalty rate applies and whether it
  compounds, when its fiscal year starts and how many decimal places its
  currency has. Policies are read from a static YAML file at startup.

FILE FORMAT:
  defaults:
    grace_days: 10
    penalty_rate: "0.05"
    penalty_mode: simple      # simple | compound
    accrual: monthly          # monthly | daily
    cap_percent: "100"        # optional, percent of base charge
    fiscal_year_start: 1      # month number
    currency_exponent: 2
    due_day: 15
  clients:
    harbor-view:
      name: Harbor View HOA
      fiscal_year_start: 7

  Client entries override only the fields they set.

SEE ALSO:
  - penalty/calculator.go: consumes GraceDays, Rate, Mode, Accrual, CapPercent
  - api/dto.go: uses CurrencyExponent for display strings
*/
package policy

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/utility-ledger/billing"
)

// =============================================================================
// POLICY
// =============================================================================

// PenaltyMode selects how penalty periods combine.
type PenaltyMode string

const (
	// PenaltySimple charges rate on the unpaid base for every chargeable period.
	PenaltySimple PenaltyMode = "simple"
	// PenaltyCompound lets penalty accrue penalty: base * ((1+rate)^n - 1).
	PenaltyCompound PenaltyMode = "compound"
)

// AccrualUnit is the length of one chargeable period past grace.
type AccrualUnit string

const (
	AccrualDaily   AccrualUnit = "daily"
	AccrualMonthly AccrualUnit = "monthly" // started 30-day blocks
)

// Policy is the effective billing policy for one client.
type Policy struct {
	ClientID         billing.ClientID
	Name             string
	GraceDays        int
	Rate             decimal.Decimal
	Mode             PenaltyMode
	Accrual          AccrualUnit
	CapPercent       decimal.Decimal // zero means uncapped
	FiscalYearStart  time.Month
	CurrencyExponent int32
	DueDay           int
}

// Default returns the policy used when neither the file nor the client sets a value.
func Default() Policy {
	return Policy{
		GraceDays:        10,
		Rate:             decimal.RequireFromString("0.05"),
		Mode:             PenaltySimple,
		Accrual:          AccrualMonthly,
		FiscalYearStart:  time.January,
		CurrencyExponent: 2,
		DueDay:           15,
	}
}

// Calendar returns the fiscal calendar of the policy.
func (p Policy) Calendar() billing.FiscalCalendar {
	return billing.FiscalCalendar{StartMonth: p.FiscalYearStart}
}

// DueDate returns the default due date for a billing period.
func (p Policy) DueDate(period billing.BillingPeriod) time.Time {
	day := p.DueDay
	if day < 1 {
		day = 1
	}
	start := period.Start()
	return start.AddDate(0, 0, day-1)
}

// Display converts minor units to a fixed-point string, e.g. 31027 -> "310.27".
func (p Policy) Display(m billing.Money) string {
	return decimal.New(int64(m), -p.CurrencyExponent).StringFixed(p.CurrencyExponent)
}

// Validate checks the policy for values the calculator cannot use.
func (p Policy) Validate() error {
	switch {
	case p.GraceDays < 0:
		return fmt.Errorf("grace_days must not be negative")
	case p.Rate.IsNegative():
		return fmt.Errorf("penalty_rate must not be negative")
	case p.Mode != PenaltySimple && p.Mode != PenaltyCompound:
		return fmt.Errorf("penalty_mode %q must be simple or compound", p.Mode)
	case p.Accrual != AccrualDaily && p.Accrual != AccrualMonthly:
		return fmt.Errorf("accrual %q must be daily or monthly", p.Accrual)
	case p.CapPercent.IsNegative():
		return fmt.Errorf("cap_percent must not be negative")
	case p.FiscalYearStart < time.January || p.FiscalYearStart > time.December:
		return fmt.Errorf("fiscal_year_start must be a month number 1-12")
	case p.CurrencyExponent < 0 || p.CurrencyExponent > 4:
		return fmt.Errorf("currency_exponent must be between 0 and 4")
	case p.DueDay < 1 || p.DueDay > 28:
		return fmt.Errorf("due_day must be between 1 and 28")
	}
	return nil
}

// =============================================================================
// FILE FORMAT
// =============================================================================

type fileFormat struct {
	Defaults rawPolicy            `yaml:"defaults"`
	Clients  map[string]rawPolicy `yaml:"clients"`
}

// rawPolicy uses pointers so a client entry only overrides what it sets.
type rawPolicy struct {
	Name             *string `yaml:"name"`
	GraceDays        *int    `yaml:"grace_days"`
	PenaltyRate      *string `yaml:"penalty_rate"`
	PenaltyMode      *string `yaml:"penalty_mode"`
	Accrual          *string `yaml:"accrual"`
	CapPercent       *string `yaml:"cap_percent"`
	FiscalYearStart  *int    `yaml:"fiscal_year_start"`
	CurrencyExponent *int32  `yaml:"currency_exponent"`
	DueDay           *int    `yaml:"due_day"`
}

func (r rawPolicy) apply(p Policy) (Policy, error) {
	if r.Name != nil {
		p.Name = *r.Name
	}
	if r.GraceDays != nil {
		p.GraceDays = *r.GraceDays
	}
	if r.PenaltyRate != nil {
		d, err := decimal.NewFromString(*r.PenaltyRate)
		if err != nil {
			return p, fmt.Errorf("penalty_rate: %w", err)
		}
		p.Rate = d
	}
	if r.PenaltyMode != nil {
		p.Mode = PenaltyMode(*r.PenaltyMode)
	}
	if r.Accrual != nil {
		p.Accrual = AccrualUnit(*r.Accrual)
	}
	if r.CapPercent != nil {
		d, err := decimal.NewFromString(*r.CapPercent)
		if err != nil {
			return p, fmt.Errorf("cap_percent: %w", err)
		}
		p.CapPercent = d
	}
	if r.FiscalYearStart != nil {
		p.FiscalYearStart = time.Month(*r.FiscalYearStart)
	}
	if r.CurrencyExponent != nil {
		p.CurrencyExponent = *r.CurrencyExponent
	}
	if r.DueDay != nil {
		p.DueDay = *r.DueDay
	}
	return p, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry resolves the policy of a client. Unknown clients get the defaults.
type Registry struct {
	defaults Policy
	clients  map[billing.ClientID]Policy
}

// NewRegistry builds a registry from already-resolved policies.
func NewRegistry(defaults Policy, clients ...Policy) *Registry {
	r := &Registry{defaults: defaults, clients: make(map[billing.ClientID]Policy, len(clients))}
	for _, p := range clients {
		r.clients[p.ClientID] = p
	}
	return r
}

// LoadFile parses a policy YAML file. An empty path yields the built-in defaults.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(Default()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	defaults, err := f.Defaults.apply(Default())
	if err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	r := NewRegistry(defaults)
	for id, raw := range f.Clients {
		p, err := raw.apply(defaults)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", id, err)
		}
		p.ClientID = billing.ClientID(id)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("client %s: %w", id, err)
		}
		r.clients[p.ClientID] = p
	}
	return r, nil
}

// Get returns the effective policy of a client.
func (r *Registry) Get(clientID billing.ClientID) Policy {
	if p, ok := r.clients[clientID]; ok {
		return p
	}
	p := r.defaults
	p.ClientID = clientID
	return p
}

// Calendar returns the fiscal calendar of a client.
func (r *Registry) Calendar(clientID billing.ClientID) billing.FiscalCalendar {
	return r.Get(clientID).Calendar()
}

// Clients lists the clients configured in the file, sorted.
func (r *Registry) Clients() []billing.ClientID {
	out := make([]billing.ClientID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
