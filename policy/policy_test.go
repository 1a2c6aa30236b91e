package policy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/policy"
)

const sampleFile = `
defaults:
  grace_days: 5
  penalty_rate: "0.02"
  accrual: daily
clients:
  harbor-view:
    name: Harbor View HOA
    fiscal_year_start: 7
    penalty_mode: compound
    cap_percent: "25"
  pine-court:
    currency_exponent: 0
`

func TestParse_ClientOverridesDefaults(t *testing.T) {
	r, err := policy.Parse([]byte(sampleFile))
	require.NoError(t, err)

	hv := r.Get("harbor-view")
	assert.Equal(t, "Harbor View HOA", hv.Name)
	assert.Equal(t, 5, hv.GraceDays)
	assert.True(t, hv.Rate.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, policy.PenaltyCompound, hv.Mode)
	assert.Equal(t, policy.AccrualDaily, hv.Accrual)
	assert.Equal(t, time.July, hv.FiscalYearStart)
	assert.True(t, hv.CapPercent.Equal(decimal.NewFromInt(25)))

	unknown := r.Get("somebody-else")
	assert.Equal(t, billing.ClientID("somebody-else"), unknown.ClientID)
	assert.Equal(t, policy.PenaltySimple, unknown.Mode)
	assert.Equal(t, time.January, unknown.FiscalYearStart)

	assert.Equal(t, []billing.ClientID{"harbor-view", "pine-court"}, r.Clients())
	assert.Equal(t, 2024, r.Calendar("harbor-view").FiscalYearOf(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParse_RejectsInvalidPolicy(t *testing.T) {
	_, err := policy.Parse([]byte("clients:\n  x:\n    penalty_mode: weekly\n"))
	assert.ErrorContains(t, err, "penalty_mode")

	_, err = policy.Parse([]byte("defaults:\n  penalty_rate: lots\n"))
	assert.ErrorContains(t, err, "penalty_rate")

	_, err = policy.Parse([]byte("clients:\n  x:\n    fiscal_year_start: 13\n"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	r, err := policy.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, 10, r.Get("any").GraceDays)

	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o644))
	r, err = policy.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int32(0), r.Get("pine-court").CurrencyExponent)

	_, err = policy.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPolicy_DisplayAndDueDate(t *testing.T) {
	p := policy.Default()
	assert.Equal(t, "310.27", p.Display(31027))
	assert.Equal(t, "0.05", p.Display(5))
	assert.Equal(t, "-1.00", p.Display(-100))

	p.CurrencyExponent = 0
	assert.Equal(t, "31027", p.Display(31027))

	due := policy.Default().DueDate("2025-02")
	assert.Equal(t, time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC), due)
}
