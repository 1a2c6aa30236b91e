package billing_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/utility-ledger/billing"
)

// =============================================================================
// LEGACY PAYMENT RECORDS
// =============================================================================

func TestDecodePayments_MixedLegacyAndObject(t *testing.T) {
	// GIVEN: A stored list with one bare id and one object entry
	// WHEN: Decoding against paidAmount 1500
	// THEN: The bare id receives the 1000 not covered by the object

	raw := []byte(`["TX-OLD", {"transaction_id": "TX-NEW", "amount": 500, "applied_at": "2025-02-01T00:00:00Z"}]`)

	entries, err := billing.DecodePayments(raw, 1500)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, billing.TransactionID("TX-OLD"), entries[0].TransactionID)
	assert.Equal(t, billing.Money(1000), entries[0].Amount)
	assert.Equal(t, billing.Money(500), entries[1].Amount)
}

func TestDecodePayments_TwoLegacyWithResidual_Fails(t *testing.T) {
	_, err := billing.DecodePayments([]byte(`["TX-1", "TX-2"]`), 800)
	assert.Error(t, err)
}

func TestDecodePayments_ObjectsMustMatchPaidAmount(t *testing.T) {
	raw := []byte(`[{"transaction_id": "TX-1", "amount": 300}]`)
	_, err := billing.DecodePayments(raw, 400)
	assert.Error(t, err)

	_, err = billing.DecodePayments(raw, 200)
	assert.Error(t, err)
}

func TestDecodePayments_Empty(t *testing.T) {
	entries, err := billing.DecodePayments(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = billing.DecodePayments([]byte(`[]`), 10)
	assert.Error(t, err)
}

func TestEncodePayments_WritesObjects(t *testing.T) {
	at := time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)
	data, err := billing.EncodePayments([]billing.PaymentEntry{{TransactionID: "TX-1", Amount: 250, AppliedAt: at}})
	require.NoError(t, err)

	var generic []map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	require.Len(t, generic, 1)
	assert.Equal(t, "TX-1", generic[0]["transaction_id"])
	assert.EqualValues(t, 250, generic[0]["amount"])

	entries, err := billing.DecodePayments(data, 250)
	require.NoError(t, err)
	assert.True(t, entries[0].AppliedAt.Equal(at))
}
