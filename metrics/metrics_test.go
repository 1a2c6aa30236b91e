package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors(t *testing.T) {
	InitWith(prometheus.NewRegistry())
	InitWith(prometheus.NewRegistry()) // second call is a no-op

	before := testutil.ToFloat64(rollbackFailures)
	IncRollbackFailure()
	assert.Equal(t, before+1, testutil.ToFloat64(rollbackFailures))

	IncCachePatchFailure("")
	assert.GreaterOrEqual(t, testutil.ToFloat64(cachePatchFailures.WithLabelValues("unknown")), 1.0)

	ObserveOperation("apply_payment", "", 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(operationTotal.WithLabelValues("apply_payment", ResultSuccess)), 1.0)

	beforeCredit := testutil.ToFloat64(paymentAmount.WithLabelValues("credit"))
	AddPaymentAllocation(100, 0)
	AddPaymentAllocation(0, 25)
	assert.Equal(t, beforeCredit+25, testutil.ToFloat64(paymentAmount.WithLabelValues("credit")))

	AddPenaltyUpdates(0)
	AddPenaltyUpdates(-3)
	AddPenaltyUpdates(2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(penaltyBillsUpdated), 2.0)
}
