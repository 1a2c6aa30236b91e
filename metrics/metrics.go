// Package metrics exposes Prometheus collectors for the billing engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "ledger_"

	ResultSuccess  = "success"
	ResultError    = "error"
	ResultConflict = "conflict"
	ResultRejected = "rejected"
)

var (
	registerOnce sync.Once

	operationTotal   *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec

	conflictRetries     *prometheus.CounterVec
	cachePatchFailures  *prometheus.CounterVec
	rollbackFailures    prometheus.Counter
	penaltyBillsUpdated prometheus.Counter
	paymentAmount       *prometheus.CounterVec
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	InitWith(prometheus.DefaultRegisterer)
}

// InitWith registers the collectors with reg on first call only.
func InitWith(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		operationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "operations_total",
				Help: "Total ledger operations by operation and result",
			},
			[]string{"operation", "result"},
		)
		operationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "operation_latency_seconds",
				Help:    "Ledger operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "result"},
		)
		conflictRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "conflict_retries_total",
				Help: "Optimistic concurrency conflicts that triggered a retry",
			},
			[]string{"operation"},
		)
		cachePatchFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cache_patch_failures_total",
				Help: "Aggregated view patches that failed and left cells stale",
			},
			[]string{"client"},
		)
		rollbackFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollback_failures_total",
				Help: "Reversal compensations that failed and need manual reconciliation",
			},
		)
		penaltyBillsUpdated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "penalty_bills_updated_total",
				Help: "Bills whose penalty was changed by a recalculation",
			},
		)
		paymentAmount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payment_minor_units_total",
				Help: "Payment amounts by destination (bills or credit) in minor units",
			},
			[]string{"destination"},
		)

		reg.MustRegister(
			operationTotal,
			operationLatency,
			conflictRetries,
			cachePatchFailures,
			rollbackFailures,
			penaltyBillsUpdated,
			paymentAmount,
		)
	})
}

// ObserveOperation records operation duration and result.
func ObserveOperation(operation, result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if operationTotal != nil {
		operationTotal.WithLabelValues(operation, result).Inc()
	}
	if operationLatency != nil {
		operationLatency.WithLabelValues(operation, result).Observe(duration.Seconds())
	}
}

// IncConflictRetry counts one retry caused by a version conflict.
func IncConflictRetry(operation string) {
	if conflictRetries != nil {
		conflictRetries.WithLabelValues(operation).Inc()
	}
}

// IncCachePatchFailure counts one swallowed view patch failure.
func IncCachePatchFailure(client string) {
	if client == "" {
		client = "unknown"
	}
	if cachePatchFailures != nil {
		cachePatchFailures.WithLabelValues(client).Inc()
	}
}

// IncRollbackFailure counts one fatal reversal.
func IncRollbackFailure() {
	if rollbackFailures != nil {
		rollbackFailures.Inc()
	}
}

// AddPenaltyUpdates counts bills written by a penalty run.
func AddPenaltyUpdates(count int) {
	if count <= 0 {
		return
	}
	if penaltyBillsUpdated != nil {
		penaltyBillsUpdated.Add(float64(count))
	}
}

// AddPaymentAllocation records where payment money went.
func AddPaymentAllocation(toBills, toCredit int64) {
	if paymentAmount == nil {
		return
	}
	if toBills > 0 {
		paymentAmount.WithLabelValues("bills").Add(float64(toBills))
	}
	if toCredit > 0 {
		paymentAmount.WithLabelValues("credit").Add(float64(toCredit))
	}
}
