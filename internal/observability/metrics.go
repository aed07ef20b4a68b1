package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce             sync.Once
	httpDurationHistogram    *prometheus.HistogramVec
	httpInFlightGauge        prometheus.Gauge
	dispatchTransitionCount  *prometheus.CounterVec
	settlementRecomputeCount *prometheus.CounterVec
	reconciliationCounter    *prometheus.CounterVec
	withdrawalCounter        *prometheus.CounterVec
	invariantViolationCount  *prometheus.CounterVec
	idempotencyCounter       *prometheus.CounterVec
	workerRunCounter         *prometheus.CounterVec
	payoutRailCounter        *prometheus.CounterVec
	eventRelayCounter        *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		httpInFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "HTTP requests currently being served",
		})

		dispatchTransitionCount = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_transitions_total",
			Help: "Order and round transitions by operation",
		}, []string{"operation", "status"})

		settlementRecomputeCount = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_recomputes_total",
			Help: "Settlement recompute runs by scope and result",
		}, []string{"scope", "result"})

		reconciliationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_reconciliation_changes_total",
			Help: "Reconciliation classifications by phase",
		}, []string{"phase", "change"})

		withdrawalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawal_transitions_total",
			Help: "Withdrawal request transitions",
		}, []string{"status"})

		invariantViolationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "data_integrity_alerts_total",
			Help: "Money conservation, quota or balance invariant violations",
		}, []string{"invariant"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		payoutRailCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_rail_attempts_total",
			Help: "Payout rail submissions by outcome",
		}, []string{"result"})

		eventRelayCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domain_events_relayed_total",
			Help: "Outbox events delivered by the relay",
		}, []string{"event", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			httpInFlightGauge,
			dispatchTransitionCount,
			settlementRecomputeCount,
			reconciliationCounter,
			withdrawalCounter,
			invariantViolationCount,
			idempotencyCounter,
			workerRunCounter,
			payoutRailCounter,
			eventRelayCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func TrackInFlight(delta float64) {
	if httpInFlightGauge == nil {
		return
	}
	httpInFlightGauge.Add(delta)
}

func IncrementDispatchTransition(operation, status string) {
	if dispatchTransitionCount == nil {
		return
	}
	dispatchTransitionCount.WithLabelValues(operation, status).Inc()
}

func IncrementSettlementRecompute(scope, result string) {
	if settlementRecomputeCount == nil {
		return
	}
	settlementRecomputeCount.WithLabelValues(scope, result).Inc()
}

func AddReconciliationChanges(phase, change string, n int) {
	if reconciliationCounter == nil || n == 0 {
		return
	}
	reconciliationCounter.WithLabelValues(phase, change).Add(float64(n))
}

func IncrementWithdrawalTransition(status string) {
	if withdrawalCounter == nil {
		return
	}
	withdrawalCounter.WithLabelValues(status).Inc()
}

func IncrementInvariantViolation(invariant string) {
	if invariantViolationCount == nil {
		return
	}
	invariantViolationCount.WithLabelValues(invariant).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncrementPayoutRailAttempt(result string) {
	if payoutRailCounter == nil {
		return
	}
	payoutRailCounter.WithLabelValues(result).Inc()
}

func IncrementEventRelayed(event, result string) {
	if eventRelayCounter == nil {
		return
	}
	eventRelayCounter.WithLabelValues(event, result).Inc()
}
