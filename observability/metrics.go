package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LockerLedgerMetrics

	marketMetricsOnce sync.Once
	marketRegistry    *MarketplaceMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// route activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cryptobazaar",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cryptobazaar",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cryptobazaar",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cryptobazaar",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module = labelOr(module, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason, for example "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(module, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// LockerLedgerMetrics tracks calls into the token-lock ledger.
type LockerLedgerMetrics struct {
	calls   *prometheus.CounterVec
	escrow  prometheus.Gauge
	reverts *prometheus.CounterVec
}

// LedgerMetrics returns the singleton registry for the locker ledger.
func LedgerMetrics() *LockerLedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LockerLedgerMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cryptobazaar",
				Subsystem: "locker",
				Name:      "calls_total",
				Help:      "Ledger calls segmented by method and receipt status.",
			}, []string{"method", "status"}),
			escrow: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cryptobazaar",
				Subsystem: "locker",
				Name:      "vault_balance",
				Help:      "Token base units currently held by the lock vault.",
			}),
			reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cryptobazaar",
				Subsystem: "locker",
				Name:      "reverts_total",
				Help:      "Reverted ledger calls segmented by method and reason.",
			}, []string{"method", "reason"}),
		}
		prometheus.MustRegister(ledgerRegistry.calls, ledgerRegistry.escrow, ledgerRegistry.reverts)
	})
	return ledgerRegistry
}

// RecordCall counts a ledger call. A non-empty reason marks a revert.
func (m *LockerLedgerMetrics) RecordCall(method string, succeeded bool, reason string) {
	if m == nil {
		return
	}
	method = labelOr(method, "unknown")
	status := "success"
	if !succeeded {
		status = "reverted"
		m.reverts.WithLabelValues(method, labelOr(reason, "unspecified")).Inc()
	}
	m.calls.WithLabelValues(method, status).Inc()
}

// SetVaultBalance publishes the amount held by the vault.
func (m *LockerLedgerMetrics) SetVaultBalance(amount *big.Int) {
	if m == nil {
		return
	}
	m.escrow.Set(bigToFloat(amount))
}

// MarketplaceMetrics bundles collectors for the order reconciler.
type MarketplaceMetrics struct {
	orders       *prometheus.CounterVec
	orderLatency *prometheus.HistogramVec
	verification *prometheus.HistogramVec
	anomalies    *prometheus.CounterVec
	auditRuns    *prometheus.CounterVec
}

// Marketplace returns the singleton registry for marketplace order handling.
func Marketplace() *MarketplaceMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketplaceMetrics{
			orders: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cryptobazaar",
				Subsystem: "marketplace",
				Name:      "order_operations_total",
				Help:      "Order operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			orderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cryptobazaar",
				Subsystem: "marketplace",
				Name:      "order_operation_duration_seconds",
				Help:      "Latency distribution for order operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			verification: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cryptobazaar",
				Subsystem: "marketplace",
				Name:      "chain_verification_duration_seconds",
				Help:      "Latency of on-chain proof verification segmented by outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind", "outcome"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cryptobazaar",
				Subsystem: "marketplace",
				Name:      "audit_anomalies_total",
				Help:      "Anomalies discovered by the order audit segmented by type.",
			}, []string{"type"}),
			auditRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cryptobazaar",
				Subsystem: "marketplace",
				Name:      "audit_runs_total",
				Help:      "Audit executions segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			marketRegistry.orders,
			marketRegistry.orderLatency,
			marketRegistry.verification,
			marketRegistry.anomalies,
			marketRegistry.auditRuns,
		)
	})
	return marketRegistry
}

// ObserveOrder records an order operation. Outcome is a stable error code or
// "success".
func (m *MarketplaceMetrics) ObserveOrder(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	op := labelOr(operation, "unknown")
	m.orders.WithLabelValues(op, labelOr(outcome, "success")).Inc()
	m.orderLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveVerification records how long a lock or settlement check took.
func (m *MarketplaceMetrics) ObserveVerification(kind string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "verified"
	if err != nil {
		outcome = "rejected"
	}
	m.verification.WithLabelValues(labelOr(kind, "unknown"), outcome).Observe(d.Seconds())
}

// RecordAnomaly increments the anomaly counter for the supplied type.
func (m *MarketplaceMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(labelOr(kind, "unknown")).Inc()
}

// RecordAuditRun counts an audit pass.
func (m *MarketplaceMetrics) RecordAuditRun(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.auditRuns.WithLabelValues(outcome).Inc()
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
