// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Trade metrics
	TradesTerminal     *prometheus.CounterVec
	TradeStateConflict prometheus.Counter
	TradeDuration      prometheus.Histogram

	// Withdrawal metrics
	WithdrawalsTerminal *prometheus.CounterVec

	// Authorization metrics
	AuthFailures  *prometheus.CounterVec
	AuthLockouts  *prometheus.CounterVec
	ExportsIssued prometheus.Counter

	// Lock metrics
	LockAcquired *prometheus.CounterVec
	LockBusy     *prometheus.CounterVec

	// Scheduler metrics
	SchedulerTicks    *prometheus.CounterVec
	SchedulerTriggers *prometheus.CounterVec
	SchedulerErrors   *prometheus.CounterVec

	// Latency metrics
	RPCCallLatency  *prometheus.HistogramVec
	HTTPCallLatency *prometheus.HistogramVec

	// Health metrics
	LastSchedulerTick *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solana_custody"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TradesTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "terminal_total",
			Help:      "Trades reaching a terminal state, by state and error code",
		}, []string{"state", "code"}),
		TradeStateConflict: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "state_conflicts_total",
			Help:      "Compare-and-swap transitions lost to a concurrent writer",
		}),
		TradeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trade",
			Name:      "execute_duration_seconds",
			Help:      "Wall time of one trade execution",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		}),

		WithdrawalsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "terminal_total",
			Help:      "Withdrawals reaching a terminal state, by state and error code",
		}, []string{"state", "code"}),

		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Failed authorization attempts by layer",
		}, []string{"layer"}),
		AuthLockouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "lockouts_total",
			Help:      "Lockouts started by layer",
		}, []string{"layer"}),
		ExportsIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "exports_issued_total",
			Help:      "Seed exports released after all layers passed",
		}),

		LockAcquired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Locks acquired by action",
		}, []string{"action"}),
		LockBusy: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "busy_total",
			Help:      "Lock acquisitions refused because another holder exists",
		}, []string{"action"}),

		SchedulerTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by worker",
		}, []string{"worker"}),
		SchedulerTriggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Orders fired by worker and kind",
		}, []string{"worker", "kind"}),
		SchedulerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "errors_total",
			Help:      "Per-order processing errors by worker",
		}, []string{"worker"}),

		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		HTTPCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http_client",
			Name:      "call_latency_seconds",
			Help:      "Outbound HTTP API latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "operation"}),

		LastSchedulerTick: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_scheduler_tick_timestamp",
			Help:      "Unix timestamp of the last completed tick by worker",
		}, []string{"worker"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTradeTerminal records a trade reaching CONFIRMED or FAILED.
func (m *Metrics) RecordTradeTerminal(state, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.TradesTerminal.WithLabelValues(state, code).Inc()
	m.TradeDuration.Observe(d.Seconds())
}

// RecordWithdrawal records a withdrawal reaching a terminal state.
func (m *Metrics) RecordWithdrawal(state, code string) {
	if m == nil {
		return
	}
	m.WithdrawalsTerminal.WithLabelValues(state, code).Inc()
}

// RecordStateConflict counts a lost compare-and-swap.
func (m *Metrics) RecordStateConflict() {
	if m == nil {
		return
	}
	m.TradeStateConflict.Inc()
}

// RecordAuthFailure counts a failed attempt and, if it started one, a lockout.
func (m *Metrics) RecordAuthFailure(layer string, locked bool) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(layer).Inc()
	if locked {
		m.AuthLockouts.WithLabelValues(layer).Inc()
	}
}

// RecordExport counts a released seed export.
func (m *Metrics) RecordExport() {
	if m == nil {
		return
	}
	m.ExportsIssued.Inc()
}

// RecordLock counts an acquisition attempt outcome.
func (m *Metrics) RecordLock(action string, acquired bool) {
	if m == nil {
		return
	}
	if acquired {
		m.LockAcquired.WithLabelValues(action).Inc()
		return
	}
	m.LockBusy.WithLabelValues(action).Inc()
}

// RecordTick records a completed scheduler tick.
func (m *Metrics) RecordTick(worker string, at time.Time) {
	if m == nil {
		return
	}
	m.SchedulerTicks.WithLabelValues(worker).Inc()
	m.LastSchedulerTick.WithLabelValues(worker).Set(float64(at.Unix()))
}

// RecordTrigger counts a fired order.
func (m *Metrics) RecordTrigger(worker, kind string) {
	if m == nil {
		return
	}
	m.SchedulerTriggers.WithLabelValues(worker, kind).Inc()
}

// RecordSchedulerError counts a per-order failure.
func (m *Metrics) RecordSchedulerError(worker string) {
	if m == nil {
		return
	}
	m.SchedulerErrors.WithLabelValues(worker).Inc()
}

// RecordRPCLatency records Solana RPC call latency.
func (m *Metrics) RecordRPCLatency(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCCallLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordHTTPLatency records outbound API latency.
func (m *Metrics) RecordHTTPLatency(service, operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPCallLatency.WithLabelValues(service, operation).Observe(d.Seconds())
}
