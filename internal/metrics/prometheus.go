package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics for the fleet.
type PrometheusMetrics struct {
	// Lease pool
	LeasesAcquired prometheus.Counter
	LeaseMisses    *prometheus.CounterVec
	LeasesReleased *prometheus.CounterVec
	LeasesActive   prometheus.Gauge

	// Proxies
	ProxyBans      prometheus.Counter
	ProxyFallbacks prometheus.Counter
	ProxiesHealthy prometheus.Gauge

	// Nonces
	NonceMismatches prometheus.Counter

	// Tasks
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	ErrorsTotal  *prometheus.CounterVec
	RPCLatency   *prometheus.HistogramVec

	// Result sink
	ResultsQueued     prometheus.Counter
	ResultsDropped    prometheus.Counter
	ResultsFlushed    prometheus.Counter
	ResultFlushErrors prometheus.Counter
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		LeasesAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "txfleet_leases_acquired_total",
			Help: "Wallet leases handed out",
		}),
		LeaseMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txfleet_lease_misses_total",
			Help: "Acquire attempts that returned no lease, by reason",
		}, []string{"reason"}),
		LeasesReleased: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txfleet_leases_released_total",
			Help: "Lease releases by mode (cooldown, immediate, abandoned)",
		}, []string{"mode"}),
		LeasesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "txfleet_leases_active",
			Help: "Leases currently held",
		}),

		ProxyBans: factory.NewCounter(prometheus.CounterOpts{
			Name: "txfleet_proxy_bans_total",
			Help: "Proxy bans issued",
		}),
		ProxyFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "txfleet_proxy_fallbacks_total",
			Help: "Bindings that fell back to a direct connection",
		}),
		ProxiesHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "txfleet_proxies_healthy",
			Help: "Proxies not currently banned",
		}),

		NonceMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "txfleet_nonce_mismatches_total",
			Help: "Nonce reconciliations after a stale-nonce rejection",
		}),

		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txfleet_tasks_total",
			Help: "Task executions by task and status",
		}, []string{"task", "status"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txfleet_task_duration_seconds",
			Help:    "Task duration including receipt wait",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"task"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txfleet_errors_total",
			Help: "Task errors by kind",
		}, []string{"kind"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txfleet_rpc_latency_seconds",
			Help:    "RPC call latency by method",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "status"}),

		ResultsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "txfleet_results_queued_total",
			Help: "Results accepted by the sink",
		}),
		ResultsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "txfleet_results_dropped_total",
			Help: "Results dropped because the sink channel was full",
		}),
		ResultsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "txfleet_results_flushed_total",
			Help: "Results written to durable storage",
		}),
		ResultFlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "txfleet_result_flush_errors_total",
			Help: "Failed batch writes",
		}),
	}
}

// RecordTask records one finished task.
func (m *PrometheusMetrics) RecordTask(task, status string, took time.Duration) {
	m.TasksTotal.WithLabelValues(task, status).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(took.Seconds())
}

// RecordError records an error by kind.
func (m *PrometheusMetrics) RecordError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordLeaseMiss records an acquire attempt that returned nothing.
func (m *PrometheusMetrics) RecordLeaseMiss(reason string) {
	m.LeaseMisses.WithLabelValues(reason).Inc()
}

// RecordLeaseRelease records a lease release.
func (m *PrometheusMetrics) RecordLeaseRelease(mode string) {
	m.LeasesReleased.WithLabelValues(mode).Inc()
	m.LeasesActive.Dec()
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":    true,
	"eth_getTransactionCount":   true,
	"eth_chainId":               true,
	"eth_gasPrice":              true,
	"eth_getBalance":            true,
	"eth_getTransactionReceipt": true,
	"eth_call":                  true,
}

// RecordRPCLatency records RPC call latency.
func (m *PrometheusMetrics) RecordRPCLatency(method string, err error, took time.Duration) {
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(bucketedMethod, status).Observe(took.Seconds())
}
