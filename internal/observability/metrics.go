package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wasmbridge"

// MetricsCollector holds all Prometheus metrics for wasmbridge.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	SandboxCompileDuration   prometheus.Histogram
	SandboxModuleLookups     *prometheus.CounterVec
	SandboxHostCalls         prometheus.Histogram
	SandboxMemoryBytes       prometheus.Histogram

	// Bridge metrics.
	ToolCallsTotal      *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	ConnectionsTotal    *prometheus.CounterVec
	SecurityChecksTotal *prometheus.CounterVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by outcome.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution wall time in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"status"}),

		SandboxCompileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "compile_duration_seconds",
			Help:      "Time spent compiling modules on cache misses.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SandboxModuleLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "module_cache_lookups_total",
			Help:      "Compiled module cache lookups.",
		}, []string{"result"}),

		SandboxHostCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "host_calls",
			Help:      "Host function calls per execution.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),

		SandboxMemoryBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "memory_bytes",
			Help:      "Linear memory size at the end of each execution.",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 8),
		}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "tool_calls_total",
			Help:      "Total tool calls through the bridge by outcome.",
		}, []string{"server", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds, cache hits included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connects_total",
			Help:      "Connect attempts by outcome.",
		}, []string{"status"}),

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Security decisions by check and result.",
		}, []string{"check_type", "result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxCompileDuration,
		m.SandboxModuleLookups,
		m.SandboxHostCalls,
		m.SandboxMemoryBytes,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.ConnectionsTotal,
		m.SecurityChecksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// WatchBridge exports live bridge state (connections and result cache
// counters) as collector functions read at scrape time. Call it once per
// collector.
func (m *MetricsCollector) WatchBridge(connections func() int, cache func() (size int, hits, misses uint64)) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connections",
			Help:      "Live tool server connections.",
		}, func() float64 { return float64(connections()) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "result_cache_entries",
			Help:      "Entries in the tool result cache.",
		}, func() float64 {
			size, _, _ := cache()
			return float64(size)
		}),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "result_cache_hits_total",
			Help:      "Tool result cache hits.",
		}, func() float64 {
			_, hits, _ := cache()
			return float64(hits)
		}),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "result_cache_misses_total",
			Help:      "Tool result cache misses.",
		}, func() float64 {
			_, _, misses := cache()
			return float64(misses)
		}),
	)
}

// WatchModuleCache exports the compiled module cache size.
func (m *MetricsCollector) WatchModuleCache(size func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "module_cache_entries",
		Help:      "Compiled modules held in the cache.",
	}, func() float64 { return float64(size()) }))
}
