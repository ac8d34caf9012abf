package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbitrage-core/internal/session"
)

const namespace = "arbitrage"

// Metrics is the service's prometheus surface. It satisfies the command channel,
// session manager and synchronizer observer interfaces.
type Metrics struct {
	reg *prometheus.Registry

	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	signals         *prometheus.CounterVec
	signalLatency   *prometheus.HistogramVec
	partialFailures *prometheus.CounterVec
	sessionState    prometheus.Gauge
	catalogSize     prometheus.Gauge
	credRetries     prometheus.Counter
	drift           *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec

	// Sliding windows for the JSON snapshot.
	SignalLatency  *LatencyHistogram
	CommandLatency *LatencyHistogram
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "venue_commands_total",
			Help: "cTrader commands dispatched, by payload type and outcome.",
		}, []string{"kind", "outcome"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "venue_command_seconds",
			Help:    "Time from dispatch to reply for cTrader commands.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total",
			Help: "Handled signals by action and outcome.",
		}, []string{"action", "outcome"}),
		signalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "signal_seconds",
			Help:    "Time to handle a signal including the wait for the exclusive section.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"action"}),
		partialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "partial_failures_total",
			Help: "Operations where one venue executed and the other did not.",
		}, []string{"action", "leg"}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_state",
			Help: "cTrader session state (0 uninitialized .. 6 catalog loaded, 7 failed).",
		}),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_catalog_symbols",
			Help: "Symbols in the loaded cTrader catalog.",
		}),
		credRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "credential_retries_total",
			Help: "Rate limited credential exchanges that were retried.",
		}),
		drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "exposure_drift",
			Help: "Last audited venue A minus venue B quantity per pair.",
		}, []string{"pair"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		SignalLatency:  NewLatencyHistogram(1000),
		CommandLatency: NewLatencyHistogram(1000),
	}
	m.reg.MustRegister(
		m.commands, m.commandLatency, m.signals, m.signalLatency, m.partialFailures,
		m.sessionState, m.catalogSize, m.credRetries, m.drift, m.httpRequests, m.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveCommand(kind, outcome string, elapsed time.Duration) {
	m.commands.WithLabelValues(kind, outcome).Inc()
	m.commandLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.CommandLatency.RecordDuration(elapsed)
}

func (m *Metrics) ObserveSignal(action, outcome string, elapsed time.Duration) {
	m.signals.WithLabelValues(action, outcome).Inc()
	m.signalLatency.WithLabelValues(action).Observe(elapsed.Seconds())
	m.SignalLatency.RecordDuration(elapsed)
}

func (m *Metrics) PartialFailure(action, leg string) {
	m.partialFailures.WithLabelValues(action, leg).Inc()
}

func (m *Metrics) SessionState(s session.Snapshot) {
	m.sessionState.Set(float64(s.State))
	m.catalogSize.Set(float64(s.Symbols))
}

func (m *Metrics) CredentialRetry() {
	m.credRetries.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) SetDrift(pair string, drift float64) {
	m.drift.WithLabelValues(pair).Set(drift)
}

// LatencyHistogram tracks latency samples in a sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles, recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// MetricsSnapshot is the operator API's JSON view.
type MetricsSnapshot struct {
	SignalLatency  LatencyStats `json:"signal_latency"`
	CommandLatency LatencyStats `json:"command_latency"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

func (m *Metrics) GetSnapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return MetricsSnapshot{
		SignalLatency:  m.SignalLatency.Stats(),
		CommandLatency: m.CommandLatency.Stats(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		Timestamp:      time.Now(),
	}
}
