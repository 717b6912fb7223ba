package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SummarizeRequests *prometheus.CounterVec
	ProviderAttempts  *prometheus.CounterVec
	ProviderLatency   prometheus.Histogram
	Callbacks         *prometheus.CounterVec
	MemoriesIngested  *prometheus.CounterVec
	Ticks             prometheus.Counter
	Pawns             prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SummarizeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarize_requests_total",
			Help:      "Summarization requests by outcome.",
		}, []string{"outcome"}),
		ProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Outbound provider attempts by provider and result.",
		}, []string{"provider", "result"}),
		ProviderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Latency of a single provider attempt in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_callbacks_total",
			Help:      "Summary callbacks drained on the host loop by result.",
		}, []string{"result"}),
		MemoriesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_ingested_total",
			Help:      "Memories accepted into Active by type.",
		}, []string{"type"}),
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_ticks_total",
			Help:      "Host loop ticks processed.",
		}),
		Pawns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pawns",
			Help:      "Pawns with a memory store.",
		}),
	}
}

func (m *Metrics) Summarize(outcome string) {
	if m == nil {
		return
	}
	m.SummarizeRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProviderAttempt(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderAttempts.WithLabelValues(provider, result).Inc()
	m.ProviderLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) Callback(result string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) Ingested(memoryType string) {
	if m == nil {
		return
	}
	m.MemoriesIngested.WithLabelValues(memoryType).Inc()
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}

func (m *Metrics) SetPawns(n int) {
	if m == nil {
		return
	}
	m.Pawns.Set(float64(n))
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
