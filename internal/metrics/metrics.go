package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the query engine collectors. A nil *Metrics is valid and
// records nothing, so library callers can skip instrumentation.
type Metrics struct {
	StoreCalls       *prometheus.CounterVec
	RecordsRetrieved *prometheus.CounterVec
	RecordsPruned    *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	Diagnostics      prometheus.Counter
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		StoreCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmquery",
			Name:      "store_calls_total",
			Help:      "Calls made to the instance store",
		}, []string{"operation", "instance_type"}),
		RecordsRetrieved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmquery",
			Name:      "records_retrieved_total",
			Help:      "Records returned by the instance store",
		}, []string{"instance_type"}),
		RecordsPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmquery",
			Name:      "records_pruned_total",
			Help:      "Records removed because they were not connected to the root",
		}, []string{"instance_type"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dmquery",
			Name:      "query_duration_seconds",
			Help:      "Duration of query engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Diagnostics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dmquery",
			Name:      "unpack_diagnostics_total",
			Help:      "Dangling references found while nesting results",
		}),
	}
}

// NewRegistry returns a registry holding the query collectors plus the Go
// runtime and process collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m.StoreCalls,
		m.RecordsRetrieved,
		m.RecordsPruned,
		m.QueryDuration,
		m.Diagnostics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func (m *Metrics) StoreCall(operation, instanceType string) {
	if m == nil {
		return
	}
	m.StoreCalls.WithLabelValues(operation, instanceType).Inc()
}

func (m *Metrics) Retrieved(instanceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsRetrieved.WithLabelValues(instanceType).Add(float64(n))
}

func (m *Metrics) Pruned(instanceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsPruned.WithLabelValues(instanceType).Add(float64(n))
}

func (m *Metrics) Diagnostic(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Diagnostics.Add(float64(n))
}

// ObserveSince records the duration of an operation that started at start.
func (m *Metrics) ObserveSince(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
