package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PartitionOperation identifies the partition method being instrumented.
type PartitionOperation string

const (
	// PartitionLookup records partition match calls.
	PartitionLookup PartitionOperation = "lookup"
	// PartitionStore records partition put attempts.
	PartitionStore PartitionOperation = "store"
)

// Partition operation results.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultStored  = "stored"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Install entry results.
const (
	InstallCached = "cached"
	InstallFailed = "failed"
)

// Recorder publishes Prometheus metrics for interception and lifecycle activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	partitionOperations *prometheus.CounterVec
	partitionLatency    *prometheus.HistogramVec

	installEntries *prometheus.CounterVec
	reaped         prometheus.Counter
	transitions    *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readerguard",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Intercepted requests by class, answer source and status.",
	}, []string{"class", "source", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "readerguard",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"class", "source"})

	partitionOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readerguard",
		Subsystem: "partition",
		Name:      "operations_total",
		Help:      "Cache partition operations executed by the strategy engine.",
	}, []string{"partition", "operation", "result"})

	partitionLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "readerguard",
		Subsystem: "partition",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache partition operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"partition", "operation", "result"})

	installEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readerguard",
		Subsystem: "install",
		Name:      "entries_total",
		Help:      "Manifest entries attempted during install.",
	}, []string{"kind", "result"})

	reaped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "readerguard",
		Subsystem: "lifecycle",
		Name:      "reaped_partitions_total",
		Help:      "Stale partitions deleted during activation.",
	})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "readerguard",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Worker lifecycle state transitions.",
	}, []string{"state"})

	reg.MustRegister(requests, requestLatency, partitionOperations, partitionLatency, installEntries, reaped, transitions)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:            reg,
		handler:             handler,
		requests:            requests,
		requestLatency:      requestLatency,
		partitionOperations: partitionOperations,
		partitionLatency:    partitionLatency,
		installEntries:      installEntries,
		reaped:              reaped,
		transitions:         transitions,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of an intercepted request.
func (r *Recorder) ObserveRequest(class, source string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	sourceLabel := normalizeLabel(source)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(classLabel, sourceLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(classLabel, sourceLabel).Observe(duration.Seconds())
}

// ObservePartitionLookup records the result of a partition lookup.
func (r *Recorder) ObservePartitionLookup(partition, result string, duration time.Duration) {
	if r == nil {
		return
	}
	if result == "" {
		result = ResultMiss
	}
	r.observePartition(partition, PartitionLookup, result, duration)
}

// ObservePartitionStore records the result of a partition store attempt.
func (r *Recorder) ObservePartitionStore(partition, result string, duration time.Duration) {
	if r == nil {
		return
	}
	if result == "" {
		result = ResultError
	}
	r.observePartition(partition, PartitionStore, result, duration)
}

func (r *Recorder) observePartition(partition string, operation PartitionOperation, result string, duration time.Duration) {
	partitionLabel := normalizeLabel(partition)
	resLabel := normalizeLabel(result)
	r.partitionOperations.WithLabelValues(partitionLabel, string(operation), resLabel).Inc()
	r.partitionLatency.WithLabelValues(partitionLabel, string(operation), resLabel).Observe(duration.Seconds())
}

// ObserveInstallEntry counts one manifest entry attempted by the installer.
func (r *Recorder) ObserveInstallEntry(kind, result string) {
	if r == nil {
		return
	}
	r.installEntries.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

// ObserveReaped adds n deleted partitions.
func (r *Recorder) ObserveReaped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reaped.Add(float64(n))
}

// ObserveTransition counts a worker entering state.
func (r *Recorder) ObserveTransition(state string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(normalizeLabel(state)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
