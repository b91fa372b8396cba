package retrace

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CaptureMetrics holds the Prometheus instruments for the capture path.
// Instances register against the supplied Registerer, so two collectors in
// one process need separate registries. A nil *CaptureMetrics is a valid
// no-op receiver for every method.
type CaptureMetrics struct {
	runsStarted     prometheus.Counter
	runsEnded       *prometheus.CounterVec
	stepsRecorded   *prometheus.CounterVec
	stepDuration    prometheus.Histogram
	deltaEntries    prometheus.Histogram
	storageFailures *prometheus.CounterVec
}

// NewCaptureMetrics creates and registers the capture instruments. Pass
// prometheus.DefaultRegisterer to use the default registry.
func NewCaptureMetrics(reg prometheus.Registerer) *CaptureMetrics {
	factory := promauto.With(reg)
	return &CaptureMetrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "retrace",
			Subsystem: "capture",
			Name:      "runs_started_total",
			Help:      "Total runs started",
		}),
		runsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrace",
			Subsystem: "capture",
			Name:      "runs_ended_total",
			Help:      "Total runs ended by final status",
		}, []string{"status"}),
		stepsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrace",
			Subsystem: "capture",
			Name:      "steps_recorded_total",
			Help:      "Total steps recorded, split by storage kind",
		}, []string{"kind"}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "retrace",
			Subsystem: "capture",
			Name:      "step_record_duration_seconds",
			Help:      "Time spent serializing, diffing, and writing one step",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		deltaEntries: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "retrace",
			Subsystem: "capture",
			Name:      "delta_entries",
			Help:      "Number of changed, added, and removed entries per recorded delta",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
		storageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrace",
			Subsystem: "capture",
			Name:      "storage_failures_total",
			Help:      "Total storage write failures by operation",
		}, []string{"operation"}),
	}
}

// RecordRunStarted counts a new run.
func (m *CaptureMetrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunEnded counts a finalized run by status.
func (m *CaptureMetrics) RecordRunEnded(status RunStatus) {
	if m == nil {
		return
	}
	m.runsEnded.WithLabelValues(string(status)).Inc()
}

// RecordStep counts one recorded step and observes its write latency. The
// kind is "checkpoint" or "delta".
func (m *CaptureMetrics) RecordStep(isCheckpoint bool, duration time.Duration) {
	if m == nil {
		return
	}
	kind := "delta"
	if isCheckpoint {
		kind = "checkpoint"
	}
	m.stepsRecorded.WithLabelValues(kind).Inc()
	m.stepDuration.Observe(duration.Seconds())
}

// RecordDeltaSize observes the entry count of a recorded delta.
func (m *CaptureMetrics) RecordDeltaSize(entries int) {
	if m == nil {
		return
	}
	m.deltaEntries.Observe(float64(entries))
}

// RecordStorageFailure counts a failed store write.
func (m *CaptureMetrics) RecordStorageFailure(operation string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(operation).Inc()
}
