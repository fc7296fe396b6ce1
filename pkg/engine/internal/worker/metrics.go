package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a container of metrics for a [Runtime].
type Metrics struct {
	// registry to collect metrics as a unit.
	reg *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	buffersTotal        prometheus.Counter
	sourceBuffersTotal  prometheus.Counter
	sinkRowsTotal       prometheus.Counter
	encodeFailuresTotal prometheus.Counter
	lateRecordsTotal    prometheus.Counter

	threadsBusy prometheus.Gauge
	pagesInUse  prometheus.Gauge

	taskExecSeconds prometheus.Histogram
}

// NewMetrics returns a new set of runtime metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		reg: reg,

		runsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nes_worker_runs_total",
			Help: "Total number of plan executions by outcome",
		}, []string{"outcome"}),
		buffersTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nes_worker_buffers_processed_total",
			Help: "Total number of buffers processed by pipeline stages",
		}),
		sourceBuffersTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nes_worker_source_buffers_total",
			Help: "Total number of buffers read from sources, including end-of-stream markers",
		}),
		sinkRowsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nes_worker_sink_rows_total",
			Help: "Total number of rows written to sinks",
		}),
		encodeFailuresTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nes_worker_encode_failures_total",
			Help: "Total number of aggregation results replaced by the empty sentinel because they could not be encoded",
		}),
		lateRecordsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nes_worker_late_records_total",
			Help: "Total number of records dropped because their window was already emitted",
		}),

		threadsBusy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "nes_worker_threads_busy",
			Help: "Number of worker threads currently running a task",
		}),
		pagesInUse: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "nes_worker_pages_in_use",
			Help: "Number of buffer pool pages in use at the end of the last task",
		}),

		taskExecSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "nes_worker_task_exec_seconds",
			Help: "Number of seconds a stage took to process one buffer",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
	}
}

// Register registers metrics to report to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *Metrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }
