package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess  = "success"
	statusFailure  = "failure"
	statusRejected = "rejected"
)

// metrics is a container of metrics for an [Engine].
type metrics struct {
	queries    *prometheus.CounterVec
	executions *prometheus.CounterVec
	pipelines  prometheus.Counter
	formatters prometheus.Counter

	compileSeconds prometheus.Histogram
	executeSeconds prometheus.Histogram
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		queries: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "nes_engine_queries_compiled_total",
			Help: "Total number of compiled plans by status",
		}, []string{"status"}),
		executions: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Name: "nes_engine_executions_total",
			Help: "Total number of plan executions by status",
		}, []string{"status"}),
		pipelines: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "nes_engine_pipelines_lowered_total",
			Help: "Total number of executable pipelines produced by compilation, including formatters",
		}),
		formatters: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "nes_engine_formatters_injected_total",
			Help: "Total number of formatter pipelines injected after sources",
		}),

		compileSeconds: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name: "nes_engine_compile_seconds",
			Help: "Number of seconds spent compiling a plan",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
		executeSeconds: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name: "nes_engine_execute_seconds",
			Help: "Number of seconds spent executing a plan",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
	}
}
