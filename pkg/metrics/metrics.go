// Package metrics exposes the Prometheus collectors this core emits.
// Callers mount Handler() on an HTTP mux; nothing in this package starts
// a server of its own.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postprocess_forwarder_messages_total",
			Help: "Messages observed by a forwarder worker, by entity and classification outcome",
		},
		[]string{"entity", "outcome"},
	)

	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postprocess_forwarder_decode_errors_total",
			Help: "Decode failures by error kind",
		},
		[]string{"kind"},
	)

	BatchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postprocess_forwarder_batch_flush_duration_seconds",
			Help:    "Time spent flushing a batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postprocess_forwarder_batch_size",
			Help:    "Number of messages in a flushed batch",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 5000},
		},
	)

	SynchronizedConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postprocess_forwarder_synchronized_consumer_lag",
			Help: "remote_offset - local_offset for the synchronized consumer, per partition",
		},
		[]string{"topic", "partition"},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postprocess_pipeline_stage_duration_seconds",
			Help:    "Duration of a single post-process stage invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PipelineStageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postprocess_pipeline_stage_failures_total",
			Help: "Stage invocations that returned or panicked with an error, by stage",
		},
		[]string{"stage"},
	)

	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postprocess_lock_acquisitions_total",
			Help: "Lock acquisition attempts by lock name and outcome (acquired, contended)",
		},
		[]string{"name", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesForwarded,
		DecodeErrors,
		BatchFlushDuration,
		BatchSize,
		SynchronizedConsumerLag,
		PipelineStageDuration,
		PipelineStageFailures,
		LockAcquisitions,
	)
}

// Handler returns the HTTP handler serving the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight duration for later observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into o.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(time.Since(t.start).Seconds())
}
