// Package obs holds the Prometheus metrics registry for the pipeline:
// per-stage counters, a rows-aggregated gauge, an inference latency
// histogram, and an attention-entropy gauge for drift monitoring.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Registry holds every metric the pipeline exports.
type Registry struct {
	BundleFetchTotal   *prometheus.CounterVec
	RowsAggregated     prometheus.Gauge
	AlignmentGaps      prometheus.Counter
	FeatureClamps      prometheus.Counter
	InferenceLatency   prometheus.Histogram
	AttentionEntropy   prometheus.Gauge
	PipelineRunTotal   *prometheus.CounterVec
	PipelineRunSeconds *prometheus.HistogramVec
}

// NewRegistry constructs and registers every metric against the default
// Prometheus registerer.
func NewRegistry() *Registry {
	r := &Registry{
		BundleFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oilsignal_bundle_fetch_total",
			Help: "Count of event bundle fetch attempts by outcome.",
		}, []string{"outcome"}),
		RowsAggregated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oilsignal_rows_aggregated",
			Help: "Number of rows in the most recently aligned grid.",
		}),
		AlignmentGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oilsignal_alignment_gaps_total",
			Help: "Count of dates dropped from the aligned grid for lacking any prior price.",
		}),
		FeatureClamps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oilsignal_feature_clamps_total",
			Help: "Count of non-finite feature values clamped to zero.",
		}),
		InferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oilsignal_inference_latency_seconds",
			Help:    "Wall-clock latency of C8 inference calls.",
			Buckets: prometheus.DefBuckets,
		}),
		AttentionEntropy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oilsignal_attention_entropy",
			Help: "Shannon entropy of the most recent attention distribution, in nats.",
		}),
		PipelineRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oilsignal_pipeline_run_total",
			Help: "Count of pipeline runs by terminal state.",
		}, []string{"state"}),
		PipelineRunSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oilsignal_pipeline_run_seconds",
			Help:    "Wall-clock duration of a full pipeline run by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	prometheus.MustRegister(
		r.BundleFetchTotal,
		r.RowsAggregated,
		r.AlignmentGaps,
		r.FeatureClamps,
		r.InferenceLatency,
		r.AttentionEntropy,
		r.PipelineRunTotal,
		r.PipelineRunSeconds,
	)
	return r
}

// StepTimer measures the duration of one named pipeline stage and records it
// against PipelineRunSeconds on Stop.
type StepTimer struct {
	registry *Registry
	stage    string
	start    time.Time
}

// StartStepTimer begins timing stage. A nil Registry yields a nil
// *StepTimer, whose Stop is itself a no-op, so orchestration code can time
// stages unconditionally even when metrics are not wired in.
func (r *Registry) StartStepTimer(stage string) *StepTimer {
	if r == nil {
		return nil
	}
	return &StepTimer{registry: r, stage: stage, start: time.Now()}
}

// Stop records the elapsed duration and logs it at debug level. Stop is a
// no-op on a nil *StepTimer so callers can start a timer from a possibly-nil
// Registry without a guard at every call site.
func (t *StepTimer) Stop() {
	if t == nil {
		return
	}
	elapsed := time.Since(t.start)
	t.registry.PipelineRunSeconds.WithLabelValues(t.stage).Observe(elapsed.Seconds())
	log.Debug().Str("stage", t.stage).Dur("elapsed", elapsed).Msg("pipeline stage complete")
}
