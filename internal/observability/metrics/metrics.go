// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speech_orchestrator"

// Metrics holds all Prometheus metrics for the orchestration core.
type Metrics struct {
	// Request metrics
	RequestsTotal   prometheus.Counter
	RequestsActive  prometheus.Gauge
	RequestsSuccess prometheus.Counter
	RequestsFailed  prometheus.Counter
	RequestLatency  prometheus.Histogram

	// Pipeline stage metrics
	StageLatency  *prometheus.HistogramVec
	StageRetries  *prometheus.CounterVec
	StageSkipped  *prometheus.CounterVec
	StageFailures *prometheus.CounterVec

	// Adaptation metrics
	AdaptationCycles   prometheus.Counter
	AdaptationCommits  prometheus.Counter
	QualityLevelGauge  prometheus.Gauge
	ResourceConstraint prometheus.Gauge

	// Predictor metrics
	PredictorRetrains prometheus.Counter
	PredictorRecords  prometheus.Counter

	// Diarization metrics
	DiarizationSessions prometheus.Gauge
	SpeakerSegments     prometheus.Counter
	SpeakerProfiles     prometheus.Gauge

	// External service metrics
	ServiceCalls     *prometheus.CounterVec
	ServiceErrors    *prometheus.CounterVec
	ServiceLatency   *prometheus.HistogramVec
	ServiceHealthy   *prometheus.GaugeVec
	FallbackOutcomes *prometheus.CounterVec
	FusionOutcomes   *prometheus.CounterVec

	// Event publish metrics
	EventPublishTotal   *prometheus.CounterVec
	EventPublishErrors  *prometheus.CounterVec
	EventPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of transcription requests admitted",
		}),
		RequestsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_active",
			Help:      "Number of requests currently in the pipeline",
		}),
		RequestsSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_success_total",
			Help:      "Total number of successfully completed requests",
		}),
		RequestsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_failed_total",
			Help:      "Total number of failed requests",
		}),
		RequestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request processing latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Per-stage processing latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"stage"}),
		StageRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage retry attempts",
		}, []string{"stage"}),
		StageSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_skipped_total",
			Help:      "Total number of stages skipped",
		}, []string{"stage", "reason"}),
		StageFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Total number of stage failures after retries",
		}, []string{"stage"}),

		AdaptationCycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adaptation_cycles_total",
			Help:      "Total number of adaptation loop cycles",
		}),
		AdaptationCommits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adaptation_commits_total",
			Help:      "Total number of committed quality adaptations",
		}),
		QualityLevelGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_level",
			Help:      "Current quality level index (0=ULTRA_LOW .. 4=ULTRA_HIGH)",
		}),
		ResourceConstraint: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_constrained",
			Help:      "1 when the latest resource snapshot is constrained",
		}),

		PredictorRetrains: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictor_retrains_total",
			Help:      "Total number of predictor retraining runs",
		}),
		PredictorRecords: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictor_records_total",
			Help:      "Total number of recorded performance outcomes",
		}),

		DiarizationSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diarization_sessions_active",
			Help:      "Number of active streaming diarization sessions",
		}),
		SpeakerSegments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_segments_total",
			Help:      "Total number of emitted speaker segments",
		}),
		SpeakerProfiles: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speaker_profiles",
			Help:      "Number of known speaker profiles",
		}),

		ServiceCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_service_calls_total",
			Help:      "Total number of external service transcription calls",
		}, []string{"service"}),
		ServiceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_service_errors_total",
			Help:      "Total number of external service call errors",
		}, []string{"service", "error_type"}),
		ServiceLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_service_latency_seconds",
			Help:      "External service call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"service"}),
		ServiceHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "external_service_healthy",
			Help:      "1 when the external service is healthy",
		}, []string{"service"}),
		FallbackOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_outcomes_total",
			Help:      "Fallback transcription outcomes by method",
		}, []string{"method"}),
		FusionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fusion_outcomes_total",
			Help:      "Fusion transcription outcomes by strategy",
		}, []string{"strategy"}),

		EventPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_total",
			Help:      "Total number of events published",
		}, []string{"topic", "event_type"}),
		EventPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Total number of event publish errors",
		}, []string{"topic", "event_type"}),
		EventPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_publish_latency_seconds",
			Help:      "Event publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordRequestStart records a request entering the pipeline.
func (m *Metrics) RecordRequestStart() {
	m.RequestsTotal.Inc()
	m.RequestsActive.Inc()
}

// RecordRequestEnd records a request leaving the pipeline.
func (m *Metrics) RecordRequestEnd(success bool, latencySeconds float64) {
	m.RequestsActive.Dec()
	m.RequestLatency.Observe(latencySeconds)
	if success {
		m.RequestsSuccess.Inc()
	} else {
		m.RequestsFailed.Inc()
	}
}

// RecordStage records one stage execution outcome.
func (m *Metrics) RecordStage(stage string, success bool, latencySeconds float64) {
	m.StageLatency.WithLabelValues(stage).Observe(latencySeconds)
	if !success {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

// RecordStageRetry records a stage retry attempt.
func (m *Metrics) RecordStageRetry(stage string) {
	m.StageRetries.WithLabelValues(stage).Inc()
}

// RecordStageSkip records a skipped stage.
func (m *Metrics) RecordStageSkip(stage, reason string) {
	m.StageSkipped.WithLabelValues(stage, reason).Inc()
}

// RecordAdaptation records one adaptation cycle; committed marks a change.
func (m *Metrics) RecordAdaptation(committed bool, levelIndex int, constrained bool) {
	m.AdaptationCycles.Inc()
	if committed {
		m.AdaptationCommits.Inc()
	}
	m.QualityLevelGauge.Set(float64(levelIndex))
	if constrained {
		m.ResourceConstraint.Set(1)
	} else {
		m.ResourceConstraint.Set(0)
	}
}

// RecordServiceCall records an external service call attempt.
func (m *Metrics) RecordServiceCall(service string, err error, latencySeconds float64) {
	m.ServiceCalls.WithLabelValues(service).Inc()
	m.ServiceLatency.WithLabelValues(service).Observe(latencySeconds)
	if err != nil {
		m.ServiceErrors.WithLabelValues(service, "call").Inc()
	}
}

// RecordServiceHealth records a health transition for an external service.
func (m *Metrics) RecordServiceHealth(service string, healthy bool) {
	if healthy {
		m.ServiceHealthy.WithLabelValues(service).Set(1)
	} else {
		m.ServiceHealthy.WithLabelValues(service).Set(0)
	}
}

// RecordEventPublish records an event publish attempt.
func (m *Metrics) RecordEventPublish(topic, eventType string, err error, latencySeconds float64) {
	m.EventPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.EventPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.EventPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
