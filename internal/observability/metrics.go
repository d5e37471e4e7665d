package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conversion metrics
	activeConversions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "page_speaker_active_conversions",
		Help: "Number of conversions currently running",
	})

	conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "page_speaker_conversions_total",
		Help: "Total conversions by branch (refined, fallback) and outcome (done, failed)",
	}, []string{"branch", "outcome"})

	conversionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "page_speaker_conversion_duration_seconds",
		Help:    "End to end conversion duration in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "page_speaker_stage_latency_seconds",
		Help:    "Latency of each pipeline stage in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage", "status"})

	// Recovered failures
	refineFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "page_speaker_refine_failures_total",
		Help: "Refinement attempts that fell back to the unrefined text",
	})

	synthesisCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "page_speaker_synthesis_canceled_total",
		Help: "Speech syntheses that ended canceled",
	})

	auditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "page_speaker_audit_failures_total",
		Help: "Audit log writes that failed",
	})

	extractionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "page_speaker_extraction_failures_total",
		Help: "OCR engine errors treated as empty extractions",
	})

	// Scratch storage
	scratchReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "page_speaker_scratch_reclaimed_total",
		Help: "Scratch entries deleted by the janitor",
	}, []string{"category"})

	scratchReclaimFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "page_speaker_scratch_reclaim_failures_total",
		Help: "Scratch entries the janitor failed to delete",
	}, []string{"category"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "page_speaker_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "page_speaker_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "page_speaker_audio_bytes_total",
		Help: "Total synthesized audio bytes",
	})
)

// Metrics tracks metrics for a single conversion
type Metrics struct {
	conversionID string
	startTime    time.Time
	stageStart   map[string]time.Time
	mu           sync.Mutex
}

// NewConversionMetrics creates a new metrics tracker for a conversion
func NewConversionMetrics(conversionID string) *Metrics {
	return &Metrics{
		conversionID: conversionID,
		startTime:    time.Now(),
		stageStart:   make(map[string]time.Time),
	}
}

// RecordConversionStart records the start of a conversion
func (m *Metrics) RecordConversionStart() {
	activeConversions.Inc()
}

// RecordConversionEnd records the end of a conversion
func (m *Metrics) RecordConversionEnd(branch string, success bool) {
	activeConversions.Dec()
	conversionDuration.Observe(time.Since(m.startTime).Seconds())

	outcome := "done"
	if !success {
		outcome = "failed"
	}
	if branch == "" {
		branch = "none"
	}
	conversionsTotal.WithLabelValues(branch, outcome).Inc()
}

// RecordStageStart records the start of a pipeline stage
func (m *Metrics) RecordStageStart(stage string) {
	m.mu.Lock()
	m.stageStart[stage] = time.Now()
	m.mu.Unlock()
}

// RecordStageEnd records the end of a pipeline stage
func (m *Metrics) RecordStageEnd(stage string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}

	if start, ok := m.stageStart[stage]; ok {
		stageLatency.WithLabelValues(stage, status).Observe(time.Since(start).Seconds())
		delete(m.stageStart, stage)
	}
}

// RecordAudioBytes records synthesized audio size
func (m *Metrics) RecordAudioBytes(n int) {
	audioBytesProduced.Add(float64(n))
}

// IncrementRefineFailures counts a refinement that fell back to the input text
func IncrementRefineFailures() {
	refineFailures.Inc()
}

// IncrementSynthesisCanceled counts a canceled synthesis
func IncrementSynthesisCanceled() {
	synthesisCanceled.Inc()
}

// IncrementAuditFailures counts a failed audit write
func IncrementAuditFailures() {
	auditFailures.Inc()
}

// IncrementExtractionFailures counts an OCR engine error
func IncrementExtractionFailures() {
	extractionFailures.Inc()
}

// RecordScratchReclaim records the result of one janitor sweep for a category
func RecordScratchReclaim(category string, deleted, failed int) {
	scratchReclaimed.WithLabelValues(category).Add(float64(deleted))
	scratchReclaimFailures.WithLabelValues(category).Add(float64(failed))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
