// Package orchestrator is the facade over the processing pipeline: it
// owns component lifecycles, the per-feature health state machine, the
// request worker pool, and the aggregate statistics surface.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/diarization"
	"speech-orchestrator/internal/events"
	"speech-orchestrator/internal/external"
	"speech-orchestrator/internal/observability/logging"
	"speech-orchestrator/internal/observability/metrics"
	"speech-orchestrator/internal/pipeline"
	"speech-orchestrator/internal/quality"
	"speech-orchestrator/internal/resource"
)

// latencyRingCap bounds the latency samples kept for percentiles.
const latencyRingCap = 1024

// ErrNotRunning is returned when a request arrives before Start or
// after Shutdown.
var ErrNotRunning = errors.New("orchestrator is not running")

// Capabilities are the external model handles the orchestrator borrows.
// Transcriber is mandatory; the rest gate their features when nil.
type Capabilities struct {
	Transcriber pipeline.Transcriber
	Filter      pipeline.AudioFilter
	Analyzer    pipeline.RealtimeAnalyzer
	Enhancer    pipeline.ContextualEnhancer
}

// Orchestrator wires the quality manager, diarization engine, external
// integrator, and pipeline behind one entry point.
type Orchestrator struct {
	cfg *config.Config

	manager    *quality.Manager
	diarizer   *diarization.Engine
	integrator *external.Integrator
	pipe       *pipeline.Pipeline
	publisher  *events.Publisher

	mu       sync.Mutex
	features map[Feature]*featureEntry
	running  bool

	nextRequestID atomic.Uint64
	pendingCount  atomic.Int64

	jobs    chan job
	workers sync.WaitGroup

	total         int
	succeeded     int
	failed        int
	latencies     []float64
	confidenceSum float64
	confidenceN   int

	metrics *metrics.Metrics
	log     zerolog.Logger
}

type job struct {
	req pipeline.Request
	cb  func(*pipeline.Result)
}

// New validates the configuration and constructs every component. A
// non-empty validation result refuses initialization.
func New(cfg *config.Config, caps Capabilities, probe resource.Probe) (*Orchestrator, error) {
	if violations := cfg.Validate(); len(violations) > 0 {
		return nil, fmt.Errorf("config rejected: %w", errors.Join(violations...))
	}
	if caps.Transcriber == nil {
		return nil, errors.New("a base transcriber capability is required")
	}

	manager, err := quality.NewManager(cfg.AdaptiveQuality, probe)
	if err != nil {
		return nil, fmt.Errorf("adaptive quality: %w", err)
	}
	diarizer := diarization.NewEngine(cfg.Diarization)
	integrator := external.NewIntegrator(cfg.ExternalServices)
	publisher := events.New(cfg.Events)

	pipe, err := pipeline.New(cfg.Orchestrator, []pipeline.StageProcessor{
		pipeline.PreprocessStage{Filter: caps.Filter},
		pipeline.AnalyzeStage{Analyzer: caps.Analyzer},
		pipeline.AdaptStage{Manager: manager},
		pipeline.DiarizeStage{Engine: diarizer},
		pipeline.TranscribeStage{Base: caps.Transcriber},
		pipeline.ContextualStage{Enhancer: caps.Enhancer},
		pipeline.FuseStage{Integrator: integrator},
		pipeline.FinalizeStage{},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		manager:    manager,
		diarizer:   diarizer,
		integrator: integrator,
		pipe:       pipe,
		publisher:  publisher,
		features:   map[Feature]*featureEntry{},
		metrics:    metrics.DefaultMetrics,
		log:        logging.WithComponent("orchestrator"),
	}

	for f, enabled := range map[Feature]bool{
		FeaturePreprocessing:     cfg.Preprocessing.Enabled && caps.Filter != nil,
		FeatureRealtimeAnalysis:  cfg.RealtimeAnalysis.Enabled && caps.Analyzer != nil,
		FeatureQualityAdaptation: cfg.AdaptiveQuality.Enabled,
		FeatureDiarization:       cfg.Diarization.Enabled,
		FeatureContextual:        cfg.Contextual.Enabled && caps.Enhancer != nil,
		FeatureExternalServices:  cfg.ExternalServices.Enabled,
	} {
		state := StateDisabled
		if enabled {
			state = StateEnabledHealthy
		}
		o.features[f] = &featureEntry{state: state}
	}

	manager.SetPendingFunc(func() int { return int(o.pendingCount.Load()) })
	manager.SetObserver(func(before, after quality.Settings, snap resource.Snapshot, reason string) {
		ev := events.AdaptationEvent{
			FromLevel:       before.Level.String(),
			ToLevel:         after.Level.String(),
			Reason:          reason,
			CPUUsage:        snap.CPUUsage,
			MemoryUsage:     snap.MemoryUsage,
			Constrained:     snap.Constrained,
			TimestampUnixMs: time.Now().UnixMilli(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := publisher.PublishAdaptation(ctx, ev); err != nil {
			o.log.Warn().Err(err).Msg("adaptation event publish failed")
		}
	})
	integrator.SetHealthTransition(o.onServiceHealth)

	return o, nil
}

// onServiceHealth degrades the external services feature while any
// service is unhealthy and restores it when all recover.
func (o *Orchestrator) onServiceHealth(service string, healthy bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry := o.features[FeatureExternalServices]
	if entry.state == StateDisabled || entry.state == StateFailed {
		return
	}
	if !healthy {
		entry.state = StateEnabledDegraded
		entry.lastError = fmt.Sprintf("service %s unhealthy", service)
		return
	}
	allHealthy := true
	for _, usage := range o.integrator.UsageStats() {
		if !usage.Healthy {
			allHealthy = false
			break
		}
	}
	if allHealthy {
		entry.state = StateEnabledHealthy
		entry.lastError = ""
	}
}

// Start launches the background loops and the request worker pool.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	workerCount := o.cfg.Orchestrator.MaxConcurrentProcessing
	o.jobs = make(chan job, workerCount*2)
	o.mu.Unlock()

	if o.featureState(FeatureQualityAdaptation) != StateDisabled {
		o.manager.Start(time.Duration(o.cfg.AdaptiveQuality.MonitorIntervalMs) * time.Millisecond)
	}
	if o.featureState(FeatureExternalServices) != StateDisabled {
		o.integrator.StartHealthMonitor()
	}

	for w := 0; w < workerCount; w++ {
		o.workers.Add(1)
		go o.worker()
	}
	o.log.Info().Int("workers", workerCount).Msg("orchestrator started")
}

func (o *Orchestrator) worker() {
	defer o.workers.Done()
	for j := range o.jobs {
		res := o.Process(context.Background(), j.req)
		j.cb(res)
	}
}

// Process runs one request synchronously through the pipeline, applying
// feature gating, health transitions, and request accounting.
func (o *Orchestrator) Process(ctx context.Context, req pipeline.Request) *pipeline.Result {
	if req.RequestID == 0 {
		req.RequestID = o.nextRequestID.Add(1)
	}
	o.gateFeatures(&req)
	if req.MaxLatencyMs == 0 && o.cfg.Orchestrator.MaxProcessingLatencyMs > 0 {
		req.MaxLatencyMs = int(o.cfg.Orchestrator.MaxProcessingLatencyMs)
	}

	o.metrics.RecordRequestStart()
	o.pendingCount.Add(1)
	start := time.Now()

	res := o.pipe.Process(ctx, req)

	elapsed := time.Since(start)
	o.pendingCount.Add(-1)
	o.metrics.RecordRequestEnd(res.Success, elapsed.Seconds())
	o.recordOutcome(res)
	o.failFeaturesFor(res)

	ev := events.NewTranscriptFinalEvent(res, time.Now().UnixMilli())
	pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.publisher.PublishTranscript(pubCtx, ev); err != nil {
		o.log.Warn().Err(err).Uint64("requestId", res.RequestID).Msg("transcript event publish failed")
	}
	return res
}

// ProcessAsync dispatches onto the worker pool; the callback fires
// exactly once on a pool goroutine.
func (o *Orchestrator) ProcessAsync(req pipeline.Request, cb func(*pipeline.Result)) error {
	if req.RequestID == 0 {
		req.RequestID = o.nextRequestID.Add(1)
	}
	var once sync.Once
	wrapped := func(res *pipeline.Result) {
		once.Do(func() { cb(res) })
	}

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	jobs := o.jobs
	o.mu.Unlock()

	jobs <- job{req: req, cb: wrapped}
	return nil
}

// Running reports whether the orchestrator accepts requests.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// gateFeatures drops request feature flags whose feature is not in a
// runnable state. Degraded features still run.
func (o *Orchestrator) gateFeatures(req *pipeline.Request) {
	runnable := func(f Feature) bool {
		s := o.featureState(f)
		return s == StateEnabledHealthy || s == StateEnabledDegraded
	}
	req.EnablePreprocessing = req.EnablePreprocessing && runnable(FeaturePreprocessing)
	req.EnableRealtimeAnalysis = req.EnableRealtimeAnalysis && runnable(FeatureRealtimeAnalysis)
	req.EnableQualityAdaptation = req.EnableQualityAdaptation && runnable(FeatureQualityAdaptation)
	req.EnableDiarization = req.EnableDiarization && runnable(FeatureDiarization)
	req.EnableContextual = req.EnableContextual && runnable(FeatureContextual)
	req.EnableExternalFusion = req.EnableExternalFusion && runnable(FeatureExternalServices)
}

// failFeaturesFor transitions the feature behind every failed optional
// stage to FAILED. The pipeline already continued past them.
func (o *Orchestrator) failFeaturesFor(res *pipeline.Result) {
	if len(res.ErrorsByStage) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, outcome := range res.Stages {
		if outcome.Success {
			continue
		}
		f, ok := featureForStage(outcome.Stage)
		if !ok {
			continue
		}
		entry := o.features[f]
		if entry.state == StateDisabled {
			continue
		}
		entry.state = StateFailed
		entry.lastError = outcome.Error
		o.log.Warn().
			Str("feature", f.String()).
			Str("error", outcome.Error).
			Msg("feature failed, continuing without it")
	}
}

func (o *Orchestrator) recordOutcome(res *pipeline.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total++
	if res.Success {
		o.succeeded++
	} else {
		o.failed++
	}
	if len(o.latencies) >= latencyRingCap {
		o.latencies = o.latencies[1:]
	}
	o.latencies = append(o.latencies, res.ProcessingLatencyMs)
	if res.Text != "" {
		o.confidenceSum += res.Confidence
		o.confidenceN++
	}
}

// EnableFeature turns a feature on, clearing any failure record.
func (o *Orchestrator) EnableFeature(f Feature) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.features[f]
	if !ok {
		return
	}
	entry.state = StateEnabledHealthy
	entry.lastError = ""
}

// DisableFeature turns a feature off.
func (o *Orchestrator) DisableFeature(f Feature) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.features[f]; ok {
		entry.state = StateDisabled
		entry.lastError = ""
	}
}

// IsFeatureEnabled reports whether the feature is enabled and healthy.
func (o *Orchestrator) IsFeatureEnabled(f Feature) bool {
	return o.featureState(f) == StateEnabledHealthy
}

func (o *Orchestrator) featureState(f Feature) FeatureState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.features[f]; ok {
		return entry.state
	}
	return StateDisabled
}

// HealthStatus is the per-feature health document.
type HealthStatus struct {
	Overall  float64           `json:"overall"`
	Features map[string]string `json:"features"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// HealthStatus reports per-feature states and the overall health score:
// healthy features over all features, so disabled features count
// against the score.
func (o *Orchestrator) HealthStatus() HealthStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	hs := HealthStatus{
		Features: make(map[string]string, len(o.features)),
		Errors:   map[string]string{},
	}
	healthy := 0
	for f, entry := range o.features {
		hs.Features[f.String()] = entry.state.String()
		if entry.lastError != "" {
			hs.Errors[f.String()] = entry.lastError
		}
		if entry.state == StateEnabledHealthy {
			healthy++
		}
	}
	hs.Overall = float64(healthy) / float64(len(o.features))
	return hs
}

// LatencyStats are latency percentiles over the recent request window.
type LatencyStats struct {
	MinMs float64 `json:"minMs"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
	MaxMs float64 `json:"maxMs"`
}

// Stats is the orchestrator's aggregate statistics document.
type Stats struct {
	TotalRequests      int                              `json:"totalRequests"`
	SuccessfulRequests int                              `json:"successfulRequests"`
	FailedRequests     int                              `json:"failedRequests"`
	Latency            LatencyStats                     `json:"latency"`
	AvgConfidence      float64                          `json:"avgConfidence"`
	Health             HealthStatus                     `json:"health"`
	CurrentSettings    quality.Settings                 `json:"currentSettings"`
	Adaptation         quality.ManagerStats             `json:"adaptation"`
	Diarization        diarization.Stats                `json:"diarization"`
	Services           map[string]external.ServiceUsage `json:"services"`
	Stages             map[string]pipeline.StageStats   `json:"stages"`
}

// Stats gathers the aggregate statistics across all components.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	st := Stats{
		TotalRequests:      o.total,
		SuccessfulRequests: o.succeeded,
		FailedRequests:     o.failed,
		Latency:            percentiles(o.latencies),
	}
	if o.confidenceN > 0 {
		st.AvgConfidence = o.confidenceSum / float64(o.confidenceN)
	}
	o.mu.Unlock()

	st.Health = o.HealthStatus()
	st.Adaptation = o.manager.Stats()
	st.CurrentSettings = st.Adaptation.CurrentSettings
	st.Diarization = o.diarizer.Stats()
	st.Services = o.integrator.UsageStats()
	st.Stages = o.pipe.Stats()
	return st
}

// StatsJSON renders Stats as JSON.
func (o *Orchestrator) StatsJSON() []byte {
	b, _ := json.Marshal(o.Stats())
	return b
}

// percentiles computes min/p50/p95/p99/max over a copy of the window.
func percentiles(samples []float64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	at := func(p float64) float64 {
		idx := int(p*float64(len(sorted))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return LatencyStats{
		MinMs: sorted[0],
		P50Ms: at(0.50),
		P95Ms: at(0.95),
		P99Ms: at(0.99),
		MaxMs: sorted[len(sorted)-1],
	}
}

// Quality exposes the adaptive quality manager.
func (o *Orchestrator) Quality() *quality.Manager { return o.manager }

// Diarizer exposes the speaker diarization engine.
func (o *Orchestrator) Diarizer() *diarization.Engine { return o.diarizer }

// Integrator exposes the external service integrator.
func (o *Orchestrator) Integrator() *external.Integrator { return o.integrator }

// Pipeline exposes the processing pipeline for stage toggles.
func (o *Orchestrator) Pipeline() *pipeline.Pipeline { return o.pipe }

// Shutdown drains the worker pool and stops components in reverse init
// order. Queued async requests complete before workers exit.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.jobs)
	o.mu.Unlock()

	o.workers.Wait()
	o.integrator.CancelAll()
	o.integrator.Stop()
	o.manager.Stop()
	if err := o.publisher.Close(); err != nil {
		o.log.Warn().Err(err).Msg("event publisher close failed")
	}
	o.log.Info().Msg("orchestrator stopped")
}
