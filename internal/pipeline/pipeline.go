package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/observability/logging"
	"speech-orchestrator/internal/observability/metrics"
	"speech-orchestrator/internal/quality"
)

// ErrStageCycle is returned when stage dependencies cannot be ordered.
var ErrStageCycle = fmt.Errorf("stage dependency cycle")

// StageStats aggregates executions of one stage.
type StageStats struct {
	Executions    int     `json:"executions"`
	Failures      int     `json:"failures"`
	Retries       int     `json:"retries"`
	Skips         int     `json:"skips"`
	MeanElapsedMs float64 `json:"meanElapsedMs"`

	totalElapsedMs float64
}

// Pipeline executes stages in topological order with per-stage timeout,
// retries, and skip-on-failure semantics.
type Pipeline struct {
	mu      sync.Mutex
	stages  map[Stage]StageProcessor
	order   []Stage
	enabled map[Stage]bool

	stageTimeout  time.Duration
	maxRetries    int
	skipOnFailure bool

	stats map[Stage]*StageStats

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New builds a pipeline over the given processors. The execution order
// is resolved from declared dependencies at construction; cycles are
// rejected.
func New(cfg config.OrchestratorConfig, processors []StageProcessor) (*Pipeline, error) {
	stages := make(map[Stage]StageProcessor, len(processors))
	for _, p := range processors {
		if _, ok := stages[p.Stage()]; ok {
			return nil, fmt.Errorf("duplicate stage %s", p.Stage())
		}
		stages[p.Stage()] = p
	}

	order, err := topoSort(stages)
	if err != nil {
		return nil, err
	}

	stageTimeout := time.Duration(cfg.StageTimeoutMs) * time.Millisecond
	if stageTimeout <= 0 {
		stageTimeout = 5 * time.Second
	}

	enabled := make(map[Stage]bool, len(stages))
	stats := make(map[Stage]*StageStats, len(stages))
	for s := range stages {
		enabled[s] = true
		stats[s] = &StageStats{}
	}

	return &Pipeline{
		stages:        stages,
		order:         order,
		enabled:       enabled,
		stageTimeout:  stageTimeout,
		maxRetries:    cfg.MaxRetryAttempts,
		skipOnFailure: cfg.SkipOnFailure,
		stats:         stats,
		metrics:       metrics.DefaultMetrics,
		log:           logging.WithComponent("pipeline"),
	}, nil
}

// topoSort orders stages so every stage follows its dependencies.
// Dependencies on absent stages are ignored; cycles are an error.
func topoSort(stages map[Stage]StageProcessor) ([]Stage, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[Stage]int{}
	var order []Stage

	var visit func(s Stage) error
	visit = func(s Stage) error {
		switch state[s] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: at %s", ErrStageCycle, s)
		}
		state[s] = visiting
		for _, dep := range stages[s].Dependencies() {
			if _, ok := stages[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[s] = done
		order = append(order, s)
		return nil
	}

	// Deterministic iteration by stage value.
	for s := StagePreprocess; s <= StageFinalize; s++ {
		if _, ok := stages[s]; !ok {
			continue
		}
		if err := visit(s); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Order returns the resolved execution order.
func (p *Pipeline) Order() []Stage {
	return append([]Stage(nil), p.order...)
}

// SetStageEnabled toggles one stage for all future requests.
func (p *Pipeline) SetStageEnabled(s Stage, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.stages[s]; ok {
		p.enabled[s] = enabled
	}
}

// stageRequested maps the request's feature flags onto stages. The
// transcribe and finalize stages always run.
func stageRequested(req Request, s Stage) bool {
	switch s {
	case StagePreprocess:
		return req.EnablePreprocessing
	case StageAnalyze:
		return req.EnableRealtimeAnalysis
	case StageAdapt:
		return req.EnableQualityAdaptation
	case StageDiarize:
		return req.EnableDiarization
	case StageContextual:
		return req.EnableContextual
	case StageFuse:
		return req.EnableExternalFusion
	default:
		return true
	}
}

// Process runs one request through the pipeline and assembles the
// result. It blocks the caller; asynchronous dispatch belongs to the
// orchestrator's worker pool.
func (p *Pipeline) Process(ctx context.Context, req Request) *Result {
	if req.MaxLatencyMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.MaxLatencyMs)*time.Millisecond)
		defer cancel()
	}

	ec := &Context{Request: req, Settings: quality.DefaultSettingsFor(quality.Medium)}
	if !stageRequested(req, StageAdapt) {
		// Without adaptation the request's quality choice is authoritative.
		ec.Settings = quality.DefaultSettingsFor(req.RequestedQuality)
	}

	for _, s := range p.order {
		if s == StageFinalize {
			continue
		}
		proc := p.stages[s]

		p.mu.Lock()
		enabled := p.enabled[s]
		p.mu.Unlock()

		if !enabled || !stageRequested(req, s) {
			p.metrics.RecordStageSkip(s.String(), "disabled")
			continue
		}

		if ctx.Err() != nil {
			p.recordOutcome(ec, s, false, 0, fmt.Errorf("request deadline exceeded before %s", s))
			break
		}

		if !proc.ValidatePrerequisites(ec) {
			if p.skipOnFailure {
				p.skip(s, "prerequisites")
				continue
			}
			p.recordOutcome(ec, s, false, 0, fmt.Errorf("prerequisites not met for %s", s))
			break
		}

		elapsed, err := p.runWithRetries(ctx, proc, ec)
		if err == nil {
			p.recordOutcome(ec, s, true, elapsed, nil)
			continue
		}

		p.recordOutcome(ec, s, false, elapsed, err)
		if !p.skipOnFailure || ctx.Err() != nil {
			break
		}
	}

	return assemble(ec)
}

// runWithRetries executes one stage attempt-by-attempt under the stage
// timeout. A timed-out attempt is permitted to finish on its goroutine;
// its result is discarded.
func (p *Pipeline) runWithRetries(ctx context.Context, proc StageProcessor, ec *Context) (float64, error) {
	var lastErr error
	start := time.Now()

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.metrics.RecordStageRetry(proc.Stage().String())
			p.mu.Lock()
			p.stats[proc.Stage()].Retries++
			p.mu.Unlock()
		}

		lastErr = p.runOnce(ctx, proc, ec)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return float64(time.Since(start).Milliseconds()), lastErr
}

func (p *Pipeline) runOnce(ctx context.Context, proc StageProcessor, ec *Context) (err error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	// Each attempt runs against a private snapshot of the context. A
	// timed-out attempt is permitted to finish on its goroutine, but it
	// only ever touches the snapshot; the snapshot is merged back into
	// the shared context when the attempt completes in time and
	// succeeds, so late or failed writes are discarded.
	scratch := *ec
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("stage %s panicked: %v", proc.Stage(), r)
			}
		}()
		done <- proc.Run(stageCtx, &scratch)
	}()

	select {
	case err = <-done:
		if err == nil {
			*ec = scratch
		}
		return err
	case <-stageCtx.Done():
		return fmt.Errorf("stage %s: %w", proc.Stage(), stageCtx.Err())
	}
}

func (p *Pipeline) skip(s Stage, reason string) {
	p.metrics.RecordStageSkip(s.String(), reason)
	p.mu.Lock()
	p.stats[s].Skips++
	p.mu.Unlock()
}

func (p *Pipeline) recordOutcome(ec *Context, s Stage, success bool, elapsedMs float64, err error) {
	outcome := StageOutcome{Stage: s, Success: success, ElapsedMs: elapsedMs}
	if err != nil {
		outcome.Error = err.Error()
		p.log.Warn().Err(err).Str("stage", s.String()).
			Uint64("request", ec.Request.RequestID).Msg("stage failed")
	}
	ec.Outcomes = append(ec.Outcomes, outcome)
	p.metrics.RecordStage(s.String(), success, elapsedMs/1000)

	p.mu.Lock()
	st := p.stats[s]
	st.Executions++
	st.totalElapsedMs += elapsedMs
	if !success {
		st.Failures++
	}
	p.mu.Unlock()
}

// Stats returns per-stage execution statistics.
func (p *Pipeline) Stats() map[string]StageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]StageStats, len(p.stats))
	for s, st := range p.stats {
		cp := *st
		if cp.Executions > 0 {
			cp.MeanElapsedMs = cp.totalElapsedMs / float64(cp.Executions)
		}
		out[s.String()] = cp
	}
	return out
}
