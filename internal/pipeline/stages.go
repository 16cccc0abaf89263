package pipeline

import (
	"context"
	"errors"
	"fmt"

	"speech-orchestrator/internal/diarization"
	"speech-orchestrator/internal/external"
	"speech-orchestrator/internal/quality"
)

// ErrNoAudio is returned by stages that need audio when none is present.
var ErrNoAudio = errors.New("no audio to process")

// PreprocessStage runs the audio filter and records quality metrics.
type PreprocessStage struct {
	Filter AudioFilter
}

func (s PreprocessStage) Stage() Stage          { return StagePreprocess }
func (s PreprocessStage) Dependencies() []Stage { return nil }

func (s PreprocessStage) ValidatePrerequisites(ec *Context) bool {
	return s.Filter != nil && len(ec.Request.Audio) > 0
}

func (s PreprocessStage) Run(ctx context.Context, ec *Context) error {
	processed, metrics, applied, err := s.Filter.Preprocess(ctx, ec.Request.Audio, ec.Request.SampleRate)
	if err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	ec.ProcessedAudio = processed
	ec.AudioQuality = &metrics
	ec.AppliedFilters = applied
	return nil
}

// AnalyzeStage runs the realtime signal analyzer.
type AnalyzeStage struct {
	Analyzer RealtimeAnalyzer
}

func (s AnalyzeStage) Stage() Stage          { return StageAnalyze }
func (s AnalyzeStage) Dependencies() []Stage { return []Stage{StagePreprocess} }

func (s AnalyzeStage) ValidatePrerequisites(ec *Context) bool {
	return s.Analyzer != nil && len(ec.Audio()) > 0
}

func (s AnalyzeStage) Run(ctx context.Context, ec *Context) error {
	metrics, err := s.Analyzer.Analyze(ctx, ec.Audio(), ec.Request.SampleRate)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	ec.Realtime = &metrics
	return nil
}

// AdaptStage reads the adaptive quality manager's current decision into
// the context. It never blocks on the adaptation loop.
type AdaptStage struct {
	Manager *quality.Manager
}

func (s AdaptStage) Stage() Stage          { return StageAdapt }
func (s AdaptStage) Dependencies() []Stage { return []Stage{StageAnalyze} }

func (s AdaptStage) ValidatePrerequisites(ec *Context) bool {
	return s.Manager != nil
}

func (s AdaptStage) Run(ctx context.Context, ec *Context) error {
	ec.Settings = s.Manager.CurrentSettings()
	return nil
}

// DiarizeStage runs batch speaker diarization.
type DiarizeStage struct {
	Engine *diarization.Engine
}

func (s DiarizeStage) Stage() Stage          { return StageDiarize }
func (s DiarizeStage) Dependencies() []Stage { return []Stage{StagePreprocess} }

func (s DiarizeStage) ValidatePrerequisites(ec *Context) bool {
	return s.Engine != nil && len(ec.Audio()) > 0
}

func (s DiarizeStage) Run(ctx context.Context, ec *Context) error {
	res, err := s.Engine.Process(ec.Audio(), ec.Request.SampleRate)
	if err != nil {
		return fmt.Errorf("diarize: %w", err)
	}
	ec.Diarization = &res
	return nil
}

// TranscribeStage runs the base transcriber.
type TranscribeStage struct {
	Base Transcriber
}

func (s TranscribeStage) Stage() Stage          { return StageTranscribe }
func (s TranscribeStage) Dependencies() []Stage { return []Stage{StagePreprocess, StageAdapt} }

func (s TranscribeStage) ValidatePrerequisites(ec *Context) bool {
	return s.Base != nil && len(ec.Audio()) > 0
}

func (s TranscribeStage) Run(ctx context.Context, ec *Context) error {
	if len(ec.Audio()) == 0 {
		return ErrNoAudio
	}
	tr, err := s.Base.Transcribe(ctx, ec.Audio(), ec.Request.SampleRate, ec.Request.LanguageHint, ec.Settings)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	ec.BaseTranscript = &tr
	return nil
}

// ContextualStage refines the base transcript.
type ContextualStage struct {
	Enhancer ContextualEnhancer
}

func (s ContextualStage) Stage() Stage          { return StageContextual }
func (s ContextualStage) Dependencies() []Stage { return []Stage{StageTranscribe} }

func (s ContextualStage) ValidatePrerequisites(ec *Context) bool {
	return s.Enhancer != nil && ec.BaseTranscript != nil
}

func (s ContextualStage) Run(ctx context.Context, ec *Context) error {
	res, err := s.Enhancer.Enhance(ctx, *ec.BaseTranscript)
	if err != nil {
		return fmt.Errorf("contextual: %w", err)
	}
	ec.Contextual = &res
	return nil
}

// FuseStage fans the request out to external services and joins the
// fused result into the context.
type FuseStage struct {
	Integrator *external.Integrator
}

func (s FuseStage) Stage() Stage          { return StageFuse }
func (s FuseStage) Dependencies() []Stage { return []Stage{StageTranscribe} }

func (s FuseStage) ValidatePrerequisites(ec *Context) bool {
	return s.Integrator != nil && len(ec.Audio()) > 0
}

func (s FuseStage) Run(ctx context.Context, ec *Context) error {
	out, err := s.Integrator.TranscribeWithFusion(ctx, ec.Audio(), ec.Request.SampleRate, ec.Request.LanguageHint, nil)
	if err != nil {
		return fmt.Errorf("fuse: %w", err)
	}
	ec.Fusion = &out
	return nil
}

// FinalizeStage assembles the result. Text precedence: fused result,
// then contextual enhancement, then the base transcript.
type FinalizeStage struct{}

func (s FinalizeStage) Stage() Stage { return StageFinalize }

func (s FinalizeStage) Dependencies() []Stage {
	return []Stage{StageTranscribe, StageContextual, StageFuse}
}

func (s FinalizeStage) ValidatePrerequisites(ec *Context) bool { return true }

func (s FinalizeStage) Run(ctx context.Context, ec *Context) error { return nil }

// assemble builds the caller-facing result from the context artifacts.
func assemble(ec *Context) *Result {
	res := &Result{
		RequestID:            ec.Request.RequestID,
		QualityLevelUsed:     ec.Settings.Level,
		AppliedPreprocessing: ec.AppliedFilters,
		AudioQuality:         ec.AudioQuality,
		Contextual:           ec.Contextual,
		Stages:               ec.Outcomes,
		ErrorsByStage:        map[string]string{},
	}

	switch {
	case ec.Fusion != nil:
		res.Text = ec.Fusion.Result.Text
		res.Confidence = ec.Fusion.Result.Confidence
		res.External = &ExternalSummary{
			Used:              true,
			ServiceName:       ec.Fusion.Result.Service,
			IndividualResults: ec.Fusion.Sources,
		}
	case ec.Contextual != nil:
		res.Text = ec.Contextual.EnhancedText
		res.Confidence = ec.Contextual.Confidence
	case ec.BaseTranscript != nil:
		res.Text = ec.BaseTranscript.Text
		res.Confidence = ec.BaseTranscript.Confidence
	}

	if ec.Diarization != nil {
		res.SpeakerSegments = ec.Diarization.Segments
	}

	total := 0.0
	failed := false
	for _, o := range ec.Outcomes {
		total += o.ElapsedMs
		if !o.Success {
			failed = true
			res.ErrorsByStage[o.Stage.String()] = o.Error
		}
	}
	res.ProcessingLatencyMs = total
	res.Success = !failed

	if res.Text == "" {
		res.Confidence = 0
	}
	return res
}
