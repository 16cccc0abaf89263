// Package pipeline runs transcription requests through an ordered set
// of retriable stages and assembles the final result.
package pipeline

import (
	"context"
	"fmt"

	"speech-orchestrator/internal/diarization"
	"speech-orchestrator/internal/external"
	"speech-orchestrator/internal/quality"
)

// Stage identifies one pipeline stage.
type Stage int

const (
	StagePreprocess Stage = iota
	StageAnalyze
	StageAdapt
	StageDiarize
	StageTranscribe
	StageContextual
	StageFuse
	StageFinalize
)

var stageNames = map[Stage]string{
	StagePreprocess: "PREPROCESS",
	StageAnalyze:    "ANALYZE",
	StageAdapt:      "ADAPT",
	StageDiarize:    "DIARIZE",
	StageTranscribe: "TRANSCRIBE",
	StageContextual: "CONTEXTUAL",
	StageFuse:       "FUSE",
	StageFinalize:   "FINALIZE",
}

// String returns the stage identifier.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// Request is one transcription job.
type Request struct {
	RequestID        uint64
	Audio            []float32
	SampleRate       int
	IsLive           bool
	IsRealtime       bool
	RequestedQuality quality.Level
	MaxLatencyMs     int
	LanguageHint     string

	EnablePreprocessing     bool
	EnableRealtimeAnalysis  bool
	EnableQualityAdaptation bool
	EnableDiarization       bool
	EnableContextual        bool
	EnableExternalFusion    bool
}

// StageOutcome records one executed stage.
type StageOutcome struct {
	Stage     Stage   `json:"stage"`
	Success   bool    `json:"success"`
	ElapsedMs float64 `json:"elapsedMs"`
	Error     string  `json:"error,omitempty"`
}

// AudioQuality summarizes the preprocessed audio.
type AudioQuality struct {
	SNRDb          float64 `json:"snrDb"`
	OverallQuality float64 `json:"overallQuality"`
	HasClipping    bool    `json:"hasClipping"`
	HasNoise       bool    `json:"hasNoise"`
}

// RealtimeMetrics summarizes the live-signal analysis stage.
type RealtimeMetrics struct {
	SpeechRatio  float64 `json:"speechRatio"`
	EnergyLevel  float64 `json:"energyLevel"`
	IsSpeechLike bool    `json:"isSpeechLike"`
}

// Transcript is the base transcriber's output.
type Transcript struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	Language         string  `json:"language"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
}

// ContextualResult is the contextual enhancement output.
type ContextualResult struct {
	EnhancedText   string   `json:"enhancedText"`
	Corrections    []string `json:"corrections"`
	DetectedDomain string   `json:"detectedDomain"`
	Confidence     float64  `json:"confidence"`
}

// ExternalSummary reports external-service involvement in the result.
type ExternalSummary struct {
	Used              bool              `json:"used"`
	ServiceName       string            `json:"serviceName,omitempty"`
	IndividualResults []external.Result `json:"individualResults,omitempty"`
}

// Result is the assembled transcription outcome delivered to callers.
type Result struct {
	RequestID            uint64                 `json:"requestId"`
	Text                 string                 `json:"text"`
	Confidence           float64                `json:"confidence"`
	ProcessingLatencyMs  float64                `json:"processingLatencyMs"`
	QualityLevelUsed     quality.Level          `json:"qualityLevelUsed"`
	SpeakerSegments      []diarization.Segment  `json:"speakerSegments,omitempty"`
	AppliedPreprocessing []string               `json:"appliedPreprocessing,omitempty"`
	AudioQuality         *AudioQuality          `json:"audioQuality,omitempty"`
	Contextual           *ContextualResult      `json:"contextual,omitempty"`
	External             *ExternalSummary       `json:"external,omitempty"`
	ErrorsByStage        map[string]string      `json:"errorsByStage,omitempty"`
	Stages               []StageOutcome         `json:"stages"`
	Success              bool                   `json:"success"`
}

// Context is the per-request execution context. Stages mutate it in
// place; finalization consumes it.
type Context struct {
	Request Request

	Settings quality.Settings

	ProcessedAudio  []float32
	AppliedFilters  []string
	AudioQuality    *AudioQuality
	Realtime        *RealtimeMetrics
	Diarization     *diarization.Result
	BaseTranscript  *Transcript
	Contextual      *ContextualResult
	Fusion          *external.FusionOutcome

	Outcomes []StageOutcome
}

// Audio returns the preprocessed audio when present, else the original.
func (c *Context) Audio() []float32 {
	if len(c.ProcessedAudio) > 0 {
		return c.ProcessedAudio
	}
	return c.Request.Audio
}

// Transcriber is the base ASR capability.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []float32, sampleRate int, language string, settings quality.Settings) (Transcript, error)
}

// AudioFilter is the preprocessing capability.
type AudioFilter interface {
	Preprocess(ctx context.Context, audio []float32, sampleRate int) (processed []float32, metrics AudioQuality, applied []string, err error)
}

// RealtimeAnalyzer inspects live audio characteristics.
type RealtimeAnalyzer interface {
	Analyze(ctx context.Context, audio []float32, sampleRate int) (RealtimeMetrics, error)
}

// ContextualEnhancer refines a base transcript using conversation
// context.
type ContextualEnhancer interface {
	Enhance(ctx context.Context, base Transcript) (ContextualResult, error)
}

// StageProcessor is one atomic, retriable unit of pipeline work.
// Implementations are stateless values holding borrowed capability
// handles; they never call back into their owner.
type StageProcessor interface {
	Stage() Stage
	Dependencies() []Stage
	ValidatePrerequisites(ec *Context) bool
	Run(ctx context.Context, ec *Context) error
}
