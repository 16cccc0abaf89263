// Package diarization segments audio by speaker, maintains speaker
// profiles, and serves both batch and streaming callers.
package diarization

import "errors"

const (
	// streamBufferMs bounds the rolling buffer of a streaming session.
	streamBufferMs = 1000
	// minAudioMs is the shortest audio accepted for batch processing.
	minAudioMs = 100
	// maxSampleRate is the highest accepted sample rate.
	maxSampleRate = 48000

	// profileLearningRate is the EMA rate for reference embeddings.
	profileLearningRate = 0.1
	// tieEpsilon bounds the similarity band treated as a tie.
	tieEpsilon = 0.01
	// newClusterConfidence is assigned when a segment opens a new cluster.
	newClusterConfidence = 0.8
)

// Validation errors.
var (
	ErrEmptyAudio         = errors.New("audio is empty")
	ErrInvalidSampleRate  = errors.New("sample rate out of range")
	ErrAudioTooShort      = errors.New("audio shorter than minimum duration")
	ErrDuplicateUtterance = errors.New("utterance id already streaming")
	ErrUnknownUtterance   = errors.New("unknown utterance id")
)

// Profile is a learned speaker identity. ReferenceEmbedding stays
// unit-norm across updates.
type Profile struct {
	SpeakerID          uint32    `json:"speakerId"`
	Label              string    `json:"label"`
	ReferenceEmbedding []float32 `json:"referenceEmbedding"`
	Confidence         float64   `json:"confidence"`
	UtteranceCount     int       `json:"utteranceCount"`
}

// Segment attributes one time interval to one speaker. Immutable after
// emission.
type Segment struct {
	SpeakerID  uint32    `json:"speakerId"`
	Label      string    `json:"label"`
	StartMs    int64     `json:"startMs"`
	EndMs      int64     `json:"endMs"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"-"`
}

// Result is the outcome of one batch run or one finished stream.
type Result struct {
	Segments      []Segment `json:"segments"`
	TotalSpeakers int       `json:"totalSpeakers"`
	Confidence    float64   `json:"confidence"`
	DurationMs    int64     `json:"durationMs"`
}

// Stats is the engine's processing statistics document.
type Stats struct {
	ProcessedSegments int     `json:"processedSegments"`
	KnownSpeakers     int     `json:"knownSpeakers"`
	MeanConfidence    float64 `json:"meanConfidence"`
	ActiveSessions    int     `json:"activeSessions"`
	LearningEvents    int     `json:"learningEvents"`
}

// assembleResult computes the aggregate fields from emitted segments.
func assembleResult(segments []Segment, durationMs int64) Result {
	unique := map[uint32]struct{}{}
	total := 0.0
	for _, s := range segments {
		unique[s.SpeakerID] = struct{}{}
		total += s.Confidence
	}
	confidence := 0.0
	if len(segments) > 0 {
		confidence = total / float64(len(segments))
	}
	return Result{
		Segments:      segments,
		TotalSpeakers: len(unique),
		Confidence:    confidence,
		DurationMs:    durationMs,
	}
}
