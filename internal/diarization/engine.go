package diarization

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/observability/logging"
	"speech-orchestrator/internal/observability/metrics"
)

// Engine performs batch and streaming speaker diarization over a shared
// profile table. One engine serves unlimited concurrent utterances;
// operations on a single utterance id are serialized.
type Engine struct {
	mu sync.Mutex

	embedder EmbeddingExtractor
	detector ChangeDetector

	maxSpeakers     int
	changeThreshold float64
	identThreshold  float64
	learningEnabled bool

	profiles      map[uint32]*Profile
	nextSpeakerID uint32

	sessions map[uint32]*session

	processedSegments int
	confidenceSum     float64
	learningEvents    int

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewEngine builds an engine from config with the default in-process
// models. Use SetEmbedder/SetDetector to plug in real models.
func NewEngine(cfg config.DiarizationConfig) *Engine {
	maxSpeakers := cfg.MaxSpeakers
	if maxSpeakers <= 0 {
		maxSpeakers = 10
	}
	return &Engine{
		embedder:        NewSpectralEmbedder(),
		detector:        NewEnergyChangeDetector(cfg.ChangeThreshold),
		maxSpeakers:     maxSpeakers,
		changeThreshold: cfg.ChangeThreshold,
		identThreshold:  cfg.IdentificationThreshold,
		learningEnabled: cfg.ProfileLearningEnabled,
		profiles:        map[uint32]*Profile{},
		nextSpeakerID:   1,
		sessions:        map[uint32]*session{},
		metrics:         metrics.DefaultMetrics,
		log:             logging.WithComponent("diarization-engine"),
	}
}

// SetEmbedder replaces the embedding model.
func (e *Engine) SetEmbedder(m EmbeddingExtractor) {
	e.mu.Lock()
	e.embedder = m
	e.mu.Unlock()
}

// SetDetector replaces the change-detection model.
func (e *Engine) SetDetector(d ChangeDetector) {
	e.mu.Lock()
	e.detector = d
	e.mu.Unlock()
}

// SetMaxSpeakers caps the profile table for future assignments.
func (e *Engine) SetMaxSpeakers(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	e.maxSpeakers = n
	e.mu.Unlock()
}

func validate(audio []float32, sampleRate int) error {
	if len(audio) == 0 {
		return ErrEmptyAudio
	}
	if sampleRate <= 0 || sampleRate > maxSampleRate {
		return fmt.Errorf("%w: %d", ErrInvalidSampleRate, sampleRate)
	}
	if int64(len(audio))*1000/int64(sampleRate) < minAudioMs {
		return fmt.Errorf("%w: %d samples at %d Hz", ErrAudioTooShort, len(audio), sampleRate)
	}
	return nil
}

// Process diarizes a complete recording: change detection, per-segment
// embedding, speaker assignment, profile learning, aggregation.
func (e *Engine) Process(audio []float32, sampleRate int) (Result, error) {
	if err := validate(audio, sampleRate); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	durationMs := int64(len(audio)) * 1000 / int64(sampleRate)
	boundaries := append([]int64{0}, e.detector.Changes(audio, sampleRate)...)
	boundaries = append(boundaries, durationMs)

	var segments []Segment
	for i := 1; i < len(boundaries); i++ {
		startMs, endMs := boundaries[i-1], boundaries[i]
		if endMs <= startMs {
			continue
		}
		lo := int(startMs * int64(sampleRate) / 1000)
		hi := int(endMs * int64(sampleRate) / 1000)
		if hi > len(audio) {
			hi = len(audio)
		}
		emb := e.embedder.Embed(audio[lo:hi], sampleRate)
		id, confidence := e.assignLocked(emb)
		segments = append(segments, Segment{
			SpeakerID:  id,
			Label:      e.profiles[id].Label,
			StartMs:    startMs,
			EndMs:      endMs,
			Confidence: confidence,
			Embedding:  emb,
		})
	}

	e.recordSegmentsLocked(segments)
	return assembleResult(segments, durationMs), nil
}

// assignLocked maps an embedding to a speaker id: profile identification
// first, then nearest-cluster assignment within the change radius, then
// a fresh profile while the table has room.
func (e *Engine) assignLocked(emb []float32) (uint32, float64) {
	best, bestSim := e.nearestLocked(emb)

	if best != nil && float64(bestSim) >= e.identThreshold {
		e.learnLocked(best, emb, float64(bestSim))
		return best.SpeakerID, float64(bestSim)
	}

	// Cluster radius in cosine distance.
	if best != nil && 1-float64(bestSim) <= e.changeThreshold {
		e.learnLocked(best, emb, float64(bestSim))
		return best.SpeakerID, float64(bestSim)
	}

	if len(e.profiles) < e.maxSpeakers {
		p := e.createProfileLocked(emb)
		return p.SpeakerID, newClusterConfidence
	}

	// Table full: force-assign the nearest profile.
	if best != nil {
		e.learnLocked(best, emb, float64(bestSim))
		return best.SpeakerID, float64(bestSim)
	}
	p := e.createProfileLocked(emb)
	return p.SpeakerID, newClusterConfidence
}

// nearestLocked finds the most similar profile, breaking near-ties
// (within tieEpsilon) by larger utterance count, then smaller id.
func (e *Engine) nearestLocked(emb []float32) (*Profile, float32) {
	if len(e.profiles) == 0 {
		return nil, 0
	}

	sims := make(map[uint32]float32, len(e.profiles))
	var maxSim float32 = -1
	for id, p := range e.profiles {
		sim := CosineSimilarity(emb, p.ReferenceEmbedding)
		sims[id] = sim
		if sim > maxSim {
			maxSim = sim
		}
	}

	var best *Profile
	for id, p := range e.profiles {
		if float64(sims[id]) < float64(maxSim)-tieEpsilon {
			continue
		}
		if best == nil ||
			p.UtteranceCount > best.UtteranceCount ||
			(p.UtteranceCount == best.UtteranceCount && p.SpeakerID < best.SpeakerID) {
			best = p
		}
	}
	return best, maxSim
}

func (e *Engine) createProfileLocked(emb []float32) *Profile {
	ref := make([]float32, len(emb))
	copy(ref, emb)
	p := &Profile{
		SpeakerID:          e.nextSpeakerID,
		Label:              fmt.Sprintf("speaker_%d", e.nextSpeakerID),
		ReferenceEmbedding: unitNorm(ref),
		Confidence:         newClusterConfidence,
		UtteranceCount:     1,
	}
	e.nextSpeakerID++
	e.profiles[p.SpeakerID] = p
	e.metrics.SpeakerProfiles.Set(float64(len(e.profiles)))
	return p
}

// learnLocked folds the embedding into the profile by EMA and keeps the
// reference unit-norm.
func (e *Engine) learnLocked(p *Profile, emb []float32, sim float64) {
	p.UtteranceCount++
	if !e.learningEnabled || len(emb) != len(p.ReferenceEmbedding) {
		return
	}
	for i := range p.ReferenceEmbedding {
		p.ReferenceEmbedding[i] = float32(1-profileLearningRate)*p.ReferenceEmbedding[i] +
			float32(profileLearningRate)*emb[i]
	}
	unitNorm(p.ReferenceEmbedding)
	p.Confidence = (1-profileLearningRate)*p.Confidence + profileLearningRate*sim
	e.learningEvents++
}

func (e *Engine) recordSegmentsLocked(segments []Segment) {
	for _, s := range segments {
		e.processedSegments++
		e.confidenceSum += s.Confidence
	}
	e.metrics.SpeakerSegments.Add(float64(len(segments)))
}

// AddProfile registers an externally supplied profile. The embedding is
// copied and normalized. Returns the assigned speaker id.
func (e *Engine) AddProfile(label string, embedding []float32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.createProfileLocked(embedding)
	if label != "" {
		p.Label = label
	}
	return p.SpeakerID
}

// RemoveProfile drops a profile. Returns false when the id is unknown.
func (e *Engine) RemoveProfile(id uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.profiles[id]; !ok {
		return false
	}
	delete(e.profiles, id)
	e.metrics.SpeakerProfiles.Set(float64(len(e.profiles)))
	return true
}

// Profiles returns a copy of the profile table, for inspection.
func (e *Engine) Profiles() []Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Profile, 0, len(e.profiles))
	for _, p := range e.profiles {
		cp := *p
		cp.ReferenceEmbedding = append([]float32(nil), p.ReferenceEmbedding...)
		out = append(out, cp)
	}
	return out
}

// ClearProfiles empties the profile table. Speaker ids are not reused.
func (e *Engine) ClearProfiles() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles = map[uint32]*Profile{}
	e.metrics.SpeakerProfiles.Set(0)
}

// Reset drops all profiles, sessions, and statistics.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles = map[uint32]*Profile{}
	e.sessions = map[uint32]*session{}
	e.nextSpeakerID = 1
	e.processedSegments = 0
	e.confidenceSum = 0
	e.learningEvents = 0
	e.metrics.SpeakerProfiles.Set(0)
	e.metrics.DiarizationSessions.Set(0)
}

// Stats returns the engine's processing statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	mean := 0.0
	if e.processedSegments > 0 {
		mean = e.confidenceSum / float64(e.processedSegments)
	}
	active := 0
	for _, s := range e.sessions {
		if s.state == sessionActive {
			active++
		}
	}
	return Stats{
		ProcessedSegments: e.processedSegments,
		KnownSpeakers:     len(e.profiles),
		MeanConfidence:    mean,
		ActiveSessions:    active,
		LearningEvents:    e.learningEvents,
	}
}
