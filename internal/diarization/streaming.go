package diarization

import "fmt"

// sessionState is the lifecycle state of one streaming utterance.
type sessionState int

const (
	sessionIdle sessionState = iota
	sessionActive
	sessionFinished
	sessionCancelled
)

// String returns the state name.
func (s sessionState) String() string {
	switch s {
	case sessionIdle:
		return "IDLE"
	case sessionActive:
		return "ACTIVE"
	case sessionFinished:
		return "FINISHED"
	case sessionCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// session is the per-utterance streaming state. Owned by the engine;
// never escapes it.
type session struct {
	utteranceID uint32
	state       sessionState

	buffer     []float32
	sampleRate int
	elapsedMs  int64

	segments          []Segment
	currentSpeaker    uint32
	currentConfidence float64
	lastChangeMs      int64
}

// StartStream opens a streaming session. Duplicate ids are rejected and
// the existing session is left untouched.
func (e *Engine) StartStream(utteranceID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[utteranceID]; ok && s.state == sessionActive {
		return fmt.Errorf("%w: %d", ErrDuplicateUtterance, utteranceID)
	}
	e.sessions[utteranceID] = &session{
		utteranceID: utteranceID,
		state:       sessionActive,
	}
	e.metrics.DiarizationSessions.Set(float64(e.activeSessionsLocked()))
	e.log.Debug().Uint32("utterance", utteranceID).Msg("streaming session opened")
	return nil
}

// AddChunk appends audio to the session buffer, attributes the chunk to
// a speaker, and emits a closed segment when the speaker changes.
// Returns false for unknown, finished, or cancelled sessions and for
// unusable chunks; the session state is unchanged in those cases.
func (e *Engine) AddChunk(utteranceID uint32, audio []float32, sampleRate int) bool {
	if len(audio) == 0 || sampleRate <= 0 || sampleRate > maxSampleRate {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[utteranceID]
	if !ok || s.state != sessionActive {
		return false
	}

	s.sampleRate = sampleRate
	s.buffer = append(s.buffer, audio...)
	maxSamples := streamBufferMs * sampleRate / 1000
	if len(s.buffer) > maxSamples {
		s.buffer = s.buffer[len(s.buffer)-maxSamples:]
	}

	chunkMs := int64(len(audio)) * 1000 / int64(sampleRate)
	nowMs := s.elapsedMs + chunkMs

	emb := e.embedder.Embed(audio, sampleRate)
	id, confidence := e.assignLocked(emb)

	if s.currentSpeaker == 0 {
		s.currentSpeaker = id
		s.currentConfidence = confidence
	} else if id != s.currentSpeaker {
		e.emitLocked(s, s.elapsedMs)
		s.currentSpeaker = id
		s.currentConfidence = confidence
		s.lastChangeMs = s.elapsedMs
	} else if confidence > s.currentConfidence {
		s.currentConfidence = confidence
	}

	s.elapsedMs = nowMs
	return true
}

// emitLocked closes the open segment [lastChangeMs, endMs).
func (e *Engine) emitLocked(s *session, endMs int64) {
	if endMs <= s.lastChangeMs || s.currentSpeaker == 0 {
		return
	}
	seg := Segment{
		SpeakerID:  s.currentSpeaker,
		StartMs:    s.lastChangeMs,
		EndMs:      endMs,
		Confidence: s.currentConfidence,
	}
	if p, ok := e.profiles[s.currentSpeaker]; ok {
		seg.Label = p.Label
	}
	s.segments = append(s.segments, seg)
}

// CurrentSpeaker reports the open segment of a live session. The second
// return is false when the session is unknown or not active, or no
// audio has arrived yet.
func (e *Engine) CurrentSpeaker(utteranceID uint32) (Segment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[utteranceID]
	if !ok || s.state != sessionActive || s.currentSpeaker == 0 {
		return Segment{}, false
	}
	seg := Segment{
		SpeakerID:  s.currentSpeaker,
		StartMs:    s.lastChangeMs,
		EndMs:      s.elapsedMs,
		Confidence: s.currentConfidence,
	}
	if p, ok := e.profiles[s.currentSpeaker]; ok {
		seg.Label = p.Label
	}
	return seg, true
}

// FinishStream closes the final segment, assembles the result, and
// drops the session state.
func (e *Engine) FinishStream(utteranceID uint32) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[utteranceID]
	if !ok || s.state != sessionActive {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownUtterance, utteranceID)
	}

	e.emitLocked(s, s.elapsedMs)
	s.state = sessionFinished
	delete(e.sessions, utteranceID)
	e.metrics.DiarizationSessions.Set(float64(e.activeSessionsLocked()))

	e.recordSegmentsLocked(s.segments)
	e.log.Debug().Uint32("utterance", utteranceID).
		Int("segments", len(s.segments)).Msg("streaming session finished")
	return assembleResult(s.segments, s.elapsedMs), nil
}

// CancelStream drops the session. Subsequent AddChunk calls for the id
// return false. Idempotent for unknown ids.
func (e *Engine) CancelStream(utteranceID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[utteranceID]; !ok {
		return
	}
	delete(e.sessions, utteranceID)
	e.metrics.DiarizationSessions.Set(float64(e.activeSessionsLocked()))
	e.log.Debug().Uint32("utterance", utteranceID).Msg("streaming session cancelled")
}

func (e *Engine) activeSessionsLocked() int {
	n := 0
	for _, s := range e.sessions {
		if s.state == sessionActive {
			n++
		}
	}
	return n
}
