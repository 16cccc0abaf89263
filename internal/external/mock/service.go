// Package mock provides a deterministic in-memory transcription service
// for tests that need scripted results, latency, and health behavior.
package mock

import (
	"context"
	"sync"
	"time"

	"speech-orchestrator/internal/external"
)

// Step scripts one Transcribe call.
type Step struct {
	Result external.Result
	Err    error
}

// Service implements external.Transcriber with scripted behavior. The
// script is consumed one step per call; the final step repeats.
type Service struct {
	ServiceName string
	ServiceType external.ServiceType
	Script      []Step
	Latency     time.Duration
	HealthErr   error
	RateLimited bool

	mu    sync.Mutex
	calls int
}

// New returns a local mock service with a single scripted result.
func New(name string, text string, confidence float64) *Service {
	return &Service{
		ServiceName: name,
		ServiceType: external.TypeLocal,
		Script:      []Step{{Result: external.Result{Text: text, Confidence: confidence}}},
	}
}

// Name implements external.Transcriber.
func (s *Service) Name() string { return s.ServiceName }

// Type implements external.Transcriber.
func (s *Service) Type() external.ServiceType { return s.ServiceType }

// Transcribe implements external.Transcriber.
func (s *Service) Transcribe(ctx context.Context, audio []float32, sampleRate int, language string) (external.Result, error) {
	s.mu.Lock()
	step := Step{}
	if len(s.Script) > 0 {
		idx := s.calls
		if idx >= len(s.Script) {
			idx = len(s.Script) - 1
		}
		step = s.Script[idx]
	}
	s.calls++
	latency := s.Latency
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return external.Result{}, ctx.Err()
		}
	}
	if step.Err != nil {
		return external.Result{}, step.Err
	}
	res := step.Result
	res.Language = language
	return res, nil
}

// CheckHealth implements external.Transcriber.
func (s *Service) CheckHealth(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.HealthErr
}

// RateLimitStatus implements external.Transcriber.
func (s *Service) RateLimitStatus() external.RateLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return external.RateLimit{Limited: s.RateLimited}
}

// Calls reports how many Transcribe calls the service has served.
func (s *Service) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SetHealthErr updates the scripted health-check outcome.
func (s *Service) SetHealthErr(err error) {
	s.mu.Lock()
	s.HealthErr = err
	s.mu.Unlock()
}

// SetRateLimited updates the scripted rate-limit posture.
func (s *Service) SetRateLimited(limited bool) {
	s.mu.Lock()
	s.RateLimited = limited
	s.mu.Unlock()
}
