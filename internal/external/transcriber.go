// Package external integrates remote transcription services: ordered
// fallback, parallel fusion, health monitoring, and usage accounting.
package external

import (
	"context"
	"errors"
	"time"
)

// ServiceType classifies where a service runs. Privacy mode admits only
// local services.
type ServiceType int

const (
	TypeLocal ServiceType = iota
	TypeCloud
)

// String returns the type name.
func (t ServiceType) String() string {
	if t == TypeLocal {
		return "local"
	}
	return "cloud"
}

// Result is one service's transcription outcome.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Service    string  `json:"service"`
	LatencyMs  float64 `json:"latencyMs"`
}

// RateLimit reports a service's current rate-limit posture.
type RateLimit struct {
	Limited   bool      `json:"limited"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Transcriber is the capability contract for one external service.
type Transcriber interface {
	Name() string
	Type() ServiceType
	Transcribe(ctx context.Context, audio []float32, sampleRate int, language string) (Result, error)
	CheckHealth(ctx context.Context) error
	RateLimitStatus() RateLimit
}

// Integration errors.
var (
	ErrPrivacyViolation  = errors.New("privacy mode admits only local services")
	ErrDuplicateService  = errors.New("service already registered")
	ErrUnknownService    = errors.New("unknown service")
	ErrNotEnoughServices = errors.New("not enough healthy services for fusion")
	ErrNoPreferred       = errors.New("no preferred services given")
)

// FallbackOutcome is the result of an ordered fallback attempt.
type FallbackOutcome struct {
	Result       Result `json:"result"`
	Method       string `json:"method"` // fallback_success, fallback_failed
	ServicesUsed int    `json:"servicesUsed"`
}

// FusionOutcome is the result of a parallel fusion run.
type FusionOutcome struct {
	Result       Result   `json:"result"`
	Method       string   `json:"method"` // the fusion strategy name
	Sources      []Result `json:"sources"`
	ServicesUsed int      `json:"servicesUsed"`
}
