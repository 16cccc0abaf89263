package quality

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"speech-orchestrator/internal/observability/logging"
	"speech-orchestrator/internal/resource"
)

const adaptationHistoryCap = 200

// Strategy selects the trigger table used by the adaptation engine.
type Strategy int

const (
	Conservative Strategy = iota
	Balanced
	Aggressive
)

func (s Strategy) String() string {
	return [...]string{"conservative", "balanced", "aggressive"}[s]
}

// ParseStrategy converts a config name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "conservative":
		return Conservative, nil
	case "balanced":
		return Balanced, nil
	case "aggressive":
		return Aggressive, nil
	}
	return Balanced, fmt.Errorf("unknown adaptation strategy %q", name)
}

// direction is the outcome of the strategy trigger table.
type direction int

const (
	hold direction = iota
	down
	up
)

// AdaptationStep records one committed adaptation.
type AdaptationStep struct {
	Resources resource.Snapshot
	Adapted   Settings
}

// Recommender supplies a predictive level hint; wired to the predictor's
// recommendation when predictive adaptation is enabled.
type Recommender func(res resource.Snapshot, pending int) Level

// AdaptationEngine derives new quality settings from the current state.
// Adaptation is deterministic for a given (current, resources, pending,
// strategy) tuple and moves the level by at most one notch per step.
type AdaptationEngine struct {
	mu sync.Mutex

	strategy    Strategy
	minLevel    Level
	maxLevel    Level
	predictive  bool
	recommender Recommender

	history []AdaptationStep

	log zerolog.Logger
}

// NewAdaptationEngine creates an engine with the balanced strategy and
// unbounded level range.
func NewAdaptationEngine() *AdaptationEngine {
	return &AdaptationEngine{
		strategy: Balanced,
		minLevel: UltraLow,
		maxLevel: UltraHigh,
		log:      logging.WithComponent("adaptation-engine"),
	}
}

// SetStrategy switches the trigger table.
func (e *AdaptationEngine) SetStrategy(name string) error {
	s, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
	return nil
}

// SetBounds sets the hard level limits for adaptation.
func (e *AdaptationEngine) SetBounds(min, max Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if min > max {
		min, max = max, min
	}
	e.minLevel = min
	e.maxLevel = max
}

// SetPredictiveEnabled toggles the predictive recommendation nudge.
func (e *AdaptationEngine) SetPredictiveEnabled(enabled bool) {
	e.mu.Lock()
	e.predictive = enabled
	e.mu.Unlock()
}

// SetRecommender installs the predictive level source.
func (e *AdaptationEngine) SetRecommender(r Recommender) {
	e.mu.Lock()
	e.recommender = r
	e.mu.Unlock()
}

// decide applies the strategy trigger table.
func (e *AdaptationEngine) decide(res resource.Snapshot, pending int) direction {
	switch e.strategy {
	case Conservative:
		if res.CPUUsage > 0.9 || res.MemoryUsage > 0.9 {
			return down
		}
		return hold
	case Aggressive:
		if res.CPUUsage > 0.7 || res.MemoryUsage > 0.7 || pending > 2 {
			return down
		}
		if res.CPUUsage < 0.4 && res.MemoryUsage < 0.4 && pending <= 1 {
			return up
		}
		return hold
	default: // Balanced
		if res.Constrained || pending > 4 {
			return down
		}
		if res.CPUUsage < 0.5 && res.MemoryUsage < 0.5 && pending <= 1 {
			return up
		}
		return hold
	}
}

// Adapt derives new settings from the current ones. The level moves at
// most one notch and stays within the configured bounds.
func (e *AdaptationEngine) Adapt(current Settings, res resource.Snapshot, pending int) Settings {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := e.decide(res, pending)

	// Predictive nudge: when no trigger fires and the recommendation is
	// at least two notches away, move one notch toward it.
	if dir == hold && e.predictive && e.recommender != nil {
		rec := e.recommender(res, pending)
		if rec >= current.Level+2 {
			dir = up
		} else if rec <= current.Level-2 {
			dir = down
		}
	}

	next := current
	switch dir {
	case down:
		next.Level = (current.Level - 1).Clamp(e.minLevel, e.maxLevel)
		if next.ThreadCount > 1 {
			next.ThreadCount = current.ThreadCount - 1
		}
	case up:
		next.Level = (current.Level + 1).Clamp(e.minLevel, e.maxLevel)
		if next.ThreadCount < 8 {
			next.ThreadCount = current.ThreadCount + 1
		}
	default:
		next.Level = current.Level.Clamp(e.minLevel, e.maxLevel)
	}

	next.GPUEnabled = res.GPUUsage < 0.7
	next.ConfidenceThreshold = ConfidenceThresholdFor(next.Level)

	// Buffer size reacts to memory pressure only.
	if res.MemoryUsage > 0.8 {
		next.MaxBufferSize = maxInt(256, current.MaxBufferSize/2)
	} else if res.MemoryUsage < 0.3 {
		next.MaxBufferSize = minInt(4096, current.MaxBufferSize*2)
	}

	if e.strategy == Aggressive && res.Constrained {
		next.Quantization = Quantization{Enabled: true, Level: "int8"}
	}

	e.history = append(e.history, AdaptationStep{Resources: res, Adapted: next})
	if len(e.history) > adaptationHistoryCap {
		e.history = e.history[len(e.history)-adaptationHistoryCap:]
	}

	return next
}

// History returns the last n adaptation steps, oldest first.
func (e *AdaptationEngine) History(n int) []AdaptationStep {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.history) {
		n = len(e.history)
	}
	out := make([]AdaptationStep, n)
	copy(out, e.history[len(e.history)-n:])
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
