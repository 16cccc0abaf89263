// Package quality implements the closed-loop adaptive quality controller:
// quality levels and settings, the latency/accuracy predictor, the
// adaptation engine, and the manager that runs the adaptation loop.
package quality

import "fmt"

// Level is the ordinal latency/accuracy trade-off knob. Higher levels
// trade latency for accuracy.
type Level int

const (
	UltraLow Level = iota
	Low
	Medium
	High
	UltraHigh
)

// levelNames is indexed by Level.
var levelNames = [...]string{"ULTRA_LOW", "LOW", "MEDIUM", "HIGH", "ULTRA_HIGH"}

// String returns the canonical level name.
func (l Level) String() string {
	if l < UltraLow || l > UltraHigh {
		return fmt.Sprintf("UNKNOWN(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel converts a canonical name back to a Level.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	return Medium, fmt.Errorf("unknown quality level %q", s)
}

// Clamp bounds l to [min, max].
func (l Level) Clamp(min, max Level) Level {
	if l < min {
		return min
	}
	if l > max {
		return max
	}
	return l
}

// Quantization describes model quantization settings.
type Quantization struct {
	Enabled bool   `json:"enabled"`
	Level   string `json:"level"` // e.g. "int8"
}

// Settings is the decision variable of the adaptation loop.
type Settings struct {
	Level                Level        `json:"level"`
	ThreadCount          int          `json:"threadCount"` // 1..8
	GPUEnabled           bool         `json:"gpuEnabled"`
	ConfidenceThreshold  float64      `json:"confidenceThreshold"` // 0..1
	PreprocessingEnabled bool         `json:"preprocessingEnabled"`
	MaxBufferSize        int          `json:"maxBufferSize"` // 256..4096
	Quantization         Quantization `json:"quantization"`
	Temperature          float64      `json:"temperature"`
	MaxTokens            int          `json:"maxTokens"`
}

// Per-level default tables. Confidence thresholds are monotone
// nondecreasing with level.
var (
	defaultThreads    = [...]int{1, 2, 4, 6, 8}
	defaultConfidence = [...]float64{0.30, 0.40, 0.50, 0.60, 0.70}
	defaultBuffers    = [...]int{256, 512, 1024, 2048, 4096}
	defaultMaxTokens  = [...]int{64, 128, 224, 320, 448}
)

// ConfidenceThresholdFor returns the default confidence threshold for a
// level under the default policy.
func ConfidenceThresholdFor(l Level) float64 {
	return defaultConfidence[l.Clamp(UltraLow, UltraHigh)]
}

// DefaultSettingsFor returns the stock settings for a level.
func DefaultSettingsFor(l Level) Settings {
	l = l.Clamp(UltraLow, UltraHigh)
	return Settings{
		Level:                l,
		ThreadCount:          defaultThreads[l],
		GPUEnabled:           l >= High,
		ConfidenceThreshold:  defaultConfidence[l],
		PreprocessingEnabled: l >= Low,
		MaxBufferSize:        defaultBuffers[l],
		Quantization:         Quantization{Enabled: l <= Low, Level: "int8"},
		Temperature:          0.0,
		MaxTokens:            defaultMaxTokens[l],
	}
}
