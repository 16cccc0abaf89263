// Package config holds the typed configuration for the orchestration core.
// The JSON config file is the single source at init; string parameter maps
// are a serialization detail parsed through FeatureParams.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the top-level configuration loaded by the orchestrator at init.
type Config struct {
	Service          ServiceConfig          `json:"service"`
	Orchestrator     OrchestratorConfig     `json:"orchestrator"`
	Preprocessing    PreprocessingConfig    `json:"preprocessing"`
	RealtimeAnalysis RealtimeAnalysisConfig `json:"realtimeAnalysis"`
	AdaptiveQuality  AdaptiveQualityConfig  `json:"adaptiveQuality"`
	Diarization      DiarizationConfig      `json:"diarization"`
	Contextual       ContextualConfig       `json:"contextual"`
	ExternalServices ExternalServicesConfig `json:"externalServices"`
	Events           EventsConfig           `json:"events"`
	Observability    ObservabilityConfig    `json:"observability"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name     string `json:"name"`
	HTTPPort string `json:"httpPort"`
	ObsPort  string `json:"obsPort"`
}

// OrchestratorConfig bounds request processing.
type OrchestratorConfig struct {
	MaxConcurrentProcessing int     `json:"maxConcurrentProcessing"`
	MaxMemoryUsageMB        int     `json:"maxMemoryUsageMB"`
	MaxProcessingLatencyMs  float64 `json:"maxProcessingLatencyMs"`
	StageTimeoutMs          float64 `json:"stageTimeoutMs"`
	MaxRetryAttempts        int     `json:"maxRetryAttempts"`
	SkipOnFailure           bool    `json:"skipOnFailure"`
}

// PreprocessingConfig enables the audio preprocessing stage.
type PreprocessingConfig struct {
	Enabled bool          `json:"enabled"`
	Params  FeatureParams `json:"params"`
}

// RealtimeAnalysisConfig enables the real-time analysis stage.
type RealtimeAnalysisConfig struct {
	Enabled bool          `json:"enabled"`
	Params  FeatureParams `json:"params"`
}

// AdaptiveQualityConfig drives the adaptation loop.
type AdaptiveQualityConfig struct {
	Enabled              bool          `json:"enabled"`
	Strategy             string        `json:"strategy"` // conservative, balanced, aggressive
	AdaptationIntervalMs int           `json:"adaptationIntervalMs"`
	MonitorIntervalMs    int           `json:"monitorIntervalMs"`
	CPUThreshold         float64       `json:"cpuThreshold"`
	MemoryThreshold      float64       `json:"memoryThreshold"`
	GPUThreshold         float64       `json:"gpuThreshold"`
	MinLevel             string        `json:"minLevel"`
	MaxLevel             string        `json:"maxLevel"`
	PredictiveEnabled    bool          `json:"predictiveEnabled"`
	Params               FeatureParams `json:"params"`
}

// DiarizationConfig drives the speaker diarization engine.
type DiarizationConfig struct {
	Enabled                 bool          `json:"enabled"`
	MaxSpeakers             int           `json:"maxSpeakers"`
	ChangeThreshold         float64       `json:"changeThreshold"`
	IdentificationThreshold float64       `json:"identificationThreshold"`
	ProfileLearningEnabled  bool          `json:"profileLearningEnabled"`
	Params                  FeatureParams `json:"params"`
}

// ContextualConfig enables the contextual enhancement stage.
type ContextualConfig struct {
	Enabled bool          `json:"enabled"`
	Params  FeatureParams `json:"params"`
}

// ExternalServicesConfig drives the external service integrator.
type ExternalServicesConfig struct {
	Enabled            bool               `json:"enabled"`
	FallbackThreshold  float64            `json:"fallbackThreshold"`
	FusionStrategy     string             `json:"fusionStrategy"` // confidence_weighted, majority_vote, best_confidence
	MinServicesForFuse int                `json:"minServicesForFusion"`
	HealthCheckMs      int                `json:"healthCheckIntervalMs"`
	RequestTimeoutMs   int                `json:"requestTimeoutMs"`
	PrivacyMode        bool               `json:"privacyMode"`
	ServiceWeights     map[string]float64 `json:"serviceWeights"`
	Params             FeatureParams      `json:"params"`
}

// EventsConfig holds Kafka publisher configuration.
type EventsConfig struct {
	Enabled         bool     `json:"enabled"`
	Brokers         []string `json:"brokers"`
	TopicTranscript string   `json:"topicTranscript"`
	TopicAdaptation string   `json:"topicAdaptation"`
	Principal       string   `json:"principal"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"` // json, console
}

// Default returns the configuration with the documented defaults applied.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "speech-orchestrator",
			HTTPPort: envOrDefault("HTTP_PORT", "8080"),
			ObsPort:  envOrDefault("OBS_PORT", "9090"),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentProcessing: 4,
			MaxMemoryUsageMB:        2048,
			MaxProcessingLatencyMs:  0, // unset: no per-request deadline
			StageTimeoutMs:          5000,
			MaxRetryAttempts:        2,
			SkipOnFailure:           true,
		},
		Preprocessing:    PreprocessingConfig{Enabled: true},
		RealtimeAnalysis: RealtimeAnalysisConfig{Enabled: true},
		AdaptiveQuality: AdaptiveQualityConfig{
			Enabled:              true,
			Strategy:             "balanced",
			AdaptationIntervalMs: 1000,
			MonitorIntervalMs:    1000,
			CPUThreshold:         0.8,
			MemoryThreshold:      0.8,
			GPUThreshold:         0.8,
			MinLevel:             "ULTRA_LOW",
			MaxLevel:             "ULTRA_HIGH",
			PredictiveEnabled:    true,
		},
		Diarization: DiarizationConfig{
			Enabled:                 false,
			MaxSpeakers:             10,
			ChangeThreshold:         0.7,
			IdentificationThreshold: 0.8,
			ProfileLearningEnabled:  true,
		},
		Contextual: ContextualConfig{Enabled: false},
		ExternalServices: ExternalServicesConfig{
			Enabled:            false,
			FallbackThreshold:  0.5,
			FusionStrategy:     "confidence_weighted",
			MinServicesForFuse: 2,
			HealthCheckMs:      30000,
			RequestTimeoutMs:   10000,
		},
		Events: EventsConfig{
			Enabled:         false,
			TopicTranscript: "speech.transcript.final",
			TopicAdaptation: "speech.quality.adaptation",
			Principal:       "svc-speech-orchestrator",
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

// LoadFile reads a JSON config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// validLevels are the accepted quality level names.
var validLevels = map[string]bool{
	"ULTRA_LOW": true, "LOW": true, "MEDIUM": true, "HIGH": true, "ULTRA_HIGH": true,
}

var validStrategies = map[string]bool{
	"conservative": true, "balanced": true, "aggressive": true,
}

var validFusion = map[string]bool{
	"confidence_weighted": true, "majority_vote": true, "best_confidence": true,
}

// Validate returns every violation found. The orchestrator refuses to
// initialize when the slice is non-empty.
func (c *Config) Validate() []error {
	var errs []error
	if c.Orchestrator.MaxConcurrentProcessing < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.maxConcurrentProcessing must be >= 1, got %d", c.Orchestrator.MaxConcurrentProcessing))
	}
	if c.Orchestrator.StageTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.stageTimeoutMs must be > 0, got %v", c.Orchestrator.StageTimeoutMs))
	}
	if c.Orchestrator.MaxRetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.maxRetryAttempts must be >= 0, got %d", c.Orchestrator.MaxRetryAttempts))
	}
	if !validStrategies[c.AdaptiveQuality.Strategy] {
		errs = append(errs, fmt.Errorf("adaptiveQuality.strategy %q is not one of conservative, balanced, aggressive", c.AdaptiveQuality.Strategy))
	}
	for _, tc := range []struct {
		name string
		v    float64
	}{
		{"adaptiveQuality.cpuThreshold", c.AdaptiveQuality.CPUThreshold},
		{"adaptiveQuality.memoryThreshold", c.AdaptiveQuality.MemoryThreshold},
		{"adaptiveQuality.gpuThreshold", c.AdaptiveQuality.GPUThreshold},
	} {
		if tc.v <= 0 || tc.v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %v", tc.name, tc.v))
		}
	}
	if !validLevels[c.AdaptiveQuality.MinLevel] {
		errs = append(errs, fmt.Errorf("adaptiveQuality.minLevel %q is not a quality level", c.AdaptiveQuality.MinLevel))
	}
	if !validLevels[c.AdaptiveQuality.MaxLevel] {
		errs = append(errs, fmt.Errorf("adaptiveQuality.maxLevel %q is not a quality level", c.AdaptiveQuality.MaxLevel))
	}
	if c.Diarization.ChangeThreshold <= 0 || c.Diarization.ChangeThreshold > 1 {
		errs = append(errs, fmt.Errorf("diarization.changeThreshold must be in (0, 1], got %v", c.Diarization.ChangeThreshold))
	}
	if c.Diarization.IdentificationThreshold <= 0 || c.Diarization.IdentificationThreshold > 1 {
		errs = append(errs, fmt.Errorf("diarization.identificationThreshold must be in (0, 1], got %v", c.Diarization.IdentificationThreshold))
	}
	if c.Diarization.MaxSpeakers < 1 {
		errs = append(errs, fmt.Errorf("diarization.maxSpeakers must be >= 1, got %d", c.Diarization.MaxSpeakers))
	}
	if c.ExternalServices.FallbackThreshold < 0 || c.ExternalServices.FallbackThreshold > 1 {
		errs = append(errs, fmt.Errorf("externalServices.fallbackThreshold must be in [0, 1], got %v", c.ExternalServices.FallbackThreshold))
	}
	if !validFusion[c.ExternalServices.FusionStrategy] {
		errs = append(errs, fmt.Errorf("externalServices.fusionStrategy %q is not a fusion strategy", c.ExternalServices.FusionStrategy))
	}
	if c.ExternalServices.MinServicesForFuse < 2 {
		errs = append(errs, fmt.Errorf("externalServices.minServicesForFusion must be >= 2, got %d", c.ExternalServices.MinServicesForFuse))
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("events.brokers must not be empty when events are enabled"))
	}
	for _, p := range []struct {
		name   string
		params FeatureParams
		known  []string
	}{
		{"preprocessing", c.Preprocessing.Params, knownPreprocessingParams},
		{"realtimeAnalysis", c.RealtimeAnalysis.Params, knownRealtimeParams},
		{"adaptiveQuality", c.AdaptiveQuality.Params, knownAdaptiveParams},
		{"diarization", c.Diarization.Params, knownDiarizationParams},
		{"contextual", c.Contextual.Params, knownContextualParams},
		{"externalServices", c.ExternalServices.Params, knownExternalParams},
	} {
		for _, key := range p.params.UnknownKeys(p.known) {
			errs = append(errs, fmt.Errorf("%s.params: unknown key %q", p.name, key))
		}
	}
	return errs
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
