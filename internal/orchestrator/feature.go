package orchestrator

import (
	"fmt"

	"speech-orchestrator/internal/pipeline"
)

// Feature identifies one optional processing capability.
type Feature int

const (
	FeaturePreprocessing Feature = iota
	FeatureRealtimeAnalysis
	FeatureQualityAdaptation
	FeatureDiarization
	FeatureContextual
	FeatureExternalServices
)

var featureNames = [...]string{
	"preprocessing",
	"realtime_analysis",
	"quality_adaptation",
	"diarization",
	"contextual",
	"external_services",
}

// AllFeatures lists every optional feature in declaration order.
var AllFeatures = []Feature{
	FeaturePreprocessing,
	FeatureRealtimeAnalysis,
	FeatureQualityAdaptation,
	FeatureDiarization,
	FeatureContextual,
	FeatureExternalServices,
}

func (f Feature) String() string {
	if f < FeaturePreprocessing || f > FeatureExternalServices {
		return fmt.Sprintf("UNKNOWN(%d)", int(f))
	}
	return featureNames[f]
}

// featureForStage maps a stage to the feature guarding it; core stages
// map to no feature.
func featureForStage(s pipeline.Stage) (Feature, bool) {
	switch s {
	case pipeline.StagePreprocess:
		return FeaturePreprocessing, true
	case pipeline.StageAnalyze:
		return FeatureRealtimeAnalysis, true
	case pipeline.StageAdapt:
		return FeatureQualityAdaptation, true
	case pipeline.StageDiarize:
		return FeatureDiarization, true
	case pipeline.StageContextual:
		return FeatureContextual, true
	case pipeline.StageFuse:
		return FeatureExternalServices, true
	default:
		return 0, false
	}
}

// FeatureState is the health state of one feature.
type FeatureState int

const (
	StateDisabled FeatureState = iota
	StateEnabledHealthy
	StateEnabledDegraded
	StateFailed
)

var featureStateNames = [...]string{
	"DISABLED",
	"ENABLED_HEALTHY",
	"ENABLED_DEGRADED",
	"FAILED",
}

func (s FeatureState) String() string {
	if s < StateDisabled || s > StateFailed {
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
	return featureStateNames[s]
}

// featureEntry tracks one feature's state and its last recorded error.
type featureEntry struct {
	state     FeatureState
	lastError string
}
