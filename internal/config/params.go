package config

import (
	"sort"
	"strconv"
)

// FeatureParams is the string-encoded parameter map carried in config files.
// Values are parsed on read; invalid values fall back to the supplied default.
type FeatureParams map[string]string

// Known parameter keys per feature. Anything else is a validation error.
var (
	knownPreprocessingParams = []string{"noiseReduction", "autoGainControl", "echoCancellation", "highPassHz"}
	knownRealtimeParams      = []string{"windowMs", "clippingThreshold", "snrFloorDb"}
	knownAdaptiveParams      = []string{"historySize", "retrainMinSamples", "retrainIntervalMin"}
	knownDiarizationParams   = []string{"streamBufferMs", "minAudioMs", "embeddingDim"}
	knownContextualParams    = []string{"domainHint", "maxCorrections"}
	knownExternalParams      = []string{"maxParallelCalls", "costAlertDaily"}
)

// GetString returns the verbatim value, or def when absent.
func (p FeatureParams) GetString(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// GetBool parses "true"/"false"/"1"/"0"; invalid values return def.
func (p FeatureParams) GetBool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch v {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}

// GetInt parses a decimal integer; invalid values return def.
func (p FeatureParams) GetInt(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetFloat parses a decimal float; invalid values return def.
func (p FeatureParams) GetFloat(key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// UnknownKeys returns the keys not present in known, sorted for stable
// validation output.
func (p FeatureParams) UnknownKeys(known []string) []string {
	knownSet := make(map[string]bool, len(known))
	for _, k := range known {
		knownSet[k] = true
	}
	var unknown []string
	for k := range p {
		if !knownSet[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}
