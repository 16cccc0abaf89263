package quality

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-orchestrator/internal/observability/logging"
	"speech-orchestrator/internal/resource"
)

const (
	benchmarkRingCap   = 1000
	retrainMinSamples  = 10
	retrainMinInterval = 10 * time.Minute
	lowDataThreshold   = 50
	numFeatures        = 9
)

// Prediction is the predictor's estimate for one request.
type Prediction struct {
	LatencyMs        float64 `json:"latencyMs"`
	Accuracy         float64 `json:"accuracy"`
	Confidence       float64 `json:"confidence"`
	RecommendedLevel Level   `json:"recommendedLevel"`
	Reasoning        string  `json:"reasoning"`
}

// fallbackPrediction is returned when prediction cannot proceed.
func fallbackPrediction() Prediction {
	return Prediction{
		LatencyMs:        1500,
		Accuracy:         0.8,
		Confidence:       0.5,
		RecommendedLevel: Medium,
		Reasoning:        "fallback",
	}
}

// BenchmarkRecord is one observed outcome used for training.
type BenchmarkRecord struct {
	Settings    Settings          `json:"settings"`
	Resources   resource.Snapshot `json:"resources"`
	AudioLength int               `json:"audioLength"`
	LatencyMs   float64           `json:"latencyMs"`
	Accuracy    float64           `json:"accuracy"`
	Timestamp   time.Time         `json:"timestamp"`
}

// model holds the linear coefficients for latency and accuracy over
// normalized features, plus the normalization bounds.
type model struct {
	LatencyCoeffs  [numFeatures]float64 `json:"latencyCoeffs"`
	LatencyBase    float64              `json:"latencyBase"`
	AccuracyCoeffs [numFeatures]float64 `json:"accuracyCoeffs"`
	AccuracyBase   float64              `json:"accuracyBase"`
	FeatureMin     [numFeatures]float64 `json:"featureMin"`
	FeatureMax     [numFeatures]float64 `json:"featureMax"`
}

// seedModel is the hand-tuned starting point used until enough outcomes
// have been recorded to fit from data.
func seedModel() model {
	m := model{
		LatencyCoeffs:  [numFeatures]float64{400, 200, -100, 600, -150, 800, -200, 50, 50},
		LatencyBase:    100,
		AccuracyCoeffs: [numFeatures]float64{-0.05, -0.03, 0, 0.10, 0.01, 0, 0.02, 0.02, 0},
		AccuracyBase:   0.85,
	}
	// Raw feature bounds: cpu, mem, gpu in [0,1]; level 0..4; threads 1..8;
	// audio length up to 30 s at 16 kHz; flags 0/1; buffer 256..4096.
	m.FeatureMin = [numFeatures]float64{0, 0, 0, 0, 1, 0, 0, 0, 256}
	m.FeatureMax = [numFeatures]float64{1, 1, 1, 4, 8, 480000, 1, 1, 4096}
	return m
}

// Predictor estimates latency and accuracy from quality settings and
// resource state, and learns from recorded outcomes. Retraining runs on
// a background goroutine with a single outstanding run; predictions use
// the previous model until the swap.
type Predictor struct {
	mu      sync.Mutex
	records []BenchmarkRecord
	model   model

	lastTrain  time.Time
	retraining bool
	minSamples int
	interval   time.Duration

	log zerolog.Logger
}

// NewPredictor creates a predictor with the seed model.
func NewPredictor() *Predictor {
	return &Predictor{
		model:      seedModel(),
		minSamples: retrainMinSamples,
		interval:   retrainMinInterval,
		log:        logging.WithComponent("performance-predictor"),
	}
}

// features extracts the raw feature vector.
func features(s Settings, res resource.Snapshot, audioLength int) [numFeatures]float64 {
	boolTo := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}
	return [numFeatures]float64{
		res.CPUUsage,
		res.MemoryUsage,
		res.GPUUsage,
		float64(s.Level),
		float64(s.ThreadCount),
		float64(audioLength),
		boolTo(s.GPUEnabled),
		boolTo(s.PreprocessingEnabled),
		float64(s.MaxBufferSize),
	}
}

// normalize scales a raw feature vector by the model's min/max bounds.
// Returns the scaled vector and the count of out-of-range features.
func (m *model) normalize(raw [numFeatures]float64) ([numFeatures]float64, int) {
	var scaled [numFeatures]float64
	outOfRange := 0
	for i := range raw {
		span := m.FeatureMax[i] - m.FeatureMin[i]
		if span <= 0 {
			scaled[i] = 0
			continue
		}
		scaled[i] = (raw[i] - m.FeatureMin[i]) / span
		if scaled[i] < 0 || scaled[i] > 1 {
			outOfRange++
		}
	}
	return scaled, outOfRange
}

// Predict estimates latency, accuracy, and confidence for the inputs.
// It never fails; inconsistent state yields the conservative fallback.
func (p *Predictor) Predict(s Settings, res resource.Snapshot, audioLength int) Prediction {
	p.mu.Lock()
	m := p.model
	sampleCount := len(p.records)
	p.mu.Unlock()

	raw := features(s, res, audioLength)
	scaled, outOfRange := m.normalize(raw)

	latency := m.LatencyBase
	accuracy := m.AccuracyBase
	for i := range scaled {
		latency += m.LatencyCoeffs[i] * scaled[i]
		accuracy += m.AccuracyCoeffs[i] * scaled[i]
	}
	if math.IsNaN(latency) || math.IsInf(latency, 0) || math.IsNaN(accuracy) {
		p.log.Warn().Msg("prediction produced non-finite value, returning fallback")
		return fallbackPrediction()
	}
	if latency < 1 {
		latency = 1
	}
	accuracy = clamp01(accuracy)

	confidence := 0.8 * math.Pow(0.9, float64(outOfRange))
	if sampleCount < lowDataThreshold {
		confidence *= 0.7
	}
	confidence = clampRange(confidence, 0.1, 0.95)

	return Prediction{
		LatencyMs:        latency,
		Accuracy:         accuracy,
		Confidence:       confidence,
		RecommendedLevel: p.RecommendedQuality(res, 0),
		Reasoning:        fmt.Sprintf("linear model over %d samples", sampleCount),
	}
}

// Record stores an observed outcome and schedules retraining when the
// window and interval requirements are met.
func (p *Predictor) Record(s Settings, res resource.Snapshot, audioLength int, actualLatencyMs, actualAccuracy float64) {
	p.mu.Lock()
	p.records = append(p.records, BenchmarkRecord{
		Settings:    s,
		Resources:   res,
		AudioLength: audioLength,
		LatencyMs:   actualLatencyMs,
		Accuracy:    actualAccuracy,
		Timestamp:   time.Now(),
	})
	if len(p.records) > benchmarkRingCap {
		p.records = p.records[len(p.records)-benchmarkRingCap:]
	}

	due := len(p.records) >= p.minSamples &&
		time.Since(p.lastTrain) >= p.interval &&
		!p.retraining
	if due {
		p.retraining = true
	}
	p.mu.Unlock()

	if due {
		go p.retrain()
	}
}

// retrain fits a fresh model from the full training window and swaps it
// in under the mutex.
func (p *Predictor) retrain() {
	p.mu.Lock()
	window := make([]BenchmarkRecord, len(p.records))
	copy(window, p.records)
	p.mu.Unlock()

	next := fitModel(window)

	p.mu.Lock()
	p.model = next
	p.lastTrain = time.Now()
	p.retraining = false
	p.mu.Unlock()

	p.log.Info().Int("samples", len(window)).Msg("predictor retrained")
}

// fitModel recomputes feature-scale bounds from the window and fits
// per-feature least-squares slopes against the outcome, anchored at the
// window mean. This is the simpler per-feature approximation of OLS.
func fitModel(window []BenchmarkRecord) model {
	var next model
	if len(window) == 0 {
		return seedModel()
	}

	raws := make([][numFeatures]float64, len(window))
	for i, r := range window {
		raws[i] = features(r.Settings, r.Resources, r.AudioLength)
	}

	for f := 0; f < numFeatures; f++ {
		lo, hi := raws[0][f], raws[0][f]
		for _, raw := range raws[1:] {
			lo = math.Min(lo, raw[f])
			hi = math.Max(hi, raw[f])
		}
		next.FeatureMin[f] = lo
		next.FeatureMax[f] = hi
	}

	scaled := make([][numFeatures]float64, len(raws))
	for i, raw := range raws {
		scaled[i], _ = next.normalize(raw)
	}

	fit := func(target func(BenchmarkRecord) float64) ([numFeatures]float64, float64) {
		var coeffs [numFeatures]float64
		mean := 0.0
		for _, r := range window {
			mean += target(r)
		}
		mean /= float64(len(window))

		var featMean [numFeatures]float64
		for _, x := range scaled {
			for f := range x {
				featMean[f] += x[f]
			}
		}
		for f := range featMean {
			featMean[f] /= float64(len(scaled))
		}

		for f := 0; f < numFeatures; f++ {
			var cov, variance float64
			for i, r := range window {
				dx := scaled[i][f] - featMean[f]
				cov += dx * (target(r) - mean)
				variance += dx * dx
			}
			if variance > 1e-9 {
				coeffs[f] = cov / variance
			}
		}

		// Anchor the intercept so the fitted plane passes through the
		// window centroid.
		base := mean
		for f := range coeffs {
			base -= coeffs[f] * featMean[f]
		}
		return coeffs, base
	}

	next.LatencyCoeffs, next.LatencyBase = fit(func(r BenchmarkRecord) float64 { return r.LatencyMs })
	next.AccuracyCoeffs, next.AccuracyBase = fit(func(r BenchmarkRecord) float64 { return r.Accuracy })
	return next
}

// RecommendedQuality maps a resource score and pending load to a level
// via the fixed 5-band lookup.
func (p *Predictor) RecommendedQuality(res resource.Snapshot, pending int) Level {
	score := 0.4*(1-res.CPUUsage) + 0.3*(1-res.MemoryUsage) + 0.3*(1-res.GPUUsage)
	switch {
	case score > 0.8 && pending <= 2:
		return UltraHigh
	case score > 0.6 && pending <= 4:
		return High
	case score > 0.4 && pending <= 6:
		return Medium
	case score > 0.2:
		return Low
	default:
		return UltraLow
	}
}

// SampleCount returns the current training-ring size.
func (p *Predictor) SampleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// exportedModel is the self-describing persisted form.
type exportedModel struct {
	Version int   `json:"version"`
	Model   model `json:"model"`
	RingCap int   `json:"ringCap"`
}

// ExportModel serializes the coefficients, scale bounds, and ring size.
func (p *Predictor) ExportModel() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(exportedModel{Version: 1, Model: p.model, RingCap: benchmarkRingCap})
}

// ImportModel restores a previously exported model.
func (p *Predictor) ImportModel(data []byte) error {
	var em exportedModel
	if err := json.Unmarshal(data, &em); err != nil {
		return fmt.Errorf("import model: %w", err)
	}
	if em.Version != 1 {
		return fmt.Errorf("import model: unsupported version %d", em.Version)
	}
	p.mu.Lock()
	p.model = em.Model
	p.mu.Unlock()
	return nil
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
