package quality

import (
	"math"
	"testing"

	"speech-orchestrator/internal/resource"
)

func TestPredict_LowDataConfidence(t *testing.T) {
	p := NewPredictor()
	res := snapshot(0.5, 0.5, 0.3, false)

	got := p.Predict(DefaultSettingsFor(Medium), res, 16000)
	want := 0.8 * 0.7
	if math.Abs(got.Confidence-want) > 1e-9 {
		t.Errorf("confidence with no samples = %v, want %v", got.Confidence, want)
	}
	if got.LatencyMs < 1 {
		t.Errorf("latency = %v, want >= 1", got.LatencyMs)
	}
	if got.Accuracy < 0 || got.Accuracy > 1 {
		t.Errorf("accuracy = %v, want within [0, 1]", got.Accuracy)
	}
}

func TestPredict_OutOfRangePenalty(t *testing.T) {
	p := NewPredictor()

	inRange := p.Predict(DefaultSettingsFor(Medium), snapshot(0.5, 0.5, 0.3, false), 16000)
	outOfRange := p.Predict(DefaultSettingsFor(Medium), snapshot(1.5, 0.5, 0.3, false), 900000)
	if outOfRange.Confidence >= inRange.Confidence {
		t.Errorf("out-of-range confidence %v not below in-range %v",
			outOfRange.Confidence, inRange.Confidence)
	}
	if outOfRange.Confidence < 0.1 {
		t.Errorf("confidence %v below floor 0.1", outOfRange.Confidence)
	}
}

func TestPredict_NonFiniteInputFallsBack(t *testing.T) {
	p := NewPredictor()
	res := resource.Snapshot{CPUUsage: math.NaN(), MemoryUsage: 0.5, GPUUsage: 0.3}

	got := p.Predict(DefaultSettingsFor(Medium), res, 16000)
	want := fallbackPrediction()
	if got.LatencyMs != want.LatencyMs || got.Accuracy != want.Accuracy ||
		got.Confidence != want.Confidence || got.RecommendedLevel != want.RecommendedLevel ||
		got.Reasoning != want.Reasoning {
		t.Errorf("fallback prediction = %+v, want %+v", got, want)
	}
}

func TestRetrain_LearnsLatencyTrend(t *testing.T) {
	p := NewPredictor()
	p.minSamples = 1 << 30 // retrain manually below
	res := snapshot(0.5, 0.5, 0.3, false)

	// Latency grows with level; everything else held fixed.
	for round := 0; round < 4; round++ {
		for l := UltraLow; l <= UltraHigh; l++ {
			s := DefaultSettingsFor(Medium)
			s.Level = l
			p.Record(s, res, 16000, 100+300*float64(l), 0.70+0.05*float64(l))
		}
	}
	p.retrain()

	low := DefaultSettingsFor(Medium)
	low.Level = UltraLow
	high := DefaultSettingsFor(Medium)
	high.Level = UltraHigh

	predLow := p.Predict(low, res, 16000)
	predHigh := p.Predict(high, res, 16000)
	if predHigh.LatencyMs <= predLow.LatencyMs {
		t.Errorf("trained model: latency at ULTRA_HIGH %v not above ULTRA_LOW %v",
			predHigh.LatencyMs, predLow.LatencyMs)
	}
	if predHigh.Accuracy <= predLow.Accuracy {
		t.Errorf("trained model: accuracy at ULTRA_HIGH %v not above ULTRA_LOW %v",
			predHigh.Accuracy, predLow.Accuracy)
	}
	// The fit should pass close to the observed outcomes.
	if math.Abs(predLow.LatencyMs-100) > 50 {
		t.Errorf("latency at ULTRA_LOW = %v, want near 100", predLow.LatencyMs)
	}
	if math.Abs(predHigh.LatencyMs-1300) > 50 {
		t.Errorf("latency at ULTRA_HIGH = %v, want near 1300", predHigh.LatencyMs)
	}
}

func TestRetrain_IdenticalSamplesYieldConstantModel(t *testing.T) {
	p := NewPredictor()
	p.minSamples = 1 << 30
	res := snapshot(0.5, 0.5, 0.3, false)
	s := DefaultSettingsFor(Medium)
	for i := 0; i < 20; i++ {
		p.Record(s, res, 16000, 750, 0.9)
	}
	p.retrain()

	got := p.Predict(DefaultSettingsFor(High), snapshot(0.2, 0.9, 0.1, false), 48000)
	if math.Abs(got.LatencyMs-750) > 1e-6 {
		t.Errorf("latency from degenerate window = %v, want 750", got.LatencyMs)
	}
	if math.Abs(got.Accuracy-0.9) > 1e-6 {
		t.Errorf("accuracy from degenerate window = %v, want 0.9", got.Accuracy)
	}
}

func TestRecommendedQuality_Bands(t *testing.T) {
	p := NewPredictor()
	tests := []struct {
		name    string
		res     resource.Snapshot
		pending int
		want    Level
	}{
		{"idle machine", snapshot(0.1, 0.1, 0.1, false), 0, UltraHigh},
		{"idle machine but loaded queue", snapshot(0.1, 0.1, 0.1, false), 3, High},
		{"moderate usage", snapshot(0.4, 0.3, 0.3, false), 0, High},
		{"heavier usage", snapshot(0.6, 0.5, 0.5, false), 0, Medium},
		{"high usage", snapshot(0.8, 0.7, 0.7, false), 0, Low},
		{"saturated", snapshot(0.95, 0.95, 0.95, true), 0, UltraLow},
		{"long queue forces low", snapshot(0.6, 0.5, 0.5, false), 7, Low},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.RecommendedQuality(tt.res, tt.pending); got != tt.want {
				t.Errorf("RecommendedQuality = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	trained := NewPredictor()
	trained.minSamples = 1 << 30
	res := snapshot(0.5, 0.5, 0.3, false)
	for l := UltraLow; l <= UltraHigh; l++ {
		s := DefaultSettingsFor(Medium)
		s.Level = l
		for i := 0; i < 3; i++ {
			trained.Record(s, res, 16000, 100+300*float64(l), 0.7+0.05*float64(l))
		}
	}
	trained.retrain()

	data, err := trained.ExportModel()
	if err != nil {
		t.Fatalf("ExportModel: %v", err)
	}

	restored := NewPredictor()
	if err := restored.ImportModel(data); err != nil {
		t.Fatalf("ImportModel: %v", err)
	}

	s := DefaultSettingsFor(High)
	a := trained.Predict(s, res, 16000)
	b := restored.Predict(s, res, 16000)
	if math.Abs(a.LatencyMs-b.LatencyMs) > 1e-9 || math.Abs(a.Accuracy-b.Accuracy) > 1e-9 {
		t.Errorf("restored prediction (%v, %v) differs from original (%v, %v)",
			b.LatencyMs, b.Accuracy, a.LatencyMs, a.Accuracy)
	}
}

func TestImportModel_Invalid(t *testing.T) {
	p := NewPredictor()
	if err := p.ImportModel([]byte("{not json")); err == nil {
		t.Error("ImportModel with malformed payload: expected error")
	}
	if err := p.ImportModel([]byte(`{"version": 2}`)); err == nil {
		t.Error("ImportModel with unsupported version: expected error")
	}
}

func TestRecord_RingBounded(t *testing.T) {
	p := NewPredictor()
	p.minSamples = 1 << 30 // keep retraining out of this test
	res := snapshot(0.5, 0.5, 0.3, false)
	s := DefaultSettingsFor(Medium)
	for i := 0; i < benchmarkRingCap+100; i++ {
		p.Record(s, res, 16000, 500, 0.9)
	}
	if got := p.SampleCount(); got != benchmarkRingCap {
		t.Errorf("sample count = %d, want %d", got, benchmarkRingCap)
	}
}
