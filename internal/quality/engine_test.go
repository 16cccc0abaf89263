package quality

import (
	"testing"

	"speech-orchestrator/internal/resource"
)

func snapshot(cpu, mem, gpu float64, constrained bool) resource.Snapshot {
	return resource.Snapshot{
		CPUUsage:    cpu,
		MemoryUsage: mem,
		GPUUsage:    gpu,
		Constrained: constrained,
	}
}

func TestAdapt_MovesAtMostOneNotch(t *testing.T) {
	tests := []struct {
		name    string
		level   Level
		res     resource.Snapshot
		pending int
		want    Level
	}{
		{"balanced downgrade under constraint", High, snapshot(0.95, 0.5, 0.2, true), 0, Medium},
		{"balanced downgrade on backlog", High, snapshot(0.5, 0.5, 0.2, false), 5, Medium},
		{"balanced upgrade when idle", Medium, snapshot(0.3, 0.3, 0.2, false), 0, High},
		{"balanced hold in the middle", Medium, snapshot(0.6, 0.6, 0.2, false), 2, Medium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewAdaptationEngine()
			got := e.Adapt(DefaultSettingsFor(tt.level), tt.res, tt.pending)
			if got.Level != tt.want {
				t.Errorf("Adapt level = %v, want %v", got.Level, tt.want)
			}
			diff := int(got.Level) - int(tt.level)
			if diff < -1 || diff > 1 {
				t.Errorf("level moved %d notches, want at most 1", diff)
			}
		})
	}
}

func TestAdapt_RespectsBounds(t *testing.T) {
	e := NewAdaptationEngine()
	e.SetBounds(Low, High)

	got := e.Adapt(DefaultSettingsFor(Low), snapshot(0.95, 0.95, 0.2, true), 10)
	if got.Level != Low {
		t.Errorf("downgrade below min bound: got %v, want %v", got.Level, Low)
	}

	got = e.Adapt(DefaultSettingsFor(High), snapshot(0.1, 0.1, 0.1, false), 0)
	if got.Level != High {
		t.Errorf("upgrade above max bound: got %v, want %v", got.Level, High)
	}
}

func TestAdapt_SwappedBoundsNormalized(t *testing.T) {
	e := NewAdaptationEngine()
	e.SetBounds(High, Low)

	got := e.Adapt(DefaultSettingsFor(Low), snapshot(0.95, 0.95, 0.2, true), 10)
	if got.Level != Low {
		t.Errorf("got %v, want %v after swapped bounds normalized", got.Level, Low)
	}
}

func TestAdapt_StrategyTriggers(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		res      resource.Snapshot
		pending  int
		want     Level
	}{
		{"conservative ignores moderate load", "conservative", snapshot(0.85, 0.85, 0.2, true), 10, Medium},
		{"conservative reacts to critical cpu", "conservative", snapshot(0.95, 0.5, 0.2, true), 0, Low},
		{"conservative never upgrades", "conservative", snapshot(0.05, 0.05, 0.05, false), 0, Medium},
		{"aggressive downgrades early", "aggressive", snapshot(0.75, 0.5, 0.2, false), 0, Low},
		{"aggressive downgrades on small backlog", "aggressive", snapshot(0.5, 0.5, 0.2, false), 3, Low},
		{"aggressive upgrades eagerly", "aggressive", snapshot(0.35, 0.35, 0.2, false), 1, High},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewAdaptationEngine()
			if err := e.SetStrategy(tt.strategy); err != nil {
				t.Fatalf("SetStrategy(%q): %v", tt.strategy, err)
			}
			got := e.Adapt(DefaultSettingsFor(Medium), tt.res, tt.pending)
			if got.Level != tt.want {
				t.Errorf("Adapt level = %v, want %v", got.Level, tt.want)
			}
		})
	}
}

func TestSetStrategy_Unknown(t *testing.T) {
	e := NewAdaptationEngine()
	if err := e.SetStrategy("reckless"); err == nil {
		t.Error("SetStrategy with unknown name: expected error, got nil")
	}
}

func TestAdapt_ConfidenceThresholdTracksLevel(t *testing.T) {
	e := NewAdaptationEngine()
	prev := -1.0
	for l := UltraLow; l <= UltraHigh; l++ {
		th := ConfidenceThresholdFor(l)
		if th <= prev {
			t.Errorf("confidence threshold for %v = %v, not above %v", l, th, prev)
		}
		prev = th
	}

	got := e.Adapt(DefaultSettingsFor(High), snapshot(0.95, 0.5, 0.2, true), 0)
	if got.ConfidenceThreshold != ConfidenceThresholdFor(got.Level) {
		t.Errorf("threshold %v does not match level %v table value %v",
			got.ConfidenceThreshold, got.Level, ConfidenceThresholdFor(got.Level))
	}
}

func TestAdapt_BufferSizeFollowsMemoryPressure(t *testing.T) {
	e := NewAdaptationEngine()

	s := DefaultSettingsFor(Medium)
	s.MaxBufferSize = 1024
	got := e.Adapt(s, snapshot(0.95, 0.85, 0.2, true), 0)
	if got.MaxBufferSize != 512 {
		t.Errorf("buffer under memory pressure = %d, want 512", got.MaxBufferSize)
	}

	s.MaxBufferSize = 256
	got = e.Adapt(s, snapshot(0.95, 0.85, 0.2, true), 0)
	if got.MaxBufferSize != 256 {
		t.Errorf("buffer floor = %d, want 256", got.MaxBufferSize)
	}

	s.MaxBufferSize = 4096
	got = e.Adapt(s, snapshot(0.3, 0.1, 0.2, false), 0)
	if got.MaxBufferSize != 4096 {
		t.Errorf("buffer ceiling = %d, want 4096", got.MaxBufferSize)
	}
}

func TestAdapt_AggressiveQuantizationUnderConstraint(t *testing.T) {
	e := NewAdaptationEngine()
	if err := e.SetStrategy("aggressive"); err != nil {
		t.Fatal(err)
	}
	got := e.Adapt(DefaultSettingsFor(High), snapshot(0.9, 0.9, 0.2, true), 0)
	if !got.Quantization.Enabled || got.Quantization.Level != "int8" {
		t.Errorf("quantization = %+v, want enabled int8", got.Quantization)
	}
}

func TestAdapt_PredictiveNudge(t *testing.T) {
	e := NewAdaptationEngine()
	e.SetPredictiveEnabled(true)
	e.SetRecommender(func(res resource.Snapshot, pending int) Level { return UltraHigh })

	// Resources in the hold band; only the recommendation moves the level.
	got := e.Adapt(DefaultSettingsFor(Low), snapshot(0.6, 0.6, 0.2, false), 2)
	if got.Level != Medium {
		t.Errorf("predictive nudge level = %v, want %v (one notch toward recommendation)", got.Level, Medium)
	}

	// A one-notch gap is not enough to nudge.
	e.SetRecommender(func(res resource.Snapshot, pending int) Level { return High })
	got = e.Adapt(DefaultSettingsFor(Medium), snapshot(0.6, 0.6, 0.2, false), 2)
	if got.Level != Medium {
		t.Errorf("one-notch gap nudged to %v, want hold at %v", got.Level, Medium)
	}
}

func TestHistory_Bounded(t *testing.T) {
	e := NewAdaptationEngine()
	s := DefaultSettingsFor(Medium)
	for i := 0; i < adaptationHistoryCap+50; i++ {
		s = e.Adapt(s, snapshot(0.6, 0.6, 0.2, false), 2)
	}
	if got := len(e.History(0)); got != adaptationHistoryCap {
		t.Errorf("history length = %d, want %d", got, adaptationHistoryCap)
	}
	if got := len(e.History(10)); got != 10 {
		t.Errorf("History(10) length = %d, want 10", got)
	}
}
