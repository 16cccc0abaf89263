package external_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/external"
	"speech-orchestrator/internal/external/mock"
)

func testConfig() config.ExternalServicesConfig {
	cfg := config.Default().ExternalServices
	cfg.Enabled = true
	return cfg
}

var silence = make([]float32, 16000)

func TestFallback_AcceptsFirstAboveThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackThreshold = 0.5
	i := external.NewIntegrator(cfg)

	weak := mock.New("weak", "low quality", 0.3)
	strong := mock.New("strong", "hello world", 0.9)
	backup := mock.New("backup", "hello world", 0.95)
	for _, s := range []*mock.Service{weak, strong, backup} {
		if err := i.AddService(s); err != nil {
			t.Fatal(err)
		}
	}

	out := i.TranscribeWithFallback(context.Background(), silence, 16000, "en-US", []string{"weak", "strong", "backup"})
	if out.Method != "fallback_success" {
		t.Fatalf("method = %q, want fallback_success", out.Method)
	}
	if out.Result.Service != "strong" || out.Result.Text != "hello world" {
		t.Errorf("accepted result = %+v, want the first above threshold", out.Result)
	}
	if out.ServicesUsed != 2 {
		t.Errorf("services used = %d, want 2", out.ServicesUsed)
	}
	if backup.Calls() != 0 {
		t.Errorf("later preferred service was called %d times, want 0", backup.Calls())
	}
}

func TestFallback_Exhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackThreshold = 0.8
	i := external.NewIntegrator(cfg)

	if err := i.AddService(mock.New("a", "guess one", 0.5)); err != nil {
		t.Fatal(err)
	}
	if err := i.AddService(mock.New("b", "guess two", 0.6)); err != nil {
		t.Fatal(err)
	}

	out := i.TranscribeWithFallback(context.Background(), silence, 16000, "", []string{"a", "b"})
	if out.Method != "fallback_failed" {
		t.Errorf("method = %q, want fallback_failed", out.Method)
	}
	if out.ServicesUsed != 2 {
		t.Errorf("services used = %d, want 2", out.ServicesUsed)
	}
	if out.Result.Text != "" {
		t.Errorf("text = %q, want empty", out.Result.Text)
	}
}

func TestFallback_ZeroPreferred(t *testing.T) {
	i := external.NewIntegrator(testConfig())
	out := i.TranscribeWithFallback(context.Background(), silence, 16000, "", nil)
	if out.Method != "fallback_failed" || out.ServicesUsed != 0 {
		t.Errorf("outcome = %+v, want fallback_failed with 0 used", out)
	}
}

func TestFallback_SkipsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackThreshold = 0.5
	i := external.NewIntegrator(cfg)

	limited := mock.New("limited", "hello", 0.9)
	limited.SetRateLimited(true)
	open := mock.New("open", "hello", 0.9)
	if err := i.AddService(limited); err != nil {
		t.Fatal(err)
	}
	if err := i.AddService(open); err != nil {
		t.Fatal(err)
	}

	out := i.TranscribeWithFallback(context.Background(), silence, 16000, "", []string{"limited", "open"})
	if out.Result.Service != "open" {
		t.Errorf("accepted service = %q, want the non-limited one", out.Result.Service)
	}
	if limited.Calls() != 0 {
		t.Errorf("rate-limited service was called %d times, want 0", limited.Calls())
	}
}

func TestFusion_ConfidenceWeighted(t *testing.T) {
	cfg := testConfig()
	cfg.FusionStrategy = "confidence_weighted"
	i := external.NewIntegrator(cfg)

	for _, s := range []*mock.Service{
		mock.New("a", "hello", 0.9),
		mock.New("b", "hallo", 0.7),
		mock.New("c", "hello", 0.8),
	} {
		if err := i.AddService(s); err != nil {
			t.Fatal(err)
		}
	}

	out, err := i.TranscribeWithFusion(context.Background(), silence, 16000, "en-US", nil)
	if err != nil {
		t.Fatalf("TranscribeWithFusion: %v", err)
	}
	if out.Result.Text != "hello" {
		t.Errorf("fused text = %q, want hello", out.Result.Text)
	}
	if math.Abs(out.Result.Confidence-0.8) > 1e-9 {
		t.Errorf("fused confidence = %v, want 0.8", out.Result.Confidence)
	}
	if out.ServicesUsed != 3 || len(out.Sources) != 3 {
		t.Errorf("services used = %d with %d sources, want 3 and 3", out.ServicesUsed, len(out.Sources))
	}
}

func TestFusion_WeightsShiftTheWinner(t *testing.T) {
	cfg := testConfig()
	cfg.FusionStrategy = "confidence_weighted"
	cfg.ServiceWeights = map[string]float64{"b": 5.0}
	i := external.NewIntegrator(cfg)

	if err := i.AddService(mock.New("a", "hello", 0.9)); err != nil {
		t.Fatal(err)
	}
	if err := i.AddService(mock.New("b", "hallo", 0.7)); err != nil {
		t.Fatal(err)
	}

	out, err := i.TranscribeWithFusion(context.Background(), silence, 16000, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Text != "hallo" {
		t.Errorf("fused text = %q, want the heavily weighted hallo", out.Result.Text)
	}
	// Σ(confidence × weight) / Σweight = (0.9×1 + 0.7×5) / 6.
	if want := 4.4 / 6.0; math.Abs(out.Result.Confidence-want) > 1e-9 {
		t.Errorf("fused confidence = %v, want %v", out.Result.Confidence, want)
	}
}

func TestFusion_DuplicatesDoNotOutvoteBestScore(t *testing.T) {
	cfg := testConfig()
	cfg.FusionStrategy = "confidence_weighted"
	i := external.NewIntegrator(cfg)

	for _, s := range []*mock.Service{
		mock.New("a", "hi", 0.9),
		mock.New("b", "hey", 0.5),
		mock.New("c", "hey", 0.5),
	} {
		if err := i.AddService(s); err != nil {
			t.Fatal(err)
		}
	}

	out, err := i.TranscribeWithFusion(context.Background(), silence, 16000, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	// The winner is the single highest weight × confidence score, not
	// the largest per-text total.
	if out.Result.Text != "hi" {
		t.Errorf("fused text = %q, want hi", out.Result.Text)
	}
}

func TestFusion_MajorityVote(t *testing.T) {
	cfg := testConfig()
	cfg.FusionStrategy = "majority_vote"
	i := external.NewIntegrator(cfg)

	for _, s := range []*mock.Service{
		mock.New("a", "good morning", 0.6),
		mock.New("b", "good morning", 0.7),
		mock.New("c", "goodbye", 0.99),
	} {
		if err := i.AddService(s); err != nil {
			t.Fatal(err)
		}
	}

	out, err := i.TranscribeWithFusion(context.Background(), silence, 16000, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Text != "good morning" {
		t.Errorf("fused text = %q, want the majority text", out.Result.Text)
	}
	if math.Abs(out.Result.Confidence-0.65) > 1e-9 {
		t.Errorf("fused confidence = %v, want mean of winning votes 0.65", out.Result.Confidence)
	}
}

func TestFusion_BestConfidence(t *testing.T) {
	cfg := testConfig()
	cfg.FusionStrategy = "best_confidence"
	i := external.NewIntegrator(cfg)

	if err := i.AddService(mock.New("a", "first", 0.7)); err != nil {
		t.Fatal(err)
	}
	if err := i.AddService(mock.New("b", "second", 0.92)); err != nil {
		t.Fatal(err)
	}

	out, err := i.TranscribeWithFusion(context.Background(), silence, 16000, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Text != "second" || math.Abs(out.Result.Confidence-0.92) > 1e-9 {
		t.Errorf("fused result = %+v, want the single best", out.Result)
	}
}

func TestFusion_MinServicesGuard(t *testing.T) {
	i := external.NewIntegrator(testConfig())
	if err := i.AddService(mock.New("only", "hello", 0.9)); err != nil {
		t.Fatal(err)
	}

	_, err := i.TranscribeWithFusion(context.Background(), silence, 16000, "", nil)
	if !errors.Is(err, external.ErrNotEnoughServices) {
		t.Errorf("error = %v, want %v", err, external.ErrNotEnoughServices)
	}
}

func TestPrivacyMode(t *testing.T) {
	cfg := testConfig()
	cfg.PrivacyMode = true
	i := external.NewIntegrator(cfg)

	cloud := mock.New("cloud", "hi", 0.9)
	cloud.ServiceType = external.TypeCloud
	if err := i.AddService(cloud); !errors.Is(err, external.ErrPrivacyViolation) {
		t.Errorf("cloud add error = %v, want %v", err, external.ErrPrivacyViolation)
	}
	if err := i.AddService(mock.New("local", "hi", 0.9)); err != nil {
		t.Errorf("local add error = %v, want nil", err)
	}

	// Toggling privacy mode on strips non-local services already present.
	open := external.NewIntegrator(testConfig())
	cloud2 := mock.New("cloud", "hi", 0.9)
	cloud2.ServiceType = external.TypeCloud
	if err := open.AddService(cloud2); err != nil {
		t.Fatal(err)
	}
	if err := open.AddService(mock.New("local", "hi", 0.9)); err != nil {
		t.Fatal(err)
	}
	open.SetPrivacyMode(true)
	got := open.Services()
	if len(got) != 1 || got[0] != "local" {
		t.Errorf("services after privacy toggle = %v, want [local]", got)
	}
}

func TestHealthTransitions(t *testing.T) {
	i := external.NewIntegrator(testConfig())
	svc := mock.New("flaky", "hi", 0.9)
	if err := i.AddService(svc); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var transitions []bool
	i.SetHealthTransition(func(name string, healthy bool) {
		mu.Lock()
		transitions = append(transitions, healthy)
		mu.Unlock()
	})

	svc.SetHealthErr(errors.New("connection refused"))
	for n := 0; n < 3; n++ {
		i.CheckAllHealth(context.Background())
	}
	svc.SetHealthErr(nil)
	i.CheckAllHealth(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []bool{false, true}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for idx := range want {
		if transitions[idx] != want[idx] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestFallback_SkipsUnhealthyService(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackThreshold = 0.5
	i := external.NewIntegrator(cfg)

	sick := mock.New("sick", "hello", 0.9)
	sick.SetHealthErr(errors.New("down"))
	well := mock.New("well", "hello", 0.9)
	if err := i.AddService(sick); err != nil {
		t.Fatal(err)
	}
	if err := i.AddService(well); err != nil {
		t.Fatal(err)
	}
	for n := 0; n < 3; n++ {
		i.CheckAllHealth(context.Background())
	}

	out := i.TranscribeWithFallback(context.Background(), silence, 16000, "", []string{"sick", "well"})
	if out.Result.Service != "well" {
		t.Errorf("accepted service = %q, want the healthy one", out.Result.Service)
	}
	if sick.Calls() != 0 {
		t.Errorf("unhealthy service called %d times, want 0", sick.Calls())
	}
}

func TestAsync_CallbackFiresExactlyOnce(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackThreshold = 0.5
	i := external.NewIntegrator(cfg)
	if err := i.AddService(mock.New("svc", "hello", 0.9)); err != nil {
		t.Fatal(err)
	}

	done := make(chan external.FallbackOutcome, 2)
	i.TranscribeWithFallbackAsync(silence, 16000, "", []string{"svc"}, func(out external.FallbackOutcome) {
		done <- out
	})

	select {
	case out := <-done:
		if out.Method != "fallback_success" {
			t.Errorf("method = %q, want fallback_success", out.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}

	select {
	case <-done:
		t.Fatal("callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelAll_FiresPendingCallbacksOnce(t *testing.T) {
	cfg := testConfig()
	i := external.NewIntegrator(cfg)
	slow := mock.New("slow", "hello", 0.9)
	slow.Latency = 5 * time.Second
	if err := i.AddService(slow); err != nil {
		t.Fatal(err)
	}

	done := make(chan external.FallbackOutcome, 2)
	i.TranscribeWithFallbackAsync(silence, 16000, "", []string{"slow"}, func(out external.FallbackOutcome) {
		done <- out
	})
	time.Sleep(50 * time.Millisecond)
	i.CancelAll()

	select {
	case out := <-done:
		if out.Method != "cancelled" {
			t.Errorf("method = %q, want cancelled", out.Method)
		}
		if out.Result.Text != "" {
			t.Errorf("cancelled outcome carries text %q, want empty", out.Result.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending callback never fired after CancelAll")
	}

	select {
	case <-done:
		t.Fatal("callback fired more than once")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUsageStats(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackThreshold = 0.5
	i := external.NewIntegrator(cfg)
	if err := i.AddService(mock.New("svc", "hello", 0.9)); err != nil {
		t.Fatal(err)
	}
	if err := i.SetServiceCost("svc", 0.6); err != nil {
		t.Fatal(err)
	}

	i.TranscribeWithFallback(context.Background(), silence, 16000, "", []string{"svc"})

	stats := i.UsageStats()
	u, ok := stats["svc"]
	if !ok {
		t.Fatal("usage stats missing the service")
	}
	if u.Calls != 1 || u.Successes != 1 || u.SuccessRate != 1 {
		t.Errorf("usage = %+v, want one successful call", u)
	}
	// One second of audio at 0.6 per minute.
	if math.Abs(u.AccruedCost-0.01) > 1e-9 {
		t.Errorf("accrued cost = %v, want 0.01", u.AccruedCost)
	}
	if math.Abs(u.UsageSeconds-1.0) > 1e-9 {
		t.Errorf("usage seconds = %v, want 1.0", u.UsageSeconds)
	}
}
