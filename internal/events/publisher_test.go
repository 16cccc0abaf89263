package events

import (
	"context"
	"testing"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/pipeline"
	"speech-orchestrator/internal/quality"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.EventsConfig
	}{
		{"disabled", config.EventsConfig{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", config.EventsConfig{Enabled: true, Brokers: []string{}}},
		{"nil brokers", config.EventsConfig{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerTranscript != nil || p.writerAdaptation != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(config.EventsConfig{
		Enabled:         false,
		TopicTranscript: "test.transcript",
		TopicAdaptation: "test.adaptation",
		Principal:       "test-principal",
	})

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicTranscript != "test.transcript" {
		t.Errorf("expected topic 'test.transcript', got %s", p.topicTranscript)
	}
	if p.topicAdaptation != "test.adaptation" {
		t.Errorf("expected topic 'test.adaptation', got %s", p.topicAdaptation)
	}
}

func TestPublishTranscript_Disabled(t *testing.T) {
	p := New(config.EventsConfig{Enabled: false, TopicTranscript: "test.transcript"})

	ev := TranscriptFinalEvent{RequestID: 7, Text: "hello world", Confidence: 0.9, Success: true}
	if err := p.PublishTranscript(context.Background(), ev); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublishAdaptation_Disabled(t *testing.T) {
	p := New(config.EventsConfig{Enabled: false, TopicAdaptation: "test.adaptation"})

	ev := AdaptationEvent{FromLevel: "HIGH", ToLevel: "MEDIUM", Reason: "resource constraint"}
	if err := p.PublishAdaptation(context.Background(), ev); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestClose_DisabledPublisher(t *testing.T) {
	p := New(config.EventsConfig{Enabled: false})
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestNewTranscriptFinalEvent(t *testing.T) {
	res := &pipeline.Result{
		RequestID:           42,
		Text:                "hello",
		Confidence:          0.8,
		ProcessingLatencyMs: 120,
		QualityLevelUsed:    quality.High,
		ErrorsByStage:       map[string]string{"FUSE": "no services"},
		External:            &pipeline.ExternalSummary{Used: true, ServiceName: "google-speech"},
		Success:             false,
	}

	ev := NewTranscriptFinalEvent(res, 1700000000000)
	if ev.RequestID != 42 || ev.Text != "hello" {
		t.Errorf("event identity mismatch: %+v", ev)
	}
	if ev.QualityLevel != "HIGH" {
		t.Errorf("qualityLevel = %q, want HIGH", ev.QualityLevel)
	}
	if ev.ExternalService != "google-speech" {
		t.Errorf("externalService = %q", ev.ExternalService)
	}
	if ev.FailedStages != 1 {
		t.Errorf("failedStages = %d, want 1", ev.FailedStages)
	}
	if ev.TimestampUnixMs != 1700000000000 {
		t.Errorf("timestamp = %d", ev.TimestampUnixMs)
	}
}
