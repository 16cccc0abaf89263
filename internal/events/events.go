// Package events publishes orchestration events to Kafka.
package events

import "speech-orchestrator/internal/pipeline"

// TranscriptFinalEvent is emitted once per completed request.
type TranscriptFinalEvent struct {
	RequestID       uint64  `json:"requestId"`
	Text            string  `json:"text"`
	Confidence      float64 `json:"confidence"`
	LatencyMs       float64 `json:"latencyMs"`
	QualityLevel    string  `json:"qualityLevel"`
	SpeakerCount    int     `json:"speakerCount"`
	ExternalService string  `json:"externalService,omitempty"`
	Success         bool    `json:"success"`
	FailedStages    int     `json:"failedStages"`
	TimestampUnixMs int64   `json:"timestampUnixMs"`
}

// AdaptationEvent is emitted for every committed quality adaptation.
type AdaptationEvent struct {
	FromLevel       string  `json:"fromLevel"`
	ToLevel         string  `json:"toLevel"`
	Reason          string  `json:"reason"`
	CPUUsage        float64 `json:"cpuUsage"`
	MemoryUsage     float64 `json:"memoryUsage"`
	Constrained     bool    `json:"constrained"`
	TimestampUnixMs int64   `json:"timestampUnixMs"`
}

// NewTranscriptFinalEvent builds the event payload from an assembled result.
func NewTranscriptFinalEvent(res *pipeline.Result, nowUnixMs int64) TranscriptFinalEvent {
	ev := TranscriptFinalEvent{
		RequestID:       res.RequestID,
		Text:            res.Text,
		Confidence:      res.Confidence,
		LatencyMs:       res.ProcessingLatencyMs,
		QualityLevel:    res.QualityLevelUsed.String(),
		SpeakerCount:    len(res.SpeakerSegments),
		Success:         res.Success,
		FailedStages:    len(res.ErrorsByStage),
		TimestampUnixMs: nowUnixMs,
	}
	if res.External != nil && res.External.Used {
		ev.ExternalService = res.External.ServiceName
	}
	return ev
}
