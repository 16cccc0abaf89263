package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-orchestrator/internal/config"
	"speech-orchestrator/internal/observability/metrics"
)

// Publisher publishes orchestration events to separate Kafka topics.
// When disabled it degrades to log-only mode so callers never branch.
type Publisher struct {
	writerTranscript *kafka.Writer
	writerAdaptation *kafka.Writer
	principal        string
	topicTranscript  string
	topicAdaptation  string
	enabled          bool
	metrics          *metrics.Metrics
}

// New creates a Kafka event publisher for final transcripts and quality
// adaptation decisions.
func New(cfg config.EventsConfig) *Publisher {
	m := metrics.DefaultMetrics

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:       cfg.Principal,
			topicTranscript: cfg.TopicTranscript,
			topicAdaptation: cfg.TopicAdaptation,
			enabled:         false,
			metrics:         m,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscript", cfg.TopicTranscript).
		Str("topicAdaptation", cfg.TopicAdaptation).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerTranscript: newWriter(cfg.TopicTranscript),
		writerAdaptation: newWriter(cfg.TopicAdaptation),
		principal:        cfg.Principal,
		topicTranscript:  cfg.TopicTranscript,
		topicAdaptation:  cfg.TopicAdaptation,
		enabled:          true,
		metrics:          m,
	}
}

// PublishTranscript publishes a final transcript event keyed by request id.
func (p *Publisher) PublishTranscript(ctx context.Context, ev TranscriptFinalEvent) error {
	key := strconv.FormatUint(ev.RequestID, 10)
	return p.publish(ctx, p.writerTranscript, p.topicTranscript, "transcript_final", key, ev)
}

// PublishAdaptation publishes a committed quality adaptation decision.
func (p *Publisher) PublishAdaptation(ctx context.Context, ev AdaptationEvent) error {
	return p.publish(ctx, p.writerAdaptation, p.topicAdaptation, "quality_adaptation", ev.ToLevel, ev)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordEventPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventId", Value: []byte(uuid.NewString())},
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordEventPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordEventPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for _, w := range []*kafka.Writer{p.writerTranscript, p.writerAdaptation} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", w.Topic).Msg("Error closing writer")
			err = e
		}
	}
	return err
}
