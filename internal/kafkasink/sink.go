// Package kafkasink streams session events to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/speechd/internal/config"
	"github.com/loqalabs/speechd/internal/gateway"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/loqalabs/speechd/internal/speech"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes every gateway event to Kafka, keyed by session id so one
// session's events stay on one partition. When Kafka is disabled it only logs.
type Sink struct {
	writer    messageWriter
	topic     string
	principal string
	log       *slog.Logger
	timeout   time.Duration
	sub       *gateway.Subscription

	published metric.Int64Counter
	failed    metric.Int64Counter
	latency   metric.Float64Histogram
}

func New(cfg config.KafkaConfig, log *slog.Logger) *Sink {
	s := &Sink{
		topic:     cfg.Topic,
		principal: cfg.Principal,
		log:       log.With(slog.String("component", "kafka-sink")),
		timeout:   10 * time.Second,
	}
	s.initMetrics()

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		s.log.Info("kafka disabled, using log-only mode")
		return s
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	s.log.Info("kafka sink initialized",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
		slog.String("principal", cfg.Principal))
	return s
}

// Attach subscribes the sink to g.
func (s *Sink) Attach(g *gateway.Gateway) error {
	sub, err := g.SubscribeFunc("kafka", s.handle)
	if err != nil {
		return fmt.Errorf("subscribe gateway: %w", err)
	}
	s.sub = sub
	return nil
}

// Enabled reports whether events reach a broker.
func (s *Sink) Enabled() bool {
	return s.writer != nil
}

func (s *Sink) handle(evt speech.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Publish(ctx, evt); err != nil {
		s.log.Warn("failed to publish event to kafka", slog.Uint64("seq", evt.Seq), slog.String("error", err.Error()))
	}
}

// Publish writes one event.
func (s *Sink) Publish(ctx context.Context, evt speech.Event) error {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("type", string(evt.Type)))

	payload, err := json.Marshal(protocol.NewEnvelope(evt))
	if err != nil {
		s.failed.Add(ctx, 1, attrs)
		return fmt.Errorf("marshal event: %w", err)
	}

	s.log.Debug("publishing event",
		slog.String("topic", s.topic),
		slog.String("session_id", evt.SessionID),
		slog.String("type", string(evt.Type)),
		slog.Uint64("seq", evt.Seq))

	if s.writer == nil {
		s.published.Add(ctx, 1, attrs)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: payload,
		Time:  evt.Time,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(evt.Type)},
			{Key: "principal", Value: []byte(s.principal)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.failed.Add(ctx, 1, attrs)
		return fmt.Errorf("write to kafka: %w", err)
	}
	s.published.Add(ctx, 1, attrs)
	s.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	return nil
}

// Close detaches from the gateway and flushes the writer.
func (s *Sink) Close() error {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

func (s *Sink) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/speechd/kafkasink")
	var err error
	if s.published, err = meter.Int64Counter("speech.kafka.published", metric.WithDescription("Events published to Kafka")); err != nil {
		s.published, _ = noop.Meter{}.Int64Counter("speech.kafka.published")
	}
	if s.failed, err = meter.Int64Counter("speech.kafka.failed", metric.WithDescription("Events that failed to publish")); err != nil {
		s.failed, _ = noop.Meter{}.Int64Counter("speech.kafka.failed")
	}
	if s.latency, err = meter.Float64Histogram("speech.kafka.write_seconds", metric.WithDescription("Kafka write latency"), metric.WithUnit("s")); err != nil {
		s.latency, _ = noop.Meter{}.Float64Histogram("speech.kafka.write_seconds")
	}
}
