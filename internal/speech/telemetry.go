package speech

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/speechd/speech"

type machineMetrics struct {
	started    metric.Int64Counter
	terminated metric.Int64Counter
	emitted    metric.Int64Counter
	rejected   metric.Int64Counter
	stale      metric.Int64Counter
}

func newMachineMetrics(log *slog.Logger) *machineMetrics {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warn("failed to create counter", slog.String("name", name), slogError(err))
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	return &machineMetrics{
		started:    counter("speech.sessions.started", "Sessions accepted by the state machine"),
		terminated: counter("speech.sessions.terminated", "Sessions that reached a terminal state"),
		emitted:    counter("speech.events.emitted", "Events approved for delivery"),
		rejected:   counter("speech.start.rejected", "Start requests rejected because a session was active"),
		stale:      counter("speech.callbacks.stale", "Recognizer callbacks discarded for stale sessions"),
	}
}

func (m *machineMetrics) recordStarted() {
	m.started.Add(context.Background(), 1)
}

func (m *machineMetrics) recordTerminated(outcome State) {
	m.terminated.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

func (m *machineMetrics) recordEmitted(t EventType) {
	m.emitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(t))))
}

func (m *machineMetrics) recordRejected() {
	m.rejected.Add(context.Background(), 1)
}

func (m *machineMetrics) recordStale(callback string) {
	m.stale.Add(context.Background(), 1, metric.WithAttributes(attribute.String("callback", callback)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
