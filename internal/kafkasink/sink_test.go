package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/speechd/internal/config"
	"github.com/loqalabs/speechd/internal/gateway"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/loqalabs/speechd/internal/speech"
	"github.com/segmentio/kafka-go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestDisabledSinkIsLogOnly(t *testing.T) {
	s := New(config.KafkaConfig{Enabled: true, Topic: "speech.events"}, newLogger())
	if s.Enabled() {
		t.Fatal("sink without brokers must be log-only")
	}
	if err := s.Publish(context.Background(), speech.Event{Type: speech.EventEnded}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublishKeysBySession(t *testing.T) {
	s := New(config.KafkaConfig{Topic: "speech.events", Principal: "svc-speechd"}, newLogger())
	w := &fakeWriter{}
	s.writer = w

	g := gateway.New(newLogger())
	if err := s.Attach(g); err != nil {
		t.Fatalf("attach: %v", err)
	}
	g.Emit(speech.Event{Seq: 1, Type: speech.EventTranscription, SessionID: "s1", Text: "hi"})
	g.Emit(speech.Event{Seq: 2, Type: speech.EventEnded, SessionID: "s1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	g.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		t.Fatal("expected writer closed")
	}
	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	first := w.msgs[0]
	if string(first.Key) != "s1" {
		t.Fatalf("unexpected key %q", first.Key)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(first.Value, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Seq != 1 || env.Text == nil || *env.Text != "hi" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if string(first.Headers[1].Value) != "svc-speechd" {
		t.Fatalf("unexpected principal header %q", first.Headers[1].Value)
	}
	if string(w.msgs[1].Headers[0].Value) != "ended" {
		t.Fatalf("unexpected event type header %q", w.msgs[1].Headers[0].Value)
	}
}

func TestPublishReturnsWriterError(t *testing.T) {
	s := New(config.KafkaConfig{Topic: "speech.events"}, newLogger())
	s.writer = &fakeWriter{err: errors.New("broker down")}
	if err := s.Publish(context.Background(), speech.Event{Type: speech.EventEnded}); err == nil {
		t.Fatal("expected error")
	}
}
