package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/speechd/internal/bus"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/loqalabs/speechd/internal/speech"
	"github.com/nats-io/nats.go"
)

// RemoteRecognizer drives a recognition engine that lives behind the bus.
// Callbacks published by the engine are dispatched in arrival order.
type RemoteRecognizer struct {
	bus     *bus.Client
	log     *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	callbacks speech.Callbacks
	sub       *nats.Subscription
}

func NewRemoteRecognizer(busClient *bus.Client, timeout time.Duration, log *slog.Logger) *RemoteRecognizer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RemoteRecognizer{
		bus:     busClient,
		log:     log.With(slog.String("component", "remote-recognizer")),
		timeout: timeout,
	}
}

// Listen subscribes to engine callbacks and routes them to cb. Availability
// and locale callbacks arrive even when no session is active, so Listen is
// called once at startup rather than per session.
func (r *RemoteRecognizer) Listen(cb speech.Callbacks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
	if r.sub != nil {
		return nil
	}
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectEngineCallbackPrefix+".*", r.handleCallback)
	if err != nil {
		return fmt.Errorf("subscribe engine callbacks: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *RemoteRecognizer) Start(ctx context.Context, req speech.Request, cb speech.Callbacks) error {
	if err := r.Listen(cb); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var reply protocol.EngineReply
	err := r.bus.RequestJSON(ctx, protocol.SubjectEngineStart, protocol.EngineStartRequest{
		SessionID: req.SessionID,
		Locale:    req.Locale,
		AudioPath: req.AudioPath,
	}, &reply)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("engine refused session: %s", reply.Error)
	}
	return nil
}

func (r *RemoteRecognizer) Stop(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var reply protocol.EngineReply
	if err := r.bus.RequestJSON(ctx, protocol.SubjectEngineStop, protocol.EngineStopRequest{SessionID: sessionID}, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("engine failed to stop session: %s", reply.Error)
	}
	return nil
}

func (r *RemoteRecognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		_ = r.sub.Drain()
		r.sub = nil
	}
}

func (r *RemoteRecognizer) handleCallback(msg *nats.Msg) {
	kind := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	var payload protocol.EngineCallback
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		r.log.Warn("invalid engine callback", slog.String("kind", kind), slogError(err))
		return
	}

	r.mu.Lock()
	cb := r.callbacks
	r.mu.Unlock()
	if cb == nil {
		return
	}

	switch kind {
	case protocol.CallbackPartial:
		speech.DeliverTranscription(cb, payload.SessionID, payload.Transcription(), false)
	case protocol.CallbackFinal:
		speech.DeliverTranscription(cb, payload.SessionID, payload.Transcription(), true)
	case protocol.CallbackNoSpeech:
		cb.OnNoSpeechDetected(payload.SessionID)
	case protocol.CallbackEnd:
		cb.OnEnd(payload.SessionID)
	case protocol.CallbackError:
		msg := payload.Error
		if msg == "" {
			msg = "remote engine error"
		}
		cb.OnError(payload.SessionID, errors.New(msg))
	case protocol.CallbackAvailability:
		cb.OnAvailabilityChanged(payload.Available)
	case protocol.CallbackLocale:
		cb.OnLocaleChanged(payload.Locale)
	default:
		r.log.Debug("ignoring unknown engine callback", slog.String("kind", kind))
	}
}
