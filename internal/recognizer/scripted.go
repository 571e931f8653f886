// Package recognizer holds the local speech.Recognizer implementations: a
// scripted engine for development and an exec engine that drives an external
// recognition command.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/speechd/internal/speech"
)

// StepKind names one scripted recognizer callback.
type StepKind string

const (
	StepPartial     StepKind = "partial"
	StepFinal       StepKind = "final"
	StepNoSpeech    StepKind = "no_speech"
	StepEnd         StepKind = "end"
	StepError       StepKind = "error"
	StepAvailable   StepKind = "available"
	StepUnavailable StepKind = "unavailable"
	StepLocale      StepKind = "locale"
)

// Step is one callback of a script. Text carries the transcription, the
// error message or the locale depending on Kind.
type Step struct {
	Kind StepKind
	Text string
}

// Script is the sequence of callbacks replayed for one session.
type Script []Step

// DefaultScripts are cycled through by a Scripted recognizer with no scripts.
var DefaultScripts = []Script{
	{
		{StepPartial, "what's"},
		{StepPartial, "what's the"},
		{StepPartial, "what's the weather"},
		{StepFinal, "what's the weather like tomorrow"},
	},
	{
		{StepPartial, "turn"},
		{StepPartial, "turn off the"},
		{StepFinal, "turn off the kitchen lights"},
	},
	{
		{StepNoSpeech, ""},
	},
	{
		{StepPartial, "set a timer"},
		{StepPartial, "set a timer for ten"},
		{StepFinal, "set a timer for ten minutes"},
	},
}

// ParseScript reads a compact script such as
// "partial:hello;partial:hello wor;final:hello world".
func ParseScript(s string) (Script, error) {
	var script Script
	for _, raw := range strings.Split(s, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		kind, text, _ := strings.Cut(raw, ":")
		step := Step{Kind: StepKind(strings.TrimSpace(kind)), Text: text}
		switch step.Kind {
		case StepPartial, StepFinal, StepNoSpeech, StepEnd, StepError, StepAvailable, StepUnavailable:
		case StepLocale:
			if step.Text == "" {
				return nil, fmt.Errorf("locale step needs a locale")
			}
		default:
			return nil, fmt.Errorf("unknown script step %q", kind)
		}
		script = append(script, step)
	}
	if len(script) == 0 {
		return nil, errors.New("script is empty")
	}
	return script, nil
}

// Scripted replays scripts asynchronously, one step per delay. Stop cancels
// the replay but, like a real engine, still reports a late end for the
// stopped session.
type Scripted struct {
	delay   time.Duration
	scripts []Script
	log     *slog.Logger

	mu      sync.Mutex
	next    int
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewScripted(delay time.Duration, scripts []Script, log *slog.Logger) *Scripted {
	if len(scripts) == 0 {
		scripts = DefaultScripts
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scripted{
		delay:   delay,
		scripts: scripts,
		log:     log.With(slog.String("component", "scripted-recognizer")),
		running: make(map[string]context.CancelFunc),
	}
}

func (r *Scripted) Start(_ context.Context, req speech.Request, cb speech.Callbacks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[req.SessionID]; ok {
		return fmt.Errorf("session %s already running", req.SessionID)
	}
	script := r.scripts[r.next%len(r.scripts)]
	r.next++

	ctx, cancel := context.WithCancel(context.Background())
	r.running[req.SessionID] = cancel
	r.wg.Add(1)
	go r.replay(ctx, req.SessionID, script, cb)
	r.log.Debug("replaying script", slog.String("session_id", req.SessionID), slog.Int("steps", len(script)))
	return nil
}

func (r *Scripted) Stop(_ context.Context, sessionID string) error {
	r.mu.Lock()
	cancel, ok := r.running[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Close cancels every replay and waits for them to return.
func (r *Scripted) Close() {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Scripted) replay(ctx context.Context, sessionID string, script Script, cb speech.Callbacks) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.running[sessionID]; ok {
			cancel()
			delete(r.running, sessionID)
		}
		r.mu.Unlock()
	}()

	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	for _, step := range script {
		select {
		case <-ctx.Done():
			cb.OnEnd(sessionID)
			return
		case <-timer.C:
		}
		dispatch(cb, sessionID, step)
		timer.Reset(r.delay)
	}
}

func dispatch(cb speech.Callbacks, sessionID string, step Step) {
	switch step.Kind {
	case StepPartial:
		cb.OnPartialResult(sessionID, step.Text)
	case StepFinal:
		cb.OnFinalResult(sessionID, step.Text)
	case StepNoSpeech:
		cb.OnNoSpeechDetected(sessionID)
	case StepEnd:
		cb.OnEnd(sessionID)
	case StepError:
		msg := step.Text
		if msg == "" {
			msg = "recognition error"
		}
		cb.OnError(sessionID, errors.New(msg))
	case StepAvailable:
		cb.OnAvailabilityChanged(true)
	case StepUnavailable:
		cb.OnAvailabilityChanged(false)
	case StepLocale:
		cb.OnLocaleChanged(step.Text)
	}
}
