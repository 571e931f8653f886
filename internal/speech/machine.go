package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrSessionActive rejects host requests that need an idle machine.
	ErrSessionActive = errors.New("speech session already active")
	// ErrUnsupportedLocale rejects locales outside the configured set.
	ErrUnsupportedLocale = errors.New("unsupported locale")
)

// Options configures a Machine.
type Options struct {
	DefaultLocale string
	// SupportedLocales restricts Start and SetLocale. Empty accepts any locale.
	SupportedLocales []string
	// GracePeriod is how long a terminal state is kept before the machine
	// reports idle again. Zero keeps the terminal state until the next start.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// StartOptions are the host parameters of a start request.
type StartOptions struct {
	Locale    string
	AudioPath string
}

// Session is a snapshot of a recognition session.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Locale    string    `json:"locale"`
	AudioPath string    `json:"audio_path,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a snapshot of the whole machine.
type Status struct {
	State     State    `json:"state"`
	Available bool     `json:"available"`
	Locale    string   `json:"locale"`
	Session   *Session `json:"session,omitempty"`
}

type session struct {
	id        string
	state     State
	locale    string
	audioPath string
	startedAt time.Time
	span      trace.Span
}

func (s *session) snapshot() Session {
	return Session{
		ID:        s.id,
		State:     s.state,
		Locale:    s.locale,
		AudioPath: s.audioPath,
		StartedAt: s.startedAt,
	}
}

// Machine serializes host requests and recognizer callbacks for a single
// logical recognition session and emits the resulting event stream.
type Machine struct {
	recognizer Recognizer
	emitter    Emitter
	log        *slog.Logger
	metrics    *machineMetrics
	tracer     trace.Tracer
	supported  []string
	grace      time.Duration
	newID      func() string
	clock      func() time.Time

	mu         sync.Mutex
	state      State
	current    *session
	last       *session
	locale     string
	available  bool
	seq        uint64
	graceEpoch uint64
	graceTimer *time.Timer
}

// NewMachine builds an idle machine that drives recognizer and emits into
// emitter.
func NewMachine(recognizer Recognizer, emitter Emitter, opts Options) *Machine {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With(slog.String("component", "speech-machine"))

	supported := make([]string, 0, len(opts.SupportedLocales))
	for _, l := range opts.SupportedLocales {
		if n := NormalizeLocale(l); n != "" && !slices.Contains(supported, n) {
			supported = append(supported, n)
		}
	}

	return &Machine{
		recognizer: recognizer,
		emitter:    emitter,
		log:        log,
		metrics:    newMachineMetrics(log),
		tracer:     otel.Tracer(instrumentationName),
		supported:  supported,
		grace:      opts.GracePeriod,
		newID:      uuid.NewString,
		clock:      time.Now,
		state:      StateIdle,
		locale:     NormalizeLocale(opts.DefaultLocale),
		available:  true,
	}
}

// Start opens a new session. It fails with ErrSessionActive while another
// session is non-terminal; in that case nothing changes and nothing is
// emitted. A recognizer that fails to start fails the session.
func (m *Machine) Start(ctx context.Context, opts StartOptions) (Session, error) {
	m.mu.Lock()
	if m.current != nil {
		id := m.current.id
		m.mu.Unlock()
		m.metrics.recordRejected()
		m.log.Info("start rejected", slog.String("session_id", id))
		return Session{}, ErrSessionActive
	}
	locale := m.locale
	if opts.Locale != "" {
		resolved, err := m.resolveLocale(opts.Locale)
		if err != nil {
			m.mu.Unlock()
			return Session{}, err
		}
		locale = resolved
	}
	m.cancelGraceLocked()

	s := &session{
		id:        m.newID(),
		state:     StateStarting,
		locale:    locale,
		audioPath: opts.AudioPath,
		startedAt: m.clock().UTC(),
	}
	_, s.span = m.tracer.Start(ctx, "speech.session",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("speech.session_id", s.id),
			attribute.String("speech.locale", s.locale),
			attribute.Bool("speech.file", s.audioPath != ""),
		))
	m.current = s
	m.state = StateStarting
	m.mu.Unlock()

	m.metrics.recordStarted()
	m.log.Info("session starting", slog.String("session_id", s.id), slog.String("locale", s.locale))

	req := Request{SessionID: s.id, Locale: s.locale, AudioPath: s.audioPath}
	if err := m.recognizer.Start(ctx, req, m); err != nil {
		m.mu.Lock()
		if m.isCurrentLocked(s.id) {
			s.span.RecordError(err)
			m.terminateLocked(s, StateFailed)
			m.emitLocked(lifecycleEvent(EventFailed, s.id))
		}
		m.mu.Unlock()
		m.log.Warn("recognizer failed to start", slog.String("session_id", s.id), slogError(err))
		return Session{}, fmt.Errorf("start recognizer: %w", err)
	}

	m.mu.Lock()
	if !m.isCurrentLocked(s.id) {
		// Stopped or failed while the recognizer was starting; make sure the
		// capture it just opened does not outlive the session.
		snap := s.snapshot()
		m.mu.Unlock()
		if err := m.recognizer.Stop(context.WithoutCancel(ctx), s.id); err != nil {
			m.log.Warn("failed to stop superseded recognizer session", slog.String("session_id", s.id), slogError(err))
		}
		return snap, nil
	}
	if s.state == StateStarting {
		m.transitionLocked(s, StateListening)
	}
	snap := s.snapshot()
	m.mu.Unlock()
	return snap, nil
}

// Stop cancels the active session. The machine reaches Ended immediately and
// emits ended; the recognizer is then asked to stop. Stop is a no-op when no
// session is active.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	s.span.SetAttributes(attribute.Bool("speech.cancelled", true))
	m.terminateLocked(s, StateEnded)
	m.emitLocked(lifecycleEvent(EventEnded, s.id))
	m.mu.Unlock()

	m.log.Info("session cancelled", slog.String("session_id", s.id))
	if err := m.recognizer.Stop(ctx, s.id); err != nil {
		return fmt.Errorf("stop recognizer: %w", err)
	}
	return nil
}

// SetLocale changes the locale used by the next session. It is refused while
// a session is active.
func (m *Machine) SetLocale(locale string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return ErrSessionActive
	}
	resolved, err := m.resolveLocale(locale)
	if err != nil {
		return err
	}
	m.locale = resolved
	m.emitLocked(localeEvent("", resolved))
	return nil
}

func (m *Machine) OnPartialResult(sessionID, text string) {
	m.OnPartialTranscription(sessionID, Transcription{Text: text})
}

func (m *Machine) OnFinalResult(sessionID, text string) {
	m.OnFinalTranscription(sessionID, Transcription{Text: text})
}

// OnPartialTranscription is OnPartialResult with timed segments.
func (m *Machine) OnPartialTranscription(sessionID string, t Transcription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.acceptLocked(sessionID, "partial")
	if !ok {
		return
	}
	m.markListeningLocked(s)
	m.emitLocked(transcriptionEvent(s.id, t, false))
}

// OnFinalTranscription is OnFinalResult with timed segments.
func (m *Machine) OnFinalTranscription(sessionID string, t Transcription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.acceptLocked(sessionID, "final")
	if !ok {
		return
	}
	m.markListeningLocked(s)
	m.transitionLocked(s, StateFinalizing)
	m.emitLocked(transcriptionEvent(s.id, t, true))
	m.terminateLocked(s, StateEnded)
	m.emitLocked(lifecycleEvent(EventEnded, s.id))
}

func (m *Machine) OnNoSpeechDetected(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.acceptLocked(sessionID, "no_speech")
	if !ok {
		return
	}
	m.markListeningLocked(s)
	m.emitLocked(lifecycleEvent(EventNoSpeechDetected, s.id))
	m.terminateLocked(s, StateEnded)
	m.emitLocked(lifecycleEvent(EventEnded, s.id))
}

func (m *Machine) OnEnd(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.acceptLocked(sessionID, "end")
	if !ok {
		return
	}
	m.terminateLocked(s, StateEnded)
	m.emitLocked(lifecycleEvent(EventEnded, s.id))
}

func (m *Machine) OnError(sessionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.acceptLocked(sessionID, "error")
	if !ok {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		m.log.Warn("recognition failed", slog.String("session_id", s.id), slogError(err))
	} else {
		m.log.Warn("recognition failed", slog.String("session_id", s.id))
	}
	m.terminateLocked(s, StateFailed)
	m.emitLocked(lifecycleEvent(EventFailed, s.id))
}

func (m *Machine) OnAvailabilityChanged(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.available = available
	s := m.current

	if !available {
		if s != nil {
			m.log.Warn("recognizer unavailable, ending session", slog.String("session_id", s.id))
			m.terminateLocked(s, StateUnavailable)
			m.emitLocked(availabilityEvent(s.id, false))
			return
		}
		m.cancelGraceLocked()
		m.state = StateUnavailable
		m.emitLocked(availabilityEvent("", false))
		return
	}

	if s != nil {
		m.markListeningLocked(s)
		m.emitLocked(availabilityEvent(s.id, true))
		return
	}
	if m.state == StateUnavailable {
		m.cancelGraceLocked()
		m.state = StateIdle
	}
	m.emitLocked(availabilityEvent("", true))
}

func (m *Machine) OnLocaleChanged(locale string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	normalized := NormalizeLocale(locale)
	if normalized == "" {
		m.log.Debug("ignoring malformed locale callback", slog.String("locale", locale))
		return
	}
	m.locale = normalized
	sessionID := ""
	if s := m.current; s != nil {
		s.locale = normalized
		sessionID = s.id
	}
	m.emitLocked(localeEvent(sessionID, normalized))
}

// State returns the machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the active session, if any.
func (m *Machine) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return m.current.snapshot(), true
}

// Status returns a consistent snapshot of the machine. Session is the active
// session, or the most recent one when the machine is idle or terminal.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{State: m.state, Available: m.available, Locale: m.locale}
	s := m.current
	if s == nil {
		s = m.last
	}
	if s != nil {
		snap := s.snapshot()
		st.Session = &snap
	}
	return st
}

// Locale returns the locale the next session starts with.
func (m *Machine) Locale() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locale
}

// Available reports the last availability signalled by the recognizer.
func (m *Machine) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Capturing reports whether a session is listening.
func (m *Machine) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.state == StateListening
}

// SupportedLocales returns the configured locale set.
func (m *Machine) SupportedLocales() []string {
	return slices.Clone(m.supported)
}

// Close stops the grace timer. It does not stop an active session.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelGraceLocked()
}

func (m *Machine) resolveLocale(locale string) (string, error) {
	normalized := NormalizeLocale(locale)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty locale", ErrUnsupportedLocale)
	}
	if len(m.supported) > 0 && !slices.Contains(m.supported, normalized) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLocale, normalized)
	}
	return normalized, nil
}

// acceptLocked applies the stale-session guard: only callbacks for the
// current non-terminal session pass.
func (m *Machine) acceptLocked(sessionID, callback string) (*session, bool) {
	if !m.isCurrentLocked(sessionID) {
		m.metrics.recordStale(callback)
		m.log.Debug("discarding stale callback",
			slog.String("callback", callback),
			slog.String("session_id", sessionID))
		return nil, false
	}
	return m.current, true
}

func (m *Machine) isCurrentLocked(sessionID string) bool {
	return m.current != nil && m.current.id == sessionID && m.current.state.IsActive()
}

func (m *Machine) markListeningLocked(s *session) {
	if s.state == StateStarting {
		m.transitionLocked(s, StateListening)
	}
}

func (m *Machine) transitionLocked(s *session, next State) {
	m.log.Debug("session transition",
		slog.String("session_id", s.id),
		slog.String("from", s.state.String()),
		slog.String("to", next.String()))
	s.state = next
	m.state = next
}

func (m *Machine) terminateLocked(s *session, outcome State) {
	m.transitionLocked(s, outcome)
	m.current = nil
	m.last = s

	s.span.SetAttributes(attribute.String("speech.outcome", outcome.String()))
	if outcome == StateFailed {
		s.span.SetStatus(codes.Error, "recognition failed")
	}
	s.span.End()
	m.metrics.recordTerminated(outcome)
	m.scheduleIdleLocked()
}

func (m *Machine) scheduleIdleLocked() {
	m.cancelGraceLocked()
	if m.grace <= 0 {
		return
	}
	epoch := m.graceEpoch
	m.graceTimer = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.graceEpoch == epoch && m.current == nil && m.state.IsTerminal() {
			m.state = StateIdle
		}
	})
}

func (m *Machine) cancelGraceLocked() {
	m.graceEpoch++
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Machine) emitLocked(evt Event) {
	m.seq++
	evt.Seq = m.seq
	evt.Time = m.clock().UTC()
	m.emitter.Emit(evt)
	m.metrics.recordEmitted(evt.Type)
}
