package speech

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fakeRecognizer struct {
	mu       sync.Mutex
	started  []Request
	stopped  []string
	startErr error
	onStart  func(req Request, cb Callbacks)
}

func (f *fakeRecognizer) Start(_ context.Context, req Request, cb Callbacks) error {
	f.mu.Lock()
	f.started = append(f.started, req)
	hook := f.onStart
	err := f.startErr
	f.mu.Unlock()
	if hook != nil {
		hook(req, cb)
	}
	return err
}

func (f *fakeRecognizer) Stop(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func newTestMachine(t *testing.T) (*Machine, *fakeRecognizer, *recorder) {
	t.Helper()
	rec := &fakeRecognizer{}
	out := &recorder{}
	m := NewMachine(rec, out, Options{
		DefaultLocale:    "en-US",
		SupportedLocales: []string{"en_US", "de_DE"},
	})
	t.Cleanup(m.Close)
	return m, rec, out
}

func mustStart(t *testing.T, m *Machine) Session {
	t.Helper()
	s, err := m.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

type want struct {
	typ       EventType
	isFinal   bool
	text      string
	available bool
}

func assertStream(t *testing.T, got []Event, expected []want) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("expected %d events, got %d: %v", len(expected), len(got), got)
	}
	for i, w := range expected {
		e := got[i]
		if e.Type != w.typ || e.IsFinal != w.isFinal || e.Text != w.text || e.Available != w.available {
			t.Fatalf("event %d: expected %+v, got %s", i, w, e)
		}
		if e.Seq == 0 || (i > 0 && e.Seq != got[i-1].Seq+1) {
			t.Fatalf("event %d: sequence gap in %v", i, got)
		}
	}
}

func TestPartialsThenFinal(t *testing.T) {
	m, _, out := newTestMachine(t)
	s := mustStart(t, m)
	if s.State != StateListening {
		t.Fatalf("expected listening after ready recognizer, got %s", s.State)
	}

	m.OnPartialResult(s.ID, "hel")
	m.OnPartialResult(s.ID, "hello")
	m.OnFinalResult(s.ID, "hello world")

	assertStream(t, out.snapshot(), []want{
		{typ: EventTranscription, text: "hel"},
		{typ: EventTranscription, text: "hello"},
		{typ: EventTranscription, isFinal: true, text: "hello world"},
		{typ: EventEnded},
	})
	if m.State() != StateEnded {
		t.Fatalf("expected ended, got %s", m.State())
	}
	if _, ok := m.Current(); ok {
		t.Fatal("expected no active session")
	}
}

func TestNoSpeech(t *testing.T) {
	m, _, out := newTestMachine(t)
	s := mustStart(t, m)

	m.OnNoSpeechDetected(s.ID)

	assertStream(t, out.snapshot(), []want{
		{typ: EventNoSpeechDetected},
		{typ: EventEnded},
	})
}

func TestUnavailableTerminatesSession(t *testing.T) {
	m, _, out := newTestMachine(t)
	s := mustStart(t, m)

	m.OnAvailabilityChanged(false)
	m.OnPartialResult(s.ID, "late")

	got := out.snapshot()
	assertStream(t, got, []want{{typ: EventAvailabilityChanged, available: false}})
	if got[0].SessionID != s.ID {
		t.Fatalf("expected availability event tagged with session, got %q", got[0].SessionID)
	}
	if m.State() != StateUnavailable {
		t.Fatalf("expected unavailable, got %s", m.State())
	}
	st := m.Status()
	if st.Session == nil || st.Session.State != StateUnavailable {
		t.Fatalf("expected terminal session in status, got %+v", st.Session)
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	m, rec, out := newTestMachine(t)
	first := mustStart(t, m)

	if _, err := m.Start(context.Background(), StartOptions{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if len(out.snapshot()) != 0 {
		t.Fatalf("expected no events, got %v", out.snapshot())
	}
	cur, ok := m.Current()
	if !ok || cur.ID != first.ID || cur.State != StateListening {
		t.Fatalf("expected original session untouched, got %+v", cur)
	}
	if len(rec.started) != 1 {
		t.Fatalf("expected recognizer started once, got %d", len(rec.started))
	}
}

func TestLocaleChangeInAnyState(t *testing.T) {
	m, _, out := newTestMachine(t)

	m.OnLocaleChanged("de-de")
	if m.State() != StateIdle {
		t.Fatalf("locale change altered idle state: %s", m.State())
	}

	s := mustStart(t, m)
	if s.Locale != "de_DE" {
		t.Fatalf("expected session to use changed locale, got %q", s.Locale)
	}
	m.OnLocaleChanged("en_US")
	cur, _ := m.Current()
	if cur.State != StateListening || cur.Locale != "en_US" {
		t.Fatalf("unexpected session after locale change: %+v", cur)
	}

	got := out.snapshot()
	if len(got) != 2 || got[0].Type != EventLocaleChanged || got[1].Type != EventLocaleChanged {
		t.Fatalf("expected two locale events, got %v", got)
	}
	if got[0].SessionID != "" || got[1].SessionID != s.ID {
		t.Fatalf("unexpected session tagging: %v", got)
	}
	if got[0].Locale != "de_DE" {
		t.Fatalf("expected normalized locale, got %q", got[0].Locale)
	}
}

func TestBlankLocaleCallbackIgnored(t *testing.T) {
	m, _, out := newTestMachine(t)

	m.OnLocaleChanged("   ")
	m.OnLocaleChanged("")
	if m.Locale() != "en_US" {
		t.Fatalf("blank locale replaced %q", m.Locale())
	}
	if got := out.snapshot(); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}

	s := mustStart(t, m)
	if s.Locale != "en_US" {
		t.Fatalf("expected default locale, got %q", s.Locale)
	}
}

func TestTranscriptionKeepsSegments(t *testing.T) {
	m, _, out := newTestMachine(t)
	s := mustStart(t, m)

	segments := []Segment{
		{Substring: "hello", Timestamp: 0.1, Duration: 0.4, Confidence: 0.9},
		{Substring: "world", Timestamp: 0.6, Duration: 0.5, Confidence: 0.8},
	}
	DeliverTranscription(m, s.ID, Transcription{Text: "hello", Segments: segments[:1]}, false)
	DeliverTranscription(m, s.ID, Transcription{Text: "hello world", Segments: segments}, true)
	segments[0].Substring = "changed"

	got := out.snapshot()
	assertStream(t, got, []want{
		{typ: EventTranscription, text: "hello"},
		{typ: EventTranscription, isFinal: true, text: "hello world"},
		{typ: EventEnded},
	})
	if len(got[0].Segments) != 1 || len(got[1].Segments) != 2 {
		t.Fatalf("unexpected segments: %+v / %+v", got[0].Segments, got[1].Segments)
	}
	if got[1].Segments[0].Substring != "hello" || got[1].Segments[1].Confidence != 0.8 {
		t.Fatalf("event shares caller segments: %+v", got[1].Segments)
	}

	m.OnPartialResult(s.ID, "late")
	if len(out.snapshot()) != 3 {
		t.Fatal("stale transcription emitted")
	}
}

func TestFinalWinsOverFollowingFailure(t *testing.T) {
	m, _, out := newTestMachine(t)
	s := mustStart(t, m)

	m.OnFinalResult(s.ID, "done")
	m.OnError(s.ID, errors.New("late failure"))
	m.OnNoSpeechDetected(s.ID)
	m.OnEnd(s.ID)

	assertStream(t, out.snapshot(), []want{
		{typ: EventTranscription, isFinal: true, text: "done"},
		{typ: EventEnded},
	})
}

func TestFailureDiscardsLaterCallbacks(t *testing.T) {
	m, _, out := newTestMachine(t)
	s := mustStart(t, m)

	m.OnPartialResult(s.ID, "a")
	m.OnError(s.ID, errors.New("boom"))
	m.OnPartialResult(s.ID, "b")
	m.OnFinalResult(s.ID, "c")

	assertStream(t, out.snapshot(), []want{
		{typ: EventTranscription, text: "a"},
		{typ: EventFailed},
	})
	if m.State() != StateFailed {
		t.Fatalf("expected failed, got %s", m.State())
	}
}

func TestStopDiscardsLateFinal(t *testing.T) {
	m, rec, out := newTestMachine(t)
	s := mustStart(t, m)

	m.OnPartialResult(s.ID, "hi")
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	m.OnFinalResult(s.ID, "hi there")

	assertStream(t, out.snapshot(), []want{
		{typ: EventTranscription, text: "hi"},
		{typ: EventEnded},
	})
	if len(rec.stopped) != 1 || rec.stopped[0] != s.ID {
		t.Fatalf("expected recognizer stopped for %s, got %v", s.ID, rec.stopped)
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	m, rec, out := newTestMachine(t)
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if len(out.snapshot()) != 0 || len(rec.stopped) != 0 {
		t.Fatal("expected idle stop to do nothing")
	}
}

func TestNewStartSupersedesTerminalSession(t *testing.T) {
	m, _, out := newTestMachine(t)
	first := mustStart(t, m)
	m.OnEnd(first.ID)

	second := mustStart(t, m)
	if second.ID == first.ID {
		t.Fatal("expected fresh session id")
	}
	m.OnPartialResult(first.ID, "stale")
	m.OnPartialResult(second.ID, "fresh")

	got := out.snapshot()
	assertStream(t, got, []want{
		{typ: EventEnded},
		{typ: EventTranscription, text: "fresh"},
	})
	if got[1].SessionID != second.ID {
		t.Fatalf("expected event for second session, got %s", got[1].SessionID)
	}
}

func TestRecognizerStartFailure(t *testing.T) {
	m, rec, out := newTestMachine(t)
	rec.startErr = errors.New("microphone busy")

	if _, err := m.Start(context.Background(), StartOptions{}); err == nil {
		t.Fatal("expected start error")
	}
	assertStream(t, out.snapshot(), []want{{typ: EventFailed}})
	if m.State() != StateFailed {
		t.Fatalf("expected failed, got %s", m.State())
	}

	rec.startErr = nil
	mustStart(t, m)
}

func TestCallbacksDuringRecognizerStart(t *testing.T) {
	m, rec, out := newTestMachine(t)
	rec.onStart = func(req Request, cb Callbacks) {
		cb.OnPartialResult(req.SessionID, "early")
	}

	s := mustStart(t, m)
	if s.State != StateListening {
		t.Fatalf("expected listening, got %s", s.State)
	}
	assertStream(t, out.snapshot(), []want{{typ: EventTranscription, text: "early"}})
}

func TestStopDuringRecognizerStart(t *testing.T) {
	m, rec, out := newTestMachine(t)
	rec.onStart = func(req Request, cb Callbacks) {
		if err := m.Stop(context.Background()); err != nil {
			t.Errorf("stop: %v", err)
		}
	}

	s, err := m.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State != StateEnded {
		t.Fatalf("expected ended snapshot, got %s", s.State)
	}
	assertStream(t, out.snapshot(), []want{{typ: EventEnded}})
	// once from Stop, once more after Start returned
	if len(rec.stopped) != 2 {
		t.Fatalf("expected recognizer stop twice, got %v", rec.stopped)
	}
}

func TestAvailabilityRestoredMovesPendingSessionToListening(t *testing.T) {
	m, rec, out := newTestMachine(t)
	var pending Request
	rec.onStart = func(req Request, cb Callbacks) {
		pending = req
		cb.OnAvailabilityChanged(true)
	}

	mustStart(t, m)
	got := out.snapshot()
	assertStream(t, got, []want{{typ: EventAvailabilityChanged, available: true}})
	if got[0].SessionID != pending.SessionID {
		t.Fatalf("expected availability tagged with pending session")
	}
}

func TestAvailabilityWithoutSession(t *testing.T) {
	m, _, out := newTestMachine(t)

	m.OnAvailabilityChanged(false)
	if m.State() != StateUnavailable || m.Available() {
		t.Fatalf("expected unavailable, got %s", m.State())
	}
	m.OnAvailabilityChanged(true)
	if m.State() != StateIdle || !m.Available() {
		t.Fatalf("expected idle after availability restored, got %s", m.State())
	}
	if _, ok := m.Current(); ok {
		t.Fatal("availability must not start a session")
	}
	assertStream(t, out.snapshot(), []want{
		{typ: EventAvailabilityChanged, available: false},
		{typ: EventAvailabilityChanged, available: true},
	})
}

func TestSetLocale(t *testing.T) {
	m, _, out := newTestMachine(t)

	if err := m.SetLocale("fr_FR"); !errors.Is(err, ErrUnsupportedLocale) {
		t.Fatalf("expected ErrUnsupportedLocale, got %v", err)
	}
	if err := m.SetLocale("de-DE"); err != nil {
		t.Fatalf("set locale: %v", err)
	}
	mustStart(t, m)
	if err := m.SetLocale("en_US"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if m.Locale() != "de_DE" {
		t.Fatalf("expected de_DE, got %s", m.Locale())
	}
	assertStream(t, out.snapshot(), []want{{typ: EventLocaleChanged}})
}

func TestStartWithUnsupportedLocale(t *testing.T) {
	m, rec, out := newTestMachine(t)
	if _, err := m.Start(context.Background(), StartOptions{Locale: "ja_JP"}); !errors.Is(err, ErrUnsupportedLocale) {
		t.Fatalf("expected ErrUnsupportedLocale, got %v", err)
	}
	if m.State() != StateIdle || len(rec.started) != 0 || len(out.snapshot()) != 0 {
		t.Fatal("rejected start must leave the machine untouched")
	}
}

func TestGracePeriodReturnsToIdle(t *testing.T) {
	rec := &fakeRecognizer{}
	m := NewMachine(rec, &recorder{}, Options{DefaultLocale: "en_US", GracePeriod: 10 * time.Millisecond})
	t.Cleanup(m.Close)

	s := mustStart(t, m)
	m.OnEnd(s.ID)
	if m.State() != StateEnded {
		t.Fatalf("expected ended, got %s", m.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("machine did not return to idle, state %s", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGraceTimerDoesNotResetNewSession(t *testing.T) {
	rec := &fakeRecognizer{}
	m := NewMachine(rec, &recorder{}, Options{DefaultLocale: "en_US", GracePeriod: 20 * time.Millisecond})
	t.Cleanup(m.Close)

	s := mustStart(t, m)
	m.OnEnd(s.ID)
	mustStart(t, m)
	time.Sleep(60 * time.Millisecond)
	if m.State() != StateListening {
		t.Fatalf("expected listening, got %s", m.State())
	}
}

// TestRandomCallbackSequences drives the machine with interleavings of host
// requests and callbacks for current and stale sessions, then checks the
// stream-level guarantees.
func TestRandomCallbackSequences(t *testing.T) {
	for seed := int64(1); seed <= 50; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rnd := rand.New(rand.NewSource(seed))
			m, _, out := newTestMachine(t)
			var ids []string

			for step := 0; step < 200; step++ {
				id := ""
				if len(ids) > 0 {
					id = ids[rnd.Intn(len(ids))]
				}
				switch rnd.Intn(10) {
				case 0:
					if s, err := m.Start(context.Background(), StartOptions{}); err == nil {
						ids = append(ids, s.ID)
					}
				case 1:
					_ = m.Stop(context.Background())
				case 2, 3:
					m.OnPartialResult(id, "p")
				case 4:
					m.OnFinalResult(id, "f")
				case 5:
					m.OnNoSpeechDetected(id)
				case 6:
					m.OnEnd(id)
				case 7:
					m.OnError(id, nil)
				case 8:
					m.OnAvailabilityChanged(rnd.Intn(2) == 0)
				case 9:
					m.OnLocaleChanged("en_US")
				}
			}

			checkStreamInvariants(t, out.snapshot())
		})
	}
}

func checkStreamInvariants(t *testing.T, events []Event) {
	t.Helper()
	terminated := map[string]bool{}
	for i, e := range events {
		if i > 0 && e.Seq != events[i-1].Seq+1 {
			t.Fatalf("sequence gap at %d", i)
		}
		if e.SessionID == "" {
			continue
		}
		if terminated[e.SessionID] && e.Type != EventLocaleChanged {
			t.Fatalf("event after terminal for %s: %s", e.SessionID, e)
		}
		if e.Type == EventTranscription && e.IsFinal {
			if i+1 >= len(events) {
				t.Fatalf("final transcription not followed by ended")
			}
			next := events[i+1]
			if next.Type != EventEnded || next.SessionID != e.SessionID {
				t.Fatalf("final followed by %s", next)
			}
		}
		if e.Terminal() {
			terminated[e.SessionID] = true
		}
	}

	// at most one session open at any point in the stream
	open := map[string]bool{}
	for _, e := range events {
		if e.SessionID == "" {
			continue
		}
		if e.Terminal() {
			delete(open, e.SessionID)
			continue
		}
		open[e.SessionID] = true
		if len(open) > 1 {
			t.Fatalf("more than one active session in stream: %v", open)
		}
	}
}
