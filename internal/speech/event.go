package speech

import (
	"fmt"
	"time"
)

// EventType names one of the outbound messages delivered to subscribers.
type EventType string

const (
	EventTranscription       EventType = "transcription"
	EventNoSpeechDetected    EventType = "noSpeechDetected"
	EventEnded               EventType = "ended"
	EventFailed              EventType = "failed"
	EventAvailabilityChanged EventType = "availabilityChanged"
	EventLocaleChanged       EventType = "localeChanged"
)

// EventTypes lists every outbound event type in a stable order.
var EventTypes = []EventType{
	EventTranscription,
	EventNoSpeechDetected,
	EventEnded,
	EventFailed,
	EventAvailabilityChanged,
	EventLocaleChanged,
}

// Event is an approved, immutable message from the session machine.
//
// Seq increases by one for every emitted event, so subscribers can detect
// ordering problems. SessionID is empty for availability and locale events
// that arrive while no session is active.
type Event struct {
	Seq       uint64
	Type      EventType
	SessionID string
	IsFinal   bool
	Text      string
	// Segments is set on transcription events whose engine reports timing.
	Segments  []Segment
	Available bool
	Locale    string
	Time      time.Time
}

// Terminal reports whether the event closes the session it belongs to.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventEnded, EventFailed:
		return true
	case EventAvailabilityChanged:
		return !e.Available && e.SessionID != ""
	}
	return false
}

func (e Event) String() string {
	switch e.Type {
	case EventTranscription:
		return fmt.Sprintf("#%d %s{isFinal:%t,text:%q} session=%s", e.Seq, e.Type, e.IsFinal, e.Text, e.SessionID)
	case EventAvailabilityChanged:
		return fmt.Sprintf("#%d %s{available:%t} session=%s", e.Seq, e.Type, e.Available, e.SessionID)
	case EventLocaleChanged:
		return fmt.Sprintf("#%d %s{locale:%s} session=%s", e.Seq, e.Type, e.Locale, e.SessionID)
	default:
		return fmt.Sprintf("#%d %s{} session=%s", e.Seq, e.Type, e.SessionID)
	}
}

func transcriptionEvent(sessionID string, t Transcription, final bool) Event {
	evt := Event{Type: EventTranscription, SessionID: sessionID, Text: t.Text, IsFinal: final}
	if len(t.Segments) > 0 {
		evt.Segments = append([]Segment(nil), t.Segments...)
	}
	return evt
}

func lifecycleEvent(t EventType, sessionID string) Event {
	return Event{Type: t, SessionID: sessionID}
}

func availabilityEvent(sessionID string, available bool) Event {
	return Event{Type: EventAvailabilityChanged, SessionID: sessionID, Available: available}
}

func localeEvent(sessionID, locale string) Event {
	return Event{Type: EventLocaleChanged, SessionID: sessionID, Locale: locale}
}

// Emitter receives approved events. Emit is called while the machine holds
// its lock, so implementations must not block or call back into the machine.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(evt Event) { f(evt) }
