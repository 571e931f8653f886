package protocol

import (
	"time"

	"github.com/loqalabs/speechd/internal/speech"
)

// Host control subjects (request/reply).
const (
	SubjectControlStart  = "speech.ctrl.start"
	SubjectControlStop   = "speech.ctrl.stop"
	SubjectControlLocale = "speech.ctrl.locale"
	SubjectControlStatus = "speech.ctrl.status"
)

// Outbound events are published on SubjectEventPrefix + "." + event type.
const SubjectEventPrefix = "speech.event"

// Remote engine subjects.
const (
	SubjectEngineStart          = "speech.engine.start"
	SubjectEngineStop           = "speech.engine.stop"
	SubjectEngineCallbackPrefix = "speech.engine.callback"
	SubjectEngineHeartbeat      = "speech.engine.heartbeat"
)

// Error codes carried in control replies.
const (
	CodeSessionActive     = "session_active"
	CodeUnsupportedLocale = "unsupported_locale"
	CodeInternal          = "internal"
	CodeBadRequest        = "bad_request"
)

// Engine callback kinds, the last token of the callback subject.
const (
	CallbackPartial      = "partial"
	CallbackFinal        = "final"
	CallbackNoSpeech     = "no_speech"
	CallbackEnd          = "end"
	CallbackError        = "error"
	CallbackAvailability = "availability"
	CallbackLocale       = "locale"
)

// EventSubject returns the subject an event of type t is published on.
func EventSubject(t speech.EventType) string {
	return SubjectEventPrefix + "." + string(t)
}

// EngineCallbackSubject returns the subject for one callback kind.
func EngineCallbackSubject(kind string) string {
	return SubjectEngineCallbackPrefix + "." + kind
}

// Envelope is the wire form of a speech.Event.
type Envelope struct {
	Seq       uint64           `json:"seq"`
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	IsFinal   *bool            `json:"is_final,omitempty"`
	Text      *string          `json:"text,omitempty"`
	Segments  []speech.Segment `json:"segments,omitempty"`
	Available *bool            `json:"available,omitempty"`
	Locale    *string          `json:"locale,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewEnvelope converts evt, carrying only the payload fields of its type.
func NewEnvelope(evt speech.Event) Envelope {
	env := Envelope{
		Seq:       evt.Seq,
		Type:      string(evt.Type),
		SessionID: evt.SessionID,
		Timestamp: evt.Time.UTC(),
	}
	switch evt.Type {
	case speech.EventTranscription:
		final, text := evt.IsFinal, evt.Text
		env.IsFinal = &final
		env.Text = &text
		env.Segments = evt.Segments
	case speech.EventAvailabilityChanged:
		available := evt.Available
		env.Available = &available
	case speech.EventLocaleChanged:
		locale := evt.Locale
		env.Locale = &locale
	}
	return env
}

// Event converts the envelope back into a speech.Event.
func (e Envelope) Event() speech.Event {
	evt := speech.Event{
		Seq:       e.Seq,
		Type:      speech.EventType(e.Type),
		SessionID: e.SessionID,
		Time:      e.Timestamp,
	}
	if e.IsFinal != nil {
		evt.IsFinal = *e.IsFinal
	}
	if e.Text != nil {
		evt.Text = *e.Text
	}
	if len(e.Segments) > 0 {
		evt.Segments = e.Segments
	}
	if e.Available != nil {
		evt.Available = *e.Available
	}
	if e.Locale != nil {
		evt.Locale = *e.Locale
	}
	return evt
}

// StartRequest asks the core to open a session.
type StartRequest struct {
	Locale    string `json:"locale,omitempty"`
	AudioPath string `json:"audio_path,omitempty"`
}

// LocaleRequest asks the core to switch the recognition locale.
type LocaleRequest struct {
	Locale string `json:"locale"`
}

// Reply answers every control request. Error and Code are set on failure.
type Reply struct {
	Session *speech.Session `json:"session,omitempty"`
	Status  *speech.Status  `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// EngineStartRequest asks a remote engine to begin recognition.
type EngineStartRequest struct {
	SessionID string `json:"session_id"`
	Locale    string `json:"locale"`
	AudioPath string `json:"audio_path,omitempty"`
}

// EngineStopRequest asks a remote engine to stop a session.
type EngineStopRequest struct {
	SessionID string `json:"session_id"`
}

// EngineReply acknowledges an engine request.
type EngineReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EngineCallback is published by a remote engine on
// SubjectEngineCallbackPrefix + "." + kind.
//
// Partial and final callbacks may carry timed segments next to the text.
type EngineCallback struct {
	SessionID string           `json:"session_id,omitempty"`
	Text      string           `json:"text,omitempty"`
	Segments  []speech.Segment `json:"segments,omitempty"`
	Error     string           `json:"error,omitempty"`
	Available bool             `json:"available,omitempty"`
	Locale    string           `json:"locale,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Transcription returns the text and segments of a partial or final callback.
func (c EngineCallback) Transcription() speech.Transcription {
	return speech.Transcription{Text: c.Text, Segments: c.Segments}
}

// EngineHeartbeat is published periodically by a live remote engine.
type EngineHeartbeat struct {
	EngineID  string    `json:"engine_id"`
	Timestamp time.Time `json:"timestamp"`
}
