package speech

import "context"

// Callbacks is the surface a recognizer reports through. *Machine implements
// it; callbacks may arrive from any goroutine.
type Callbacks interface {
	OnPartialResult(sessionID, text string)
	OnFinalResult(sessionID, text string)
	OnNoSpeechDetected(sessionID string)
	OnEnd(sessionID string)
	// OnError reports a recognition failure. err is kept for diagnostics and
	// never reaches subscribers.
	OnError(sessionID string, err error)
	OnAvailabilityChanged(available bool)
	OnLocaleChanged(locale string)
}

// Request describes one recognition session handed to a recognizer.
type Request struct {
	SessionID string
	Locale    string
	// AudioPath selects file transcription instead of live capture.
	AudioPath string
}

// Recognizer wraps the speech engine. Start returning nil means the engine is
// ready and capturing. Stop is cooperative: callbacks for the stopped session
// may still arrive afterwards and are discarded by the machine.
type Recognizer interface {
	Start(ctx context.Context, req Request, cb Callbacks) error
	Stop(ctx context.Context, sessionID string) error
}
