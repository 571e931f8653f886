package speech

import "fmt"

// State is the lifecycle state of the session machine.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateFinalizing
	StateEnded
	StateFailed
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether s ends a session.
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed || s == StateUnavailable
}

// IsActive reports whether a session in state s still accepts adapter callbacks.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateListening || s == StateFinalizing
}

// MarshalText renders the state by name for JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateIdle; candidate <= StateUnavailable; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", string(text))
}
