package speech

import "strings"

// Segment is one timed piece of a transcription. Timestamp and Duration are
// seconds from the start of the audio.
type Segment struct {
	Substring  string  `json:"substring"`
	Timestamp  float64 `json:"timestamp"`
	Duration   float64 `json:"duration"`
	Confidence float64 `json:"confidence"`
}

// End returns the offset at which the segment stops.
func (s Segment) End() float64 {
	return s.Timestamp + s.Duration
}

// Transcription is the text of a result plus its optional segments.
type Transcription struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
}

// JoinTranscriptions merges consecutive results into one transcription. Texts
// are joined with a space and each part's segments are shifted so they start
// where the previous part's last segment ended.
func JoinTranscriptions(parts ...Transcription) Transcription {
	var (
		texts  []string
		joined Transcription
	)
	for _, part := range parts {
		if text := strings.TrimSpace(part.Text); text != "" {
			texts = append(texts, text)
		}
		offset := 0.0
		if n := len(joined.Segments); n > 0 {
			offset = joined.Segments[n-1].End()
		}
		for _, seg := range part.Segments {
			seg.Timestamp += offset
			joined.Segments = append(joined.Segments, seg)
		}
	}
	joined.Text = strings.Join(texts, " ")
	return joined
}

// TranscriptionCallbacks is implemented by callback receivers that keep
// segments. *Machine implements it.
type TranscriptionCallbacks interface {
	OnPartialTranscription(sessionID string, t Transcription)
	OnFinalTranscription(sessionID string, t Transcription)
}

// DeliverTranscription reports t through cb, keeping segments when cb
// accepts them and falling back to the plain text callbacks otherwise.
func DeliverTranscription(cb Callbacks, sessionID string, t Transcription, final bool) {
	if tc, ok := cb.(TranscriptionCallbacks); ok {
		if final {
			tc.OnFinalTranscription(sessionID, t)
		} else {
			tc.OnPartialTranscription(sessionID, t)
		}
		return
	}
	if final {
		cb.OnFinalResult(sessionID, t.Text)
	} else {
		cb.OnPartialResult(sessionID, t.Text)
	}
}
