package speech

import (
	"math"
	"testing"
)

func TestJoinTranscriptionsShiftsSegments(t *testing.T) {
	joined := JoinTranscriptions(
		Transcription{Text: "hello there ", Segments: []Segment{
			{Substring: "hello", Timestamp: 0, Duration: 0.5, Confidence: 0.9},
			{Substring: "there", Timestamp: 0.5, Duration: 0.5, Confidence: 0.7},
		}},
		Transcription{Text: ""},
		Transcription{Text: "general kenobi", Segments: []Segment{
			{Substring: "general", Timestamp: 0.2, Duration: 0.6},
			{Substring: "kenobi", Timestamp: 0.8, Duration: 0.4},
		}},
	)

	if joined.Text != "hello there general kenobi" {
		t.Fatalf("unexpected text %q", joined.Text)
	}
	wantStarts := []float64{0, 0.5, 1.2, 1.8}
	if len(joined.Segments) != len(wantStarts) {
		t.Fatalf("expected %d segments, got %+v", len(wantStarts), joined.Segments)
	}
	for i, start := range wantStarts {
		if math.Abs(joined.Segments[i].Timestamp-start) > 1e-9 {
			t.Fatalf("segment %d: expected timestamp %v, got %v", i, start, joined.Segments[i].Timestamp)
		}
	}
	if joined.Segments[1].Confidence != 0.7 || joined.Segments[3].Substring != "kenobi" {
		t.Fatalf("segment payload lost: %+v", joined.Segments)
	}
}

type textOnlyCallbacks struct {
	partial, final []string
}

func (c *textOnlyCallbacks) OnPartialResult(_, text string) { c.partial = append(c.partial, text) }
func (c *textOnlyCallbacks) OnFinalResult(_, text string)   { c.final = append(c.final, text) }
func (c *textOnlyCallbacks) OnNoSpeechDetected(string)      {}
func (c *textOnlyCallbacks) OnEnd(string)                   {}
func (c *textOnlyCallbacks) OnError(string, error)          {}
func (c *textOnlyCallbacks) OnAvailabilityChanged(bool)     {}
func (c *textOnlyCallbacks) OnLocaleChanged(string)         {}

func TestDeliverTranscriptionFallsBackToText(t *testing.T) {
	cb := &textOnlyCallbacks{}
	seg := []Segment{{Substring: "hi", Duration: 0.2}}
	DeliverTranscription(cb, "s1", Transcription{Text: "hi", Segments: seg}, false)
	DeliverTranscription(cb, "s1", Transcription{Text: "hi there"}, true)
	if len(cb.partial) != 1 || cb.partial[0] != "hi" || len(cb.final) != 1 || cb.final[0] != "hi there" {
		t.Fatalf("unexpected delivery: %+v", cb)
	}
}
