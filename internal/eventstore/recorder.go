package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/speechd/internal/gateway"
	"github.com/loqalabs/speechd/internal/speech"
)

// SessionLookup resolves session details the events themselves do not carry.
type SessionLookup interface {
	Status() speech.Status
}

// Recorder appends every gateway event to the store.
type Recorder struct {
	store   *Store
	lookup  SessionLookup
	log     *slog.Logger
	timeout time.Duration
	sub     *gateway.Subscription
}

// StartRecorder subscribes a recorder to g. lookup may be nil.
func StartRecorder(g *gateway.Gateway, store *Store, lookup SessionLookup, log *slog.Logger) (*Recorder, error) {
	r := &Recorder{
		store:   store,
		lookup:  lookup,
		log:     log.With(slog.String("component", "event-recorder")),
		timeout: 5 * time.Second,
	}
	sub, err := g.SubscribeFunc("event-store", r.record)
	if err != nil {
		return nil, fmt.Errorf("subscribe gateway: %w", err)
	}
	r.sub = sub
	return r, nil
}

func (r *Recorder) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
}

func (r *Recorder) record(evt speech.Event) {
	if !r.store.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if evt.SessionID != "" {
		if err := r.store.AppendSession(ctx, r.sessionRecord(evt)); err != nil {
			r.log.Warn("failed to record session", slog.String("session_id", evt.SessionID), slog.String("error", err.Error()))
		}
	}
	if err := r.store.AppendEvent(ctx, evt); err != nil {
		r.log.Warn("failed to record event", slog.Uint64("seq", evt.Seq), slog.String("error", err.Error()))
		return
	}
	if evt.SessionID == "" {
		return
	}
	if evt.Type == speech.EventLocaleChanged {
		if err := r.store.UpdateLocale(ctx, evt.SessionID, evt.Locale); err != nil {
			r.log.Warn("failed to record locale", slog.String("session_id", evt.SessionID), slog.String("error", err.Error()))
		}
	}
	if evt.Terminal() {
		if err := r.store.FinishSession(ctx, evt.SessionID, outcome(evt), evt.Time); err != nil {
			r.log.Warn("failed to finish session", slog.String("session_id", evt.SessionID), slog.String("error", err.Error()))
		}
	}
}

func (r *Recorder) sessionRecord(evt speech.Event) SessionRecord {
	rec := SessionRecord{ID: evt.SessionID, StartedAt: evt.Time}
	if r.lookup == nil {
		return rec
	}
	if s := r.lookup.Status().Session; s != nil && s.ID == evt.SessionID {
		rec.Locale = s.Locale
		rec.AudioPath = s.AudioPath
		rec.StartedAt = s.StartedAt
	}
	return rec
}

func outcome(evt speech.Event) string {
	switch evt.Type {
	case speech.EventFailed:
		return OutcomeFailed
	case speech.EventAvailabilityChanged:
		return OutcomeUnavailable
	default:
		return OutcomeEnded
	}
}
