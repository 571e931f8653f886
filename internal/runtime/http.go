package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/speechd/internal/bridge"
	"github.com/loqalabs/speechd/internal/eventstore"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/loqalabs/speechd/internal/speech"
)

// api mirrors the bus control surface over HTTP and exposes the stored
// session timeline.
type api struct {
	host  bridge.Host
	store *eventstore.Store
	log   *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("PUT /v1/locale", a.handleLocale)
	mux.HandleFunc("GET /v1/session", a.handleStatus)
	mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleSessionEvents)
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, protocol.Reply{Error: err.Error(), Code: protocol.CodeBadRequest})
		return
	}
	session, err := a.host.Start(r.Context(), speech.StartOptions{Locale: req.Locale, AudioPath: req.AudioPath})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, protocol.Reply{Session: &session})
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.host.Stop(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	status := a.host.Status()
	a.writeJSON(w, http.StatusOK, protocol.Reply{Status: &status})
}

func (a *api) handleLocale(w http.ResponseWriter, r *http.Request) {
	var req protocol.LocaleRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, protocol.Reply{Error: err.Error(), Code: protocol.CodeBadRequest})
		return
	}
	if err := a.host.SetLocale(req.Locale); err != nil {
		a.writeError(w, err)
		return
	}
	status := a.host.Status()
	a.writeJSON(w, http.StatusOK, protocol.Reply{Status: &status})
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := a.host.Status()
	a.writeJSON(w, http.StatusOK, protocol.Reply{Status: &status})
}

func (a *api) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.store.ListSessions(r.Context(), queryLimit(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.SessionRecord{}
	}
	a.writeJSON(w, http.StatusOK, sessions)
}

func (a *api) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.store.ListSessionEvents(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		a.writeError(w, err)
		return
	}
	out := make([]protocol.Envelope, 0, len(events))
	for _, evt := range events {
		out = append(out, protocol.NewEnvelope(evt))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := bridge.ErrorCode(err)
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case code == protocol.CodeSessionActive:
		status = http.StatusConflict
	case code == protocol.CodeUnsupportedLocale:
		status = http.StatusBadRequest
	default:
		a.log.Warn("request failed", slog.String("error", err.Error()))
	}
	a.writeJSON(w, status, protocol.Reply{Error: err.Error(), Code: code})
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to write response", slog.String("error", err.Error()))
	}
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}
