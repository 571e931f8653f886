package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/speechd/internal/config"
	"github.com/loqalabs/speechd/internal/eventstore"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/loqalabs/speechd/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type idleRecognizer struct{}

func (idleRecognizer) Start(context.Context, speech.Request, speech.Callbacks) error { return nil }
func (idleRecognizer) Stop(context.Context, string) error                          { return nil }

func newAPI(t *testing.T) (*httptest.Server, *speech.Machine) {
	t.Helper()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m := speech.NewMachine(idleRecognizer{}, speech.EmitterFunc(func(speech.Event) {}), speech.Options{
		DefaultLocale:    "en_US",
		SupportedLocales: []string{"en_US", "fr_FR"},
	})
	t.Cleanup(m.Close)

	mux := http.NewServeMux()
	(&api{host: m, store: store, log: newLogger()}).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, m
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestAPIStatusCodes(t *testing.T) {
	srv, m := newAPI(t)

	var reply protocol.Reply
	if code := doJSON(t, http.MethodPut, srv.URL+"/v1/locale", protocol.LocaleRequest{Locale: "xx_YY"}, &reply); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if reply.Code != protocol.CodeUnsupportedLocale {
		t.Fatalf("unexpected code %q", reply.Code)
	}

	reply = protocol.Reply{}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/session/start", nil, &reply); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if reply.Session == nil || reply.Session.Locale != "en_US" {
		t.Fatalf("unexpected session %+v", reply.Session)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/session/start", protocol.StartRequest{Locale: "fr_FR"}, &reply); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	if code := doJSON(t, http.MethodPut, srv.URL+"/v1/locale", protocol.LocaleRequest{Locale: "fr_FR"}, &reply); code != http.StatusConflict {
		t.Fatalf("expected 409 while a session is active, got %d", code)
	}

	reply = protocol.Reply{}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/session/stop", nil, &reply); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if reply.Status == nil || reply.Status.State != speech.StateEnded {
		t.Fatalf("unexpected status %+v", reply.Status)
	}
	if m.Capturing() {
		t.Fatal("machine still capturing")
	}

	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/missing", nil, &reply); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestRuntimeServesSessions(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Speech.MockStepMS = 1
	cfg.Speech.GracePeriodMS = 0

	rt := New(cfg, newLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	select {
	case <-rt.Ready():
	case err := <-done:
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime not ready")
	}
	base := "http://" + rt.HTTPAddr()

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	var reply protocol.Reply
	if code := doJSON(t, http.MethodPost, base+"/v1/session/start", nil, &reply); code != http.StatusCreated {
		t.Fatalf("start: %d %+v", code, reply)
	}
	id := reply.Session.ID

	var rec eventstore.SessionRecord
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec = eventstore.SessionRecord{}
		if code := doJSON(t, http.MethodGet, base+"/v1/sessions/"+id, nil, &rec); code == http.StatusOK && rec.Outcome != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.Outcome != eventstore.OutcomeEnded || rec.Locale != "en_US" {
		t.Fatalf("unexpected record %+v", rec)
	}

	var events []protocol.Envelope
	doJSON(t, http.MethodGet, base+"/v1/sessions/"+id+"/events", nil, &events)
	if n := len(events); n < 2 || events[n-1].Type != string(speech.EventEnded) {
		t.Fatalf("unexpected timeline: %+v", events)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("events out of order: %+v", events)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime shutdown: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
