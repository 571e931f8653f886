package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speechd/internal/bridge"
	"github.com/loqalabs/speechd/internal/bus"
	"github.com/loqalabs/speechd/internal/config"
	"github.com/loqalabs/speechd/internal/eventstore"
	"github.com/loqalabs/speechd/internal/gateway"
	"github.com/loqalabs/speechd/internal/kafkasink"
	"github.com/loqalabs/speechd/internal/natsserver"
	"github.com/loqalabs/speechd/internal/recognizer"
	"github.com/loqalabs/speechd/internal/speech"
)

type closer interface {
	Close()
}

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	traceOut io.Writer

	ready     atomic.Bool
	readyCh   chan struct{}
	httpAddr  atomic.Value
	busClient *bus.Client
	machine   *speech.Machine
	wg        sync.WaitGroup
}

// New builds a runtime. Spans are exported to traceOut when no OTLP endpoint
// is configured; a nil traceOut disables span export.
func New(cfg config.Config, logger *slog.Logger, traceOut io.Writer) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: traceOut,
		readyCh:  make(chan struct{}),
	}
}

// Ready is closed once the runtime serves requests.
func (r *Runtime) Ready() <-chan struct{} {
	return r.readyCh
}

// HTTPAddr returns the address the HTTP server listens on.
func (r *Runtime) HTTPAddr() string {
	addr, _ := r.httpAddr.Load().(string)
	return addr
}

// Machine returns the session machine once the runtime is ready.
func (r *Runtime) Machine() *speech.Machine {
	return r.machine
}

// Start wires every component, serves until ctx is cancelled, then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) (err error) {
	var cleanups []func(context.Context) error
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			if cerr := cleanups[i](shutdownCtx); cerr != nil {
				r.logger.Error("shutdown error", slog.String("error", cerr.Error()))
				errs = append(errs, cerr)
			}
		}
		if err == nil {
			err = errors.Join(errs...)
		}
	}()
	onClose := func(fn func(context.Context) error) { cleanups = append(cleanups, fn) }
	closeAll := func(c closer) func(context.Context) error {
		return func(context.Context) error { c.Close(); return nil }
	}

	onClose(func(context.Context) error { r.wg.Wait(); return nil })
	ctx, cancelRun := context.WithCancel(ctx)
	onClose(func(context.Context) error { cancelRun(); return nil })

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	onClose(shutdownTelemetry)

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		onClose(func(context.Context) error { embedded.Shutdown(); return nil })
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.busClient = busClient
	onClose(closeAll(busClient))

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	onClose(func(context.Context) error { return store.Close() })

	gw := gateway.New(r.logger)
	onClose(closeAll(gw))

	rec, remote, err := r.buildRecognizer(busClient)
	if err != nil {
		return err
	}
	if c, ok := rec.(closer); ok {
		onClose(closeAll(c))
	}

	machine := speech.NewMachine(rec, gw, speech.Options{
		DefaultLocale:    r.cfg.Speech.DefaultLocale,
		SupportedLocales: r.cfg.Speech.SupportedLocales,
		GracePeriod:      time.Duration(r.cfg.Speech.GracePeriodMS) * time.Millisecond,
		Logger:           r.logger,
	})
	r.machine = machine
	onClose(closeAll(machine))

	if remote != nil {
		if err := remote.Listen(machine); err != nil {
			return err
		}
		monitor, err := bridge.NewEngineMonitor(ctx, busClient, machine,
			time.Duration(r.cfg.Engine.HeartbeatInterval)*time.Millisecond,
			time.Duration(r.cfg.Engine.HeartbeatTimeout)*time.Millisecond,
			r.logger)
		if err != nil {
			return err
		}
		onClose(closeAll(monitor))
	}

	recorder, err := eventstore.StartRecorder(gw, store, machine, r.logger)
	if err != nil {
		return err
	}
	onClose(closeAll(recorder))

	sink := kafkasink.New(r.cfg.Kafka, r.logger)
	if err := sink.Attach(gw); err != nil {
		return err
	}
	onClose(func(context.Context) error { return sink.Close() })

	if r.cfg.Speech.PublishBridge {
		publisher, err := bridge.StartPublisher(gw, busClient, r.logger)
		if err != nil {
			return err
		}
		onClose(closeAll(publisher))
	}

	control := bridge.NewControl(busClient, machine, time.Duration(r.cfg.Engine.RequestTimeout)*time.Millisecond, r.logger)
	if err := control.Start(); err != nil {
		return err
	}
	onClose(closeAll(control))
	// Runs before the subscribers detach so they still see the final events.
	onClose(func(ctx context.Context) error {
		if err := machine.Stop(ctx); err != nil {
			return fmt.Errorf("stop active session: %w", err)
		}
		return gw.Drain(ctx)
	})

	r.wg.Add(1)
	go r.pruneLoop(ctx, store)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	(&api{host: machine, store: store, log: r.logger.With(slog.String("component", "http-api"))}).register(mux)

	if err := r.serve(fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port), mux, true, onClose); err != nil {
		return err
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		if err := r.serve(bind, metricsMux, false, onClose); err != nil {
			return err
		}
	}

	r.ready.Store(true)
	close(r.readyCh)
	r.logger.Info("runtime started",
		slog.String("addr", r.HTTPAddr()),
		slog.String("recognizer", r.cfg.Speech.Recognizer),
		slog.String("locale", machine.Locale()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) buildRecognizer(busClient *bus.Client) (speech.Recognizer, *bridge.RemoteRecognizer, error) {
	switch r.cfg.Speech.Recognizer {
	case "exec":
		rec, err := recognizer.NewExec(r.cfg.Speech.Command, r.cfg.Speech.ModelPath, r.logger)
		if err != nil {
			return nil, nil, err
		}
		return rec, nil, nil
	case "remote":
		remote := bridge.NewRemoteRecognizer(busClient, time.Duration(r.cfg.Engine.RequestTimeout)*time.Millisecond, r.logger)
		return remote, remote, nil
	default:
		step := time.Duration(r.cfg.Speech.MockStepMS) * time.Millisecond
		return recognizer.NewScripted(step, nil, r.logger), nil, nil
	}
}

func (r *Runtime) serve(addr string, handler http.Handler, primary bool, onClose func(func(context.Context) error)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if primary {
		r.httpAddr.Store(ln.Addr().String())
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	onClose(srv.Shutdown)
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context, store *eventstore.Store) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
