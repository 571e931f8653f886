package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/speechd/internal/bus"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// AvailabilityListener is told when the remote engine appears or goes quiet.
type AvailabilityListener interface {
	OnAvailabilityChanged(available bool)
}

// EngineInfo describes the last engine seen on the heartbeat subject.
type EngineInfo struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// EngineMonitor watches engine heartbeats and turns a missing heartbeat into
// an availability change. The engine is presumed healthy at startup and gets
// one full timeout to send its first heartbeat.
type EngineMonitor struct {
	bus      *bus.Client
	log      *slog.Logger
	listener AvailabilityListener
	interval time.Duration
	timeout  time.Duration
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup

	mu     sync.RWMutex
	engine EngineInfo
}

func NewEngineMonitor(ctx context.Context, busClient *bus.Client, listener AvailabilityListener, interval, timeout time.Duration, log *slog.Logger) (*EngineMonitor, error) {
	ctx, cancel := context.WithCancel(ctx)
	m := &EngineMonitor{
		bus:      busClient,
		log:      log.With(slog.String("component", "engine-monitor")),
		listener: listener,
		interval: interval,
		timeout:  timeout,
		cancel:   cancel,
		engine:   EngineInfo{LastSeen: time.Now(), Healthy: true},
	}

	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectEngineHeartbeat, m.handleHeartbeat)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe heartbeat: %w", err)
	}
	m.sub = sub

	m.wg.Add(1)
	go m.monitorHealth(ctx)
	return m, nil
}

func (m *EngineMonitor) Close() {
	m.cancel()
	if m.sub != nil {
		_ = m.sub.Drain()
	}
	m.wg.Wait()
}

// Healthy reports whether a heartbeat was seen within the timeout.
func (m *EngineMonitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine.Healthy
}

// Engine returns the last known engine.
func (m *EngineMonitor) Engine() EngineInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engine
}

func (m *EngineMonitor) monitorHealth(ctx context.Context) {
	defer m.wg.Done()
	tick := m.interval
	if tick <= 0 || tick > m.timeout/2 {
		tick = m.timeout / 2
	}
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.evaluate(now)
		}
	}
}

func (m *EngineMonitor) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.EngineHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		m.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	m.observe(hb.EngineID, time.Now())
}

func (m *EngineMonitor) observe(engineID string, now time.Time) {
	m.mu.Lock()
	recovered := !m.engine.Healthy
	if engineID != "" {
		m.engine.ID = engineID
	}
	m.engine.LastSeen = now
	m.engine.Healthy = true
	m.mu.Unlock()

	if recovered {
		m.log.Info("speech engine available", slog.String("engine_id", engineID))
		m.listener.OnAvailabilityChanged(true)
	}
}

func (m *EngineMonitor) evaluate(now time.Time) {
	m.mu.Lock()
	lost := m.engine.Healthy && now.Sub(m.engine.LastSeen) > m.timeout
	if lost {
		m.engine.Healthy = false
	}
	id := m.engine.ID
	m.mu.Unlock()

	if lost {
		m.log.Warn("speech engine heartbeat missed", slog.String("engine_id", id), slog.Duration("timeout", m.timeout))
		m.listener.OnAvailabilityChanged(false)
	}
}

func (m *EngineMonitor) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/speechd/bridge")
	gauge, err := meter.Int64ObservableGauge("speech.engine.healthy", metric.WithDescription("1 when the remote speech engine is sending heartbeats"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if m.Healthy() {
			v = 1
		}
		obs.ObserveInt64(gauge, v)
		return nil
	}, gauge)
	return err
}
