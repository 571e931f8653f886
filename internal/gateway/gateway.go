// Package gateway fans approved session events out to subscribers.
//
// Every subscriber owns an unbounded queue drained by its own goroutine, so
// Emit never blocks the session machine and a slow subscriber only delays
// itself. Events reach each subscriber in emission order; events emitted
// before a subscriber attached are not replayed.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/loqalabs/speechd/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned when subscribing to a closed gateway.
var ErrClosed = errors.New("gateway closed")

type Gateway struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

func New(log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gateway{
		log:  log.With(slog.String("component", "gateway")),
		subs: make(map[uint64]*Subscription),
	}
	if err := g.initMetrics(); err != nil {
		g.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return g
}

// Emit enqueues evt for every current subscriber.
func (g *Gateway) Emit(evt speech.Event) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}
	for _, sub := range g.subs {
		sub.enqueue(evt)
	}
}

// Subscribe attaches a channel subscriber. The channel is closed when the
// subscription ends.
func (g *Gateway) Subscribe(name string) (*Subscription, error) {
	return g.attach(name, nil)
}

// SubscribeFunc attaches a subscriber that runs fn for every event on its own
// goroutine. fn must not call Unsubscribe for its own subscription.
func (g *Gateway) SubscribeFunc(name string, fn func(speech.Event)) (*Subscription, error) {
	return g.attach(name, fn)
}

func (g *Gateway) attach(name string, fn func(speech.Event)) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	g.nextID++
	sub := &Subscription{
		id:      g.nextID,
		name:    name,
		gateway: g,
		fn:      fn,
		signal:  make(chan struct{}, 1),
		out:     make(chan speech.Event),
		done:    make(chan struct{}),
	}
	g.subs[sub.id] = sub
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		sub.deliver()
	}()
	g.log.Debug("subscriber attached", slog.String("subscriber", name))
	return sub, nil
}

// Subscribers returns the number of attached subscribers.
func (g *Gateway) Subscribers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs)
}

// Drain waits until every subscriber queue is empty or ctx is done.
func (g *Gateway) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for g.pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close detaches every subscriber and waits for their goroutines.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subs := make([]*Subscription, 0, len(g.subs))
	for id, sub := range g.subs {
		subs = append(subs, sub)
		delete(g.subs, id)
	}
	g.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	g.wg.Wait()
}

func (g *Gateway) remove(sub *Subscription) {
	g.mu.Lock()
	delete(g.subs, sub.id)
	g.mu.Unlock()
}

func (g *Gateway) pending() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var total int64
	for _, sub := range g.subs {
		total += int64(sub.Pending())
	}
	return total
}

func (g *Gateway) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/speechd/gateway")
	queued, err := meter.Int64ObservableGauge("speech.gateway.queued", metric.WithDescription("Events waiting in subscriber queues"))
	if err != nil {
		return err
	}
	subscribers, err := meter.Int64ObservableGauge("speech.gateway.subscribers", metric.WithDescription("Attached subscribers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(queued, g.pending())
		obs.ObserveInt64(subscribers, int64(g.Subscribers()))
		return nil
	}, queued, subscribers)
	return err
}

// Subscription is one attached subscriber.
type Subscription struct {
	id      uint64
	name    string
	gateway *Gateway
	fn      func(speech.Event)

	mu     sync.Mutex
	queue  deque.Deque[speech.Event]
	busy   bool
	signal chan struct{}
	out    chan speech.Event
	done   chan struct{}
	once   sync.Once
}

// Name returns the subscriber name given at Subscribe.
func (s *Subscription) Name() string { return s.name }

// Events returns the ordered event channel. It is closed without ever
// carrying events for subscribers attached with SubscribeFunc.
func (s *Subscription) Events() <-chan speech.Event { return s.out }

// Pending returns the number of events queued or being handed over.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.queue.Len()
	if s.busy {
		n++
	}
	return n
}

// Unsubscribe detaches the subscriber. Queued events are discarded and the
// events channel is closed.
func (s *Subscription) Unsubscribe() {
	s.gateway.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) enqueue(evt speech.Event) {
	s.mu.Lock()
	s.queue.PushBack(evt)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (speech.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		s.busy = false
		return speech.Event{}, false
	}
	s.busy = true
	return s.queue.PopFront(), true
}

func (s *Subscription) handed() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Subscription) discard() {
	s.mu.Lock()
	s.queue.Clear()
	s.busy = false
	s.mu.Unlock()
}

func (s *Subscription) deliver() {
	defer close(s.out)
	defer s.discard()
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			select {
			case <-s.done:
				return
			default:
			}
			evt, ok := s.next()
			if !ok {
				break
			}
			if s.fn != nil {
				s.fn(evt)
				s.handed()
				continue
			}
			select {
			case s.out <- evt:
				s.handed()
			case <-s.done:
				return
			}
		}
	}
}
