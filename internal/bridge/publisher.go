package bridge

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/speechd/internal/bus"
	"github.com/loqalabs/speechd/internal/gateway"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/loqalabs/speechd/internal/speech"
)

// Publisher forwards every gateway event to speech.event.<type>.
type Publisher struct {
	bus *bus.Client
	log *slog.Logger
	sub *gateway.Subscription
}

func StartPublisher(g *gateway.Gateway, busClient *bus.Client, log *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		bus: busClient,
		log: log.With(slog.String("component", "bridge-publisher")),
	}
	sub, err := g.SubscribeFunc("bridge", p.publish)
	if err != nil {
		return nil, fmt.Errorf("subscribe gateway: %w", err)
	}
	p.sub = sub
	return p, nil
}

func (p *Publisher) publish(evt speech.Event) {
	subject := protocol.EventSubject(evt.Type)
	if err := p.bus.PublishJSON(subject, protocol.NewEnvelope(evt)); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slog.Uint64("seq", evt.Seq), slogError(err))
	}
}

func (p *Publisher) Close() {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
}
