// Package bridge connects the session machine to the host runtime and to
// remote recognition engines over NATS.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/speechd/internal/bus"
	"github.com/loqalabs/speechd/internal/protocol"
	"github.com/loqalabs/speechd/internal/speech"
	"github.com/nats-io/nats.go"
)

// Host is the control surface of the session machine.
type Host interface {
	Start(ctx context.Context, opts speech.StartOptions) (speech.Session, error)
	Stop(ctx context.Context) error
	SetLocale(locale string) error
	Status() speech.Status
}

// Control answers host requests on the speech.ctrl.* subjects.
type Control struct {
	bus     *bus.Client
	host    Host
	log     *slog.Logger
	timeout time.Duration
	subs    []*nats.Subscription
}

func NewControl(busClient *bus.Client, host Host, timeout time.Duration, log *slog.Logger) *Control {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Control{
		bus:     busClient,
		host:    host,
		log:     log.With(slog.String("component", "bridge-control")),
		timeout: timeout,
	}
}

func (c *Control) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectControlStart:  c.handleStart,
		protocol.SubjectControlStop:   c.handleStop,
		protocol.SubjectControlLocale: c.handleLocale,
		protocol.SubjectControlStatus: c.handleStatus,
	}
	for subject, handler := range handlers {
		sub, err := c.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			c.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

func (c *Control) Close() {
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
}

func (c *Control) handleStart(msg *nats.Msg) {
	var req protocol.StartRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.respond(msg, protocol.Reply{Error: err.Error(), Code: protocol.CodeBadRequest})
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	session, err := c.host.Start(ctx, speech.StartOptions{Locale: req.Locale, AudioPath: req.AudioPath})
	if err != nil {
		c.respond(msg, errorReply(err))
		return
	}
	c.respond(msg, protocol.Reply{Session: &session})
}

func (c *Control) handleStop(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.host.Stop(ctx); err != nil {
		c.respond(msg, errorReply(err))
		return
	}
	status := c.host.Status()
	c.respond(msg, protocol.Reply{Status: &status})
}

func (c *Control) handleLocale(msg *nats.Msg) {
	var req protocol.LocaleRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.respond(msg, protocol.Reply{Error: err.Error(), Code: protocol.CodeBadRequest})
		return
	}
	if err := c.host.SetLocale(req.Locale); err != nil {
		c.respond(msg, errorReply(err))
		return
	}
	status := c.host.Status()
	c.respond(msg, protocol.Reply{Status: &status})
}

func (c *Control) handleStatus(msg *nats.Msg) {
	status := c.host.Status()
	c.respond(msg, protocol.Reply{Status: &status})
}

func (c *Control) respond(msg *nats.Msg, reply protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		c.log.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		c.log.Warn("failed to send control reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

// ErrorCode maps a host error onto a protocol error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, speech.ErrSessionActive):
		return protocol.CodeSessionActive
	case errors.Is(err, speech.ErrUnsupportedLocale):
		return protocol.CodeUnsupportedLocale
	default:
		return protocol.CodeInternal
	}
}

func errorReply(err error) protocol.Reply {
	return protocol.Reply{Error: err.Error(), Code: ErrorCode(err)}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
