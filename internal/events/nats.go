// Package events publishes asyncx lifecycle events to NATS so other services
// (the admin UI, alerting) can follow submissions and dead letters.
package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/asyncx"
)

// Publisher is an asyncx.EventSink that publishes each event as JSON on
// <prefix>.<event type>. Publishing is fire-and-forget; failures are logged.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	types  map[asyncx.EventType]bool
	logger zerolog.Logger
	owned  bool
}

var _ asyncx.EventSink = (*Publisher)(nil)

// Connect dials url and returns a Publisher that owns the connection.
func Connect(url, prefix string, logger zerolog.Logger, types ...asyncx.EventType) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("notifyd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := NewPublisher(nc, prefix, logger, types...)
	p.owned = true
	return p, nil
}

// NewPublisher publishes on an existing connection. With no types every event
// is published.
func NewPublisher(nc *nats.Conn, prefix string, logger zerolog.Logger, types ...asyncx.EventType) *Publisher {
	p := &Publisher{nc: nc, prefix: prefix, logger: logger}
	if len(types) > 0 {
		p.types = make(map[asyncx.EventType]bool, len(types))
		for _, t := range types {
			p.types[t] = true
		}
	}
	return p
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(t asyncx.EventType) string {
	return p.prefix + "." + string(t)
}

func (p *Publisher) Emit(_ context.Context, ev asyncx.Event) {
	if p.types != nil && !p.types[ev.Type] {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", ev.JobID).Msg("encode event")
		return
	}
	msg := nats.NewMsg(p.Subject(ev.Type))
	msg.Data = data
	// Lets a JetStream stream on these subjects drop redelivered duplicates.
	msg.Header.Set(nats.MsgIdHdr, ev.JobID+":"+string(ev.Type)+":"+strconv.Itoa(ev.Attempt))
	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Warn().Err(err).Str("job_id", ev.JobID).Str("event", string(ev.Type)).Msg("publish event")
	}
}

// Close drains the connection if the Publisher opened it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}
