package asyncx

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a lifecycle transition observed by the client or processor.
type EventType string

const (
	EventSubmitted      EventType = "submitted"
	EventSucceeded      EventType = "succeeded"
	EventRetryScheduled EventType = "retry_scheduled"
	EventDeadLettered   EventType = "dead_lettered"
	EventReleased       EventType = "released"
	EventLeaseLost      EventType = "lease_lost"
)

// Event describes one transition. Dead-letter events are the ones operators act on.
type Event struct {
	Type      EventType     `json:"type"`
	JobID     string        `json:"job_id"`
	Kind      Kind          `json:"kind"`
	Queue     string        `json:"queue"`
	Attempt   int           `json:"attempt"`
	Reason    string        `json:"reason,omitempty"`
	NotBefore time.Time     `json:"not_before"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	At        time.Time     `json:"at"`
}

// EventSink receives events. Emit must not block for long; it runs on worker slots.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// LogSink writes events to a zerolog logger. Dead letters log at warn level.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Emit(_ context.Context, ev Event) {
	e := s.Logger.Debug()
	if ev.Type == EventDeadLettered {
		e = s.Logger.Warn()
	}
	e.Str("event", string(ev.Type)).
		Str("job_id", ev.JobID).
		Str("kind", string(ev.Kind)).
		Str("queue", ev.Queue).
		Int("attempt", ev.Attempt).
		Str("reason", ev.Reason).
		Msg("job event")
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}
