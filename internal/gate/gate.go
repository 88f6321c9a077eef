// Package gate holds dependency readiness probes. Workers and the HTTP API wait
// on a Gate before touching the broker; /readyz reports it.
//
// A probe follows container healthcheck semantics: failures inside StartPeriod
// do not count, after that Retries consecutive failures mark it unhealthy, and
// one success marks it healthy again.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/internal/metrics"
)

// ErrUnhealthy is returned by Wait when a probe exhausts its retry budget.
var ErrUnhealthy = errors.New("gate: dependency unhealthy")

type State string

const (
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// CheckFunc returns nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

type Probe struct {
	Name        string
	Check       CheckFunc
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// Status is a probe's last observed state.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Failures  int       `json:"consecutive_failures"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type Gate struct {
	probes  []Probe
	logger  zerolog.Logger
	now     func() time.Time
	started time.Time

	mu     sync.RWMutex
	status []Status
}

func New(logger zerolog.Logger, probes ...Probe) *Gate {
	g := &Gate{logger: logger, now: time.Now}
	for _, p := range probes {
		if p.Interval <= 0 {
			p.Interval = 2 * time.Second
		}
		if p.Timeout <= 0 || p.Timeout > p.Interval {
			p.Timeout = p.Interval
		}
		if p.Retries <= 0 {
			p.Retries = 3
		}
		g.probes = append(g.probes, p)
		g.status = append(g.status, Status{Name: p.Name, State: StateStarting})
	}
	g.started = g.now()
	return g
}

// Wait blocks until every probe is healthy. It fails with ErrUnhealthy as soon
// as one probe runs out of retries, or with the context error.
func (g *Gate) Wait(ctx context.Context) error {
	if len(g.probes) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(g.probes))
	for i := range g.probes {
		go func() {
			errs <- g.waitOne(ctx, i)
		}()
	}
	var first error
	for range g.probes {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	if first == nil {
		g.logger.Info().Int("probes", len(g.probes)).Msg("dependencies ready")
	}
	return first
}

func (g *Gate) waitOne(ctx context.Context, i int) error {
	p := g.probes[i]
	for {
		switch st := g.check(ctx, i); st.State {
		case StateHealthy:
			return nil
		case StateUnhealthy:
			return fmt.Errorf("%w: %s after %d failures: %s", ErrUnhealthy, p.Name, st.Failures, st.LastError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Interval):
		}
	}
}

// Run probes every dependency at its interval until ctx is done, keeping
// Ready and Report current.
func (g *Gate) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range g.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(g.probes[i].Interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					g.check(ctx, i)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (g *Gate) check(ctx context.Context, i int) Status {
	p := g.probes[i]
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	err := p.Check(cctx)
	cancel()
	now := g.now()

	g.mu.Lock()
	st := g.status[i]
	prev := st.State
	st.CheckedAt = now
	switch {
	case err == nil:
		st.State, st.Failures, st.LastError = StateHealthy, 0, ""
	case ctx.Err() != nil:
		// Shutting down; not the dependency's fault.
	case now.Sub(g.started) < p.StartPeriod:
		st.LastError = err.Error()
	default:
		st.Failures++
		st.LastError = err.Error()
		if st.Failures >= p.Retries {
			st.State = StateUnhealthy
		}
	}
	g.status[i] = st
	g.mu.Unlock()

	if st.State != prev {
		metrics.SetReady(p.Name, st.State == StateHealthy)
		ev := g.logger.Info()
		if st.State == StateUnhealthy {
			ev = g.logger.Warn()
		}
		ev.Str("probe", p.Name).Str("from", string(prev)).Str("to", string(st.State)).
			Str("error", st.LastError).Msg("readiness changed")
	}
	return st
}

// Ready reports whether every probe is currently healthy.
func (g *Gate) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, st := range g.status {
		if st.State != StateHealthy {
			return false
		}
	}
	return true
}

// Report returns a copy of every probe's status.
func (g *Gate) Report() []Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Status(nil), g.status...)
}
