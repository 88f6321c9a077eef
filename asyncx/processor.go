package asyncx

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Processor runs worker slots that lease jobs from a Broker, execute the registered
// handler and report the outcome back.
type Processor struct {
	broker Broker
	cfg    ProcessorConfig
	router *Router
	sink   EventSink
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[Kind]Handler
	running  bool
}

type ProcessorConfig struct {
	// Queues to consume. Defaults to every queue of the router.
	Queues []string
	// Concurrency is the number of slots per queue.
	Concurrency     int
	LeaseDuration   time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// ReportTimeout bounds each report call made after a handler returns.
	ReportTimeout time.Duration
	Backoff       Backoff
	// Consumer identifies this process in lease records. Defaults to host-pid-random.
	Consumer string
}

// ProcessorOption configures optional collaborators.
type ProcessorOption func(*Processor)

// WithRouter lets Run verify that every kind routed to the consumed queues has a handler.
func WithRouter(r *Router) ProcessorOption {
	return func(p *Processor) { p.router = r }
}

func WithEventSink(s EventSink) ProcessorOption {
	return func(p *Processor) {
		if s != nil {
			p.sink = s
		}
	}
}

func WithLogger(l zerolog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithClock replaces time.Now for backoff scheduling.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(broker Broker, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = 2 * time.Second
		if cfg.MaxPollInterval < cfg.PollInterval {
			cfg.MaxPollInterval = cfg.PollInterval
		}
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 5 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	p := &Processor{
		broker:   broker,
		cfg:      cfg,
		sink:     nopSink{},
		logger:   zerolog.Nop(),
		now:      time.Now,
		handlers: make(map[Kind]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to a kind. Registering after Run has started is an error.
func (p *Processor) Register(kind Kind, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("asyncx: register %q: processor already running", kind)
	}
	if h == nil {
		return fmt.Errorf("asyncx: register %q: nil handler", kind)
	}
	p.handlers[kind] = h
	return nil
}

// HandleFunc registers an error-returning function; see ErrorHandler.
func (p *Processor) HandleFunc(kind Kind, fn func(ctx context.Context, job *Envelope) error) error {
	return p.Register(kind, ErrorHandler(fn))
}

func (p *Processor) handler(kind Kind) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

func (p *Processor) queues() []string {
	if len(p.cfg.Queues) > 0 {
		return p.cfg.Queues
	}
	if p.router != nil {
		return p.router.Queues()
	}
	return nil
}

// Check reports configuration errors Run would fail on: no queues, or a routed
// kind without a handler.
func (p *Processor) Check() error {
	queues := p.queues()
	if len(queues) == 0 {
		return errors.New("asyncx: processor has no queues")
	}
	if p.router == nil {
		return nil
	}
	for _, q := range queues {
		for _, kind := range p.router.Kinds(q) {
			if _, ok := p.handler(kind); !ok {
				return fmt.Errorf("%w: kind %q on queue %q", ErrNoHandler, kind, q)
			}
		}
	}
	return nil
}

// Run consumes until ctx is cancelled and all in-flight jobs have been reported.
// It returns nil on cancellation, or the first fatal error (ErrNoHandler).
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Check(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("asyncx: processor already running")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		fatalErr error
	)
	queues := p.queues()
	p.logger.Info().Strs("queues", queues).Int("concurrency", p.cfg.Concurrency).
		Str("consumer", p.cfg.Consumer).Msg("processor starting")
	for _, q := range queues {
		for i := 0; i < p.cfg.Concurrency; i++ {
			wg.Add(1)
			consumer := fmt.Sprintf("%s/%s/%d", p.cfg.Consumer, q, i)
			go func(queue, consumer string) {
				defer wg.Done()
				if err := p.runSlot(ctx, queue, consumer); err != nil {
					once.Do(func() {
						fatalErr = err
						cancel()
					})
				}
			}(q, consumer)
		}
	}
	wg.Wait()
	p.logger.Info().Msg("processor stopped")
	return fatalErr
}

func (p *Processor) runSlot(ctx context.Context, queue, consumer string) error {
	wait := p.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return nil
		}
		lease, err := p.broker.Lease(ctx, queue, consumer, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, ErrNoJob) {
				p.logger.Warn().Err(err).Str("queue", queue).Msg("lease failed")
				wait = p.cfg.MaxPollInterval
			}
			if !sleep(ctx, jitter(wait)) {
				return nil
			}
			wait = min(wait*2, p.cfg.MaxPollInterval)
			continue
		}
		wait = p.cfg.PollInterval
		if err := p.process(ctx, lease); err != nil {
			return err
		}
	}
}

func (p *Processor) process(ctx context.Context, lease *Lease) error {
	job := lease.Job
	h, ok := p.handler(job.Kind)
	if !ok {
		rctx, cancel := p.reportContext()
		defer cancel()
		if err := p.broker.Release(rctx, lease); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("release failed; lease will expire")
		}
		p.emit(rctx, EventReleased, job, "no handler", 0)
		return fmt.Errorf("%w: kind %q on queue %q", ErrNoHandler, job.Kind, job.Queue)
	}

	// Shutdown does not interrupt a running handler; the lease bounds it instead.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LeaseDuration)
	defer cancel()
	start := time.Now()
	out := p.execute(hctx, h, job)
	p.report(lease, out, time.Since(start))
	return nil
}

func (p *Processor) execute(ctx context.Context, h Handler, job *Envelope) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("job_id", job.ID).Str("kind", string(job.Kind)).
				Msg("handler panicked")
			out = Retry(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return h.Execute(ctx, job.Clone())
}

func (p *Processor) report(lease *Lease, out Outcome, took time.Duration) {
	ctx, cancel := p.reportContext()
	defer cancel()
	job := lease.Job

	var err error
	switch out.Kind {
	case OutcomeSuccess:
		if err = p.broker.Ack(ctx, lease); err == nil {
			p.emit(ctx, EventSucceeded, job, "", took)
		}
	case OutcomePermanent:
		if err = p.broker.DeadLetter(ctx, lease, out.Reason); err == nil {
			p.emit(ctx, EventDeadLettered, job, out.Reason, took)
		}
	default:
		reason := out.Reason
		if out.Kind != OutcomeRetry {
			reason = "handler returned no outcome"
		}
		if job.Exhausted() {
			if err = p.broker.DeadLetter(ctx, lease, reason); err == nil {
				p.emit(ctx, EventDeadLettered, job, reason, took)
			}
			break
		}
		delay := p.cfg.Backoff.Delay(job.Attempt + 1)
		if out.RetryAfter > delay {
			delay = out.RetryAfter
			if p.cfg.Backoff.Cap > 0 && delay > p.cfg.Backoff.Cap {
				delay = p.cfg.Backoff.Cap
			}
		}
		notBefore := p.now().Add(delay)
		var status Status
		status, err = p.broker.Retry(ctx, lease, notBefore, reason)
		if err == nil {
			if status == StatusDeadLettered {
				p.emit(ctx, EventDeadLettered, job, reason, took)
			} else {
				ev := p.event(EventRetryScheduled, job, reason, took)
				ev.NotBefore = notBefore
				p.sink.Emit(ctx, ev)
			}
		}
	}

	switch {
	case errors.Is(err, ErrLeaseLost):
		p.logger.Warn().Str("job_id", job.ID).Str("outcome", out.Kind.String()).
			Msg("lease lost before report; job was reclaimed and will run again")
		p.emit(ctx, EventLeaseLost, job, out.Reason, took)
	case err != nil:
		p.logger.Error().Err(err).Str("job_id", job.ID).Str("outcome", out.Kind.String()).
			Msg("report failed; job will be redelivered after lease expiry")
	}
}

func (p *Processor) reportContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.cfg.ReportTimeout)
}

func (p *Processor) event(t EventType, job *Envelope, reason string, took time.Duration) Event {
	attempt := job.Attempt
	if t == EventDeadLettered || t == EventRetryScheduled {
		attempt++
	}
	return Event{
		Type:     t,
		JobID:    job.ID,
		Kind:     job.Kind,
		Queue:    job.Queue,
		Attempt:  attempt,
		Reason:   reason,
		Duration: took,
		At:       p.now().UTC(),
	}
}

func (p *Processor) emit(ctx context.Context, t EventType, job *Envelope, reason string, took time.Duration) {
	p.sink.Emit(ctx, p.event(t, job, reason, took))
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int64N(int64(d)/2+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
