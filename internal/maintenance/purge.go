package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/metrics"
)

// Purger deletes succeeded and failed records older than the retention window
// on a cron schedule. Brokers that expire records themselves do not need one.
type Purger struct {
	target    asyncx.FinishedPurger
	retention time.Duration
	cron      *cron.Cron
	logger    zerolog.Logger
	now       func() time.Time

	mu  sync.Mutex
	ctx context.Context
}

// NewPurger validates schedule (standard five-field cron or a descriptor such as @hourly).
func NewPurger(target asyncx.FinishedPurger, schedule string, retention time.Duration, logger zerolog.Logger) (*Purger, error) {
	p := &Purger{
		target:    target,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		ctx:       context.Background(),
	}
	p.cron = cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})))
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("maintenance: purge schedule %q: %w", schedule, err)
	}
	return p, nil
}

// PurgeOnce deletes finished records older than the retention window now.
func (p *Purger) PurgeOnce(ctx context.Context) (int, error) {
	n, err := p.target.PurgeFinished(ctx, p.now().Add(-p.retention))
	if err != nil {
		return 0, err
	}
	metrics.RecordPurged(n)
	return n, nil
}

func (p *Purger) run() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	n, err := p.PurgeOnce(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("purge of finished jobs failed")
		return
	}
	p.logger.Info().Int("deleted", n).Dur("retention", p.retention).Msg("finished jobs purged")
}

// Start begins the schedule; scheduled runs use ctx.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	p.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running purge to finish.
func (p *Purger) Stop() error {
	<-p.cron.Stop().Done()
	return nil
}

// Run starts the schedule and stops it when ctx is done.
func (p *Purger) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := p.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}

type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
