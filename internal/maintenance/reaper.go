// Package maintenance runs the broker housekeeping loops: the lease reaper and
// the scheduled purge of finished records.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/metrics"
)

// Reaper periodically returns expired leases to pending. Lease already reclaims
// lazily, but a queue nobody is polling would otherwise keep stale leases forever.
type Reaper struct {
	broker   asyncx.Broker
	queues   []string
	interval time.Duration
	logger   zerolog.Logger
}

func NewReaper(broker asyncx.Broker, queues []string, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{broker: broker, queues: queues, interval: interval, logger: logger}
}

// Sweep reclaims expired leases on every queue and records dead-letter depth.
// It returns the number of leases reclaimed and the first broker error.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	total := 0
	var first error
	for _, q := range r.queues {
		n, err := r.broker.ReclaimExpired(ctx, q)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		total += n
		metrics.RecordReclaimed(q, n)
		if n > 0 {
			r.logger.Info().Str("queue", q).Int("reclaimed", n).Msg("expired leases reclaimed")
		}
		depth, err := r.broker.DeadLetterCount(ctx, q)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		metrics.SetDeadLetterDepth(q, depth)
	}
	return total, first
}

func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("reaper sweep failed")
			}
		}
	}
}
