// Package redisbroker implements asyncx.Broker on Redis. Every state transition is a
// single Lua script, so lease grants and reports are atomic per job.
//
// Layout, with the default prefix "asyncx":
//
//	{asyncx}:job:<id>             hash with the envelope and lease fields
//	{asyncx}:queue:<q>:pending    zset of ids scored by not_before (ms)
//	{asyncx}:queue:<q>:leased     zset of ids scored by lease expiry (ms)
//	{asyncx}:queue:<q>:dead       zset of ids scored by dead-letter time (ms)
//
// The prefix is a hash tag, so on Redis Cluster every key of one broker lives in
// a single slot and the scripts may touch job hashes they find through the queue
// zsets.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohans/coursenotify/asyncx"
)

// Options tune a Broker.
type Options struct {
	// Prefix namespaces every key and is used as the cluster hash tag. Defaults to "asyncx".
	Prefix string
	// Retention is how long succeeded and purged jobs stay readable. Zero keeps them forever.
	Retention time.Duration
	// Now replaces time.Now; used by tests to move lease expiry around.
	Now func() time.Time
}

type Broker struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ asyncx.Broker = (*Broker)(nil)

func New(rdb redis.UniversalClient, opts Options) *Broker {
	b := &Broker{rdb: rdb, prefix: opts.Prefix, retention: opts.Retention, now: opts.Now}
	if b.prefix == "" {
		b.prefix = "asyncx"
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Broker) tag() string                { return "{" + b.prefix + "}" }
func (b *Broker) jobPrefix() string          { return b.tag() + ":job:" }
func (b *Broker) jobKey(id string) string    { return b.jobPrefix() + id }
func (b *Broker) queueKey(q string) string   { return b.tag() + ":queue:" + q }
func (b *Broker) pendingKey(q string) string { return b.queueKey(q) + ":pending" }
func (b *Broker) leasedKey(q string) string  { return b.queueKey(q) + ":leased" }
func (b *Broker) deadKey(q string) string    { return b.queueKey(q) + ":dead" }

func (b *Broker) Enqueue(ctx context.Context, job *asyncx.Envelope) error {
	if job == nil || job.ID == "" || job.Queue == "" {
		return errors.New("redisbroker: envelope needs id and queue")
	}
	now := b.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	notBefore := ms(job.NotBefore)
	args := []any{
		"id", job.ID,
		"kind", string(job.Kind),
		"queue", job.Queue,
		"payload", string(job.Payload),
		"status", string(asyncx.StatusPending),
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"not_before", notBefore,
		"deliveries", 0,
		"last_error", "",
		"lease_token", "",
		"lease_expires", 0,
		"consumer", "",
		"enqueued_at", ms(job.EnqueuedAt),
		"updated_at", ms(now),
		notBefore,
		job.ID,
	}
	res, err := enqueueScript.Run(ctx, b.rdb, []string{b.jobKey(job.ID), b.pendingKey(job.Queue)}, args...).Int()
	if err != nil {
		return unavailable(err)
	}
	if res == -1 {
		return fmt.Errorf("%w: %s", asyncx.ErrDuplicateJob, job.ID)
	}
	return nil
}

func (b *Broker) Lease(ctx context.Context, queue, consumer string, ttl time.Duration) (*asyncx.Lease, error) {
	now := b.now()
	expires := now.Add(ttl)
	token := uuid.NewString()
	res, err := leaseScript.Run(ctx, b.rdb,
		[]string{b.pendingKey(queue), b.leasedKey(queue)},
		ms(now), ms(expires), b.jobPrefix(), token, consumer,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, asyncx.ErrNoJob
	}
	if err != nil {
		return nil, unavailable(err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	env, err := decode(fields)
	if err != nil {
		return nil, err
	}
	return &asyncx.Lease{Job: env, Token: token, Consumer: consumer, ExpiresAt: fromMS(ms(expires))}, nil
}

func (b *Broker) Ack(ctx context.Context, lease *asyncx.Lease) error {
	job := lease.Job
	res, err := ackScript.Run(ctx, b.rdb,
		[]string{b.jobKey(job.ID), b.leasedKey(job.Queue)},
		lease.Token, job.ID, ms(b.now()), b.retention.Milliseconds(),
	).Int()
	return b.reportResult(res, err, job.ID)
}

func (b *Broker) Retry(ctx context.Context, lease *asyncx.Lease, notBefore time.Time, reason string) (asyncx.Status, error) {
	job := lease.Job
	res, err := retryScript.Run(ctx, b.rdb,
		[]string{b.jobKey(job.ID), b.leasedKey(job.Queue), b.pendingKey(job.Queue), b.deadKey(job.Queue)},
		lease.Token, job.ID, ms(b.now()), ms(notBefore), reason,
	).Int()
	if err := b.reportResult(res, err, job.ID); err != nil {
		return "", err
	}
	if res == 1 {
		return asyncx.StatusDeadLettered, nil
	}
	return asyncx.StatusPending, nil
}

func (b *Broker) DeadLetter(ctx context.Context, lease *asyncx.Lease, reason string) error {
	job := lease.Job
	res, err := deadLetterScript.Run(ctx, b.rdb,
		[]string{b.jobKey(job.ID), b.leasedKey(job.Queue), b.deadKey(job.Queue)},
		lease.Token, job.ID, ms(b.now()), reason,
	).Int()
	return b.reportResult(res, err, job.ID)
}

func (b *Broker) Release(ctx context.Context, lease *asyncx.Lease) error {
	job := lease.Job
	res, err := releaseScript.Run(ctx, b.rdb,
		[]string{b.jobKey(job.ID), b.leasedKey(job.Queue), b.pendingKey(job.Queue)},
		lease.Token, job.ID, ms(b.now()),
	).Int()
	return b.reportResult(res, err, job.ID)
}

func (b *Broker) reportResult(res int, err error, id string) error {
	if err != nil {
		return unavailable(err)
	}
	if res == -1 {
		return fmt.Errorf("%w: %s", asyncx.ErrLeaseLost, id)
	}
	return nil
}

func (b *Broker) Get(ctx context.Context, id string) (*asyncx.Envelope, error) {
	fields, err := b.rdb.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", asyncx.ErrJobNotFound, id)
	}
	env, err := decode(fields)
	if err != nil {
		return nil, err
	}
	// An expired lease is pending in all but bookkeeping until the next reclaim.
	if env.Status == asyncx.StatusLeased && !env.LeaseExpiresAt.After(b.now()) {
		env.Status = asyncx.StatusPending
		env.Consumer = ""
		env.LeaseExpiresAt = time.Time{}
	}
	return env, nil
}

func (b *Broker) DeadLetters(ctx context.Context, queue string, limit int) ([]*asyncx.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := b.rdb.ZRange(ctx, b.deadKey(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, b.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]*asyncx.Envelope, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		env, err := decode(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (b *Broker) DeadLetterCount(ctx context.Context, queue string) (int, error) {
	n, err := b.rdb.ZCard(ctx, b.deadKey(queue)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

func (b *Broker) Purge(ctx context.Context, id string) error {
	queue, err := b.rdb.HGet(ctx, b.jobKey(id), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", asyncx.ErrJobNotFound, id)
	}
	if err != nil {
		return unavailable(err)
	}
	res, err := purgeScript.Run(ctx, b.rdb,
		[]string{b.jobKey(id), b.deadKey(queue)},
		id, ms(b.now()), b.retention.Milliseconds(),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	switch res {
	case -2:
		return fmt.Errorf("%w: %s", asyncx.ErrJobNotFound, id)
	case -1:
		return fmt.Errorf("%w: %s", asyncx.ErrNotDeadLettered, id)
	}
	return nil
}

func (b *Broker) ReclaimExpired(ctx context.Context, queue string) (int, error) {
	n, err := reclaimScript.Run(ctx, b.rdb,
		[]string{b.pendingKey(queue), b.leasedKey(queue)},
		ms(b.now()), b.jobPrefix(),
	).Int()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *Broker) Close() error { return b.rdb.Close() }

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", asyncx.ErrBrokerUnavailable, err)
}

func decode(f map[string]string) (*asyncx.Envelope, error) {
	env := &asyncx.Envelope{
		ID:        f["id"],
		Kind:      asyncx.Kind(f["kind"]),
		Queue:     f["queue"],
		Status:    asyncx.Status(f["status"]),
		LastError: f["last_error"],
		Consumer:  f["consumer"],
	}
	if p, ok := f["payload"]; ok && p != "" {
		env.Payload = []byte(p)
	}
	var err error
	ints := []struct {
		name string
		dst  *int
	}{
		{"attempt", &env.Attempt},
		{"max_attempts", &env.MaxAttempts},
		{"deliveries", &env.Deliveries},
	}
	for _, it := range ints {
		if *it.dst, err = atoi(f[it.name]); err != nil {
			return nil, fmt.Errorf("redisbroker: job %s field %s: %w", env.ID, it.name, err)
		}
	}
	times := []struct {
		name string
		dst  *time.Time
	}{
		{"not_before", &env.NotBefore},
		{"lease_expires", &env.LeaseExpiresAt},
		{"enqueued_at", &env.EnqueuedAt},
		{"updated_at", &env.UpdatedAt},
	}
	for _, it := range times {
		v, err := strconv.ParseInt(orZero(f[it.name]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redisbroker: job %s field %s: %w", env.ID, it.name, err)
		}
		*it.dst = fromMS(v)
	}
	return env, nil
}

func atoi(s string) (int, error) { return strconv.Atoi(orZero(s)) }

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
