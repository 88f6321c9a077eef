// Package sqlbroker implements asyncx.Broker on a relational database through
// database/sql. Leases are granted with a compare-and-set UPDATE, so any number of
// processes may share one table.
package sqlbroker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mohans/coursenotify/asyncx"
)

// Placeholder selects the bind-parameter style of the driver.
type Placeholder int

const (
	// Question is "?" (SQLite).
	Question Placeholder = iota
	// Dollar is "$1" (Postgres via pgx).
	Dollar
)

type Options struct {
	Placeholder Placeholder
	Now         func() time.Time
}

// Broker is a reference implementation backed by a relational DB (SQLite/Postgres).
// Table schema is provided by Migrate.
type Broker struct {
	db    *sql.DB
	style Placeholder
	now   func() time.Time
}

var (
	_ asyncx.Broker         = (*Broker)(nil)
	_ asyncx.FinishedPurger = (*Broker)(nil)
)

func New(db *sql.DB, opts Options) *Broker {
	b := &Broker{db: db, style: opts.Placeholder, now: opts.Now}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

const columns = `id, kind, queue, payload_json, status, attempt, max_attempts, deliveries, not_before,
	lease_token, lease_expires, consumer, last_error, enqueued_at, updated_at`

// candidateScan bounds how many lost compare-and-set races Lease tolerates before
// reporting an empty queue for this poll.
const candidateScan = 4

func (b *Broker) rebind(q string) string {
	if b.style != Dollar {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *Broker) exec(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.rebind(q), args...)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (b *Broker) Enqueue(ctx context.Context, job *asyncx.Envelope) error {
	if b.db == nil {
		return errors.New("sqlbroker: nil db")
	}
	if job == nil || job.ID == "" || job.Queue == "" {
		return errors.New("sqlbroker: envelope needs id and queue")
	}
	now := b.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	_, err := b.exec(ctx, `INSERT INTO asyncx_jobs (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '', 0, '', '', ?, ?)`,
		job.ID, string(job.Kind), job.Queue, string(job.Payload), string(asyncx.StatusPending),
		job.Attempt, job.MaxAttempts, ms(job.NotBefore), ms(job.EnqueuedAt), ms(now))
	if err == nil {
		return nil
	}
	// Driver error types differ, so a primary key clash is recognised by looking the id up.
	if _, _, getErr := b.get(ctx, job.ID); getErr == nil {
		return fmt.Errorf("%w: %s", asyncx.ErrDuplicateJob, job.ID)
	}
	return err
}

func (b *Broker) Lease(ctx context.Context, queue, consumer string, ttl time.Duration) (*asyncx.Lease, error) {
	if _, err := b.ReclaimExpired(ctx, queue); err != nil {
		return nil, err
	}
	now := b.now()
	expires := now.Add(ttl)
	token := uuid.NewString()
	for i := 0; i < candidateScan; i++ {
		var id string
		err := b.db.QueryRowContext(ctx, b.rebind(`SELECT id FROM asyncx_jobs
			WHERE queue = ? AND status = ? AND not_before <= ?
			ORDER BY not_before, enqueued_at LIMIT 1`),
			queue, string(asyncx.StatusPending), ms(now)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, asyncx.ErrNoJob
		}
		if err != nil {
			return nil, unavailable(err)
		}
		n, err := b.exec(ctx, `UPDATE asyncx_jobs
			SET status = ?, lease_token = ?, lease_expires = ?, consumer = ?, deliveries = deliveries + 1, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(asyncx.StatusLeased), token, ms(expires), consumer, ms(now), id, string(asyncx.StatusPending))
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Another consumer won this row.
			continue
		}
		env, _, err := b.get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &asyncx.Lease{Job: env, Token: token, Consumer: consumer, ExpiresAt: fromMS(ms(expires))}, nil
	}
	return nil, asyncx.ErrNoJob
}

func (b *Broker) Ack(ctx context.Context, lease *asyncx.Lease) error {
	n, err := b.exec(ctx, `UPDATE asyncx_jobs
		SET status = ?, lease_token = '', lease_expires = 0, updated_at = ?
		WHERE id = ? AND status = ? AND lease_token = ?`,
		string(asyncx.StatusSucceeded), ms(b.now()), lease.Job.ID, string(asyncx.StatusLeased), lease.Token)
	return leaseResult(n, err, lease.Job.ID)
}

func (b *Broker) Retry(ctx context.Context, lease *asyncx.Lease, notBefore time.Time, reason string) (asyncx.Status, error) {
	// The new attempt and status are computed here from the leased snapshot; the
	// attempt guard in WHERE keeps the snapshot honest.
	job := lease.Job
	attempt := job.Attempt + 1
	status := asyncx.StatusPending
	if attempt >= job.MaxAttempts {
		status = asyncx.StatusDeadLettered
		notBefore = job.NotBefore
	}
	n, err := b.exec(ctx, `UPDATE asyncx_jobs SET
		attempt = ?, status = ?, not_before = ?,
		lease_token = '', lease_expires = 0, consumer = '', last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND lease_token = ? AND attempt = ?`,
		attempt, string(status), ms(notBefore), reason, ms(b.now()),
		job.ID, string(asyncx.StatusLeased), lease.Token, job.Attempt)
	if err := leaseResult(n, err, job.ID); err != nil {
		return "", err
	}
	return status, nil
}

func (b *Broker) DeadLetter(ctx context.Context, lease *asyncx.Lease, reason string) error {
	n, err := b.exec(ctx, `UPDATE asyncx_jobs
		SET attempt = attempt + 1, status = ?, lease_token = '', lease_expires = 0, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND lease_token = ?`,
		string(asyncx.StatusDeadLettered), reason, ms(b.now()), lease.Job.ID, string(asyncx.StatusLeased), lease.Token)
	return leaseResult(n, err, lease.Job.ID)
}

func (b *Broker) Release(ctx context.Context, lease *asyncx.Lease) error {
	n, err := b.exec(ctx, `UPDATE asyncx_jobs
		SET status = ?, lease_token = '', lease_expires = 0, consumer = '', updated_at = ?
		WHERE id = ? AND status = ? AND lease_token = ?`,
		string(asyncx.StatusPending), ms(b.now()), lease.Job.ID, string(asyncx.StatusLeased), lease.Token)
	return leaseResult(n, err, lease.Job.ID)
}

func (b *Broker) Get(ctx context.Context, id string) (*asyncx.Envelope, error) {
	env, _, err := b.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Status == asyncx.StatusLeased && !env.LeaseExpiresAt.After(b.now()) {
		env.Status = asyncx.StatusPending
		env.Consumer = ""
		env.LeaseExpiresAt = time.Time{}
	}
	return env, nil
}

func (b *Broker) get(ctx context.Context, id string) (*asyncx.Envelope, string, error) {
	if b.db == nil {
		return nil, "", errors.New("sqlbroker: nil db")
	}
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+columns+` FROM asyncx_jobs WHERE id = ?`), id)
	env, token, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", asyncx.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, "", unavailable(err)
	}
	return env, token, nil
}

func (b *Broker) DeadLetters(ctx context.Context, queue string, limit int) ([]*asyncx.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT `+columns+` FROM asyncx_jobs
		WHERE queue = ? AND status = ? ORDER BY updated_at, id LIMIT ?`),
		queue, string(asyncx.StatusDeadLettered), limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []*asyncx.Envelope
	for rows.Next() {
		env, _, err := scanEnvelope(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (b *Broker) DeadLetterCount(ctx context.Context, queue string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT COUNT(*) FROM asyncx_jobs WHERE queue = ? AND status = ?`),
		queue, string(asyncx.StatusDeadLettered)).Scan(&n)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (b *Broker) Purge(ctx context.Context, id string) error {
	n, err := b.exec(ctx, `UPDATE asyncx_jobs SET status = ?, payload_json = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		string(asyncx.StatusFailed), ms(b.now()), id, string(asyncx.StatusDeadLettered))
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, _, err := b.get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", asyncx.ErrNotDeadLettered, id)
}

func (b *Broker) ReclaimExpired(ctx context.Context, queue string) (int, error) {
	now := ms(b.now())
	n, err := b.exec(ctx, `UPDATE asyncx_jobs
		SET status = ?, lease_token = '', lease_expires = 0, consumer = '', updated_at = ?
		WHERE queue = ? AND status = ? AND lease_expires <= ?`,
		string(asyncx.StatusPending), now, queue, string(asyncx.StatusLeased), now)
	return int(n), err
}

// PurgeFinished deletes succeeded and failed records last touched before olderThan.
func (b *Broker) PurgeFinished(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := b.exec(ctx, `DELETE FROM asyncx_jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(asyncx.StatusSucceeded), string(asyncx.StatusFailed), ms(olderThan))
	return int(n), err
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *Broker) Close() error { return b.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(s scanner) (*asyncx.Envelope, string, error) {
	var (
		env                                          asyncx.Envelope
		kind, status, payload, token                 string
		notBefore, leaseExpires, enqueuedAt, updated int64
	)
	if err := s.Scan(&env.ID, &kind, &env.Queue, &payload, &status, &env.Attempt, &env.MaxAttempts,
		&env.Deliveries, &notBefore, &token, &leaseExpires, &env.Consumer, &env.LastError,
		&enqueuedAt, &updated); err != nil {
		return nil, "", err
	}
	env.Kind = asyncx.Kind(kind)
	env.Status = asyncx.Status(status)
	if payload != "" {
		env.Payload = []byte(payload)
	}
	env.NotBefore = fromMS(notBefore)
	env.LeaseExpiresAt = fromMS(leaseExpires)
	env.EnqueuedAt = fromMS(enqueuedAt)
	env.UpdatedAt = fromMS(updated)
	return &env, token, nil
}

func leaseResult(n int64, err error, id string) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", asyncx.ErrLeaseLost, id)
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", asyncx.ErrBrokerUnavailable, err)
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
