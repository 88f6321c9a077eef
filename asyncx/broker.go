package asyncx

import (
	"context"
	"time"
)

// Broker is the durable store of envelopes and the sole authority over their status.
// Implementations must be safe for concurrent use by many processes and must grant
// at most one live lease per job.
//
// Reports (Ack, Retry, DeadLetter, Release) carry the lease token; a report whose token
// no longer matches fails with ErrLeaseLost and changes nothing. Transport failures
// are wrapped with ErrBrokerUnavailable.
type Broker interface {
	// Enqueue persists a new pending envelope. ErrDuplicateJob if the id exists.
	Enqueue(ctx context.Context, job *Envelope) error

	// Lease atomically claims the oldest pending job on queue whose NotBefore has
	// passed, reverting expired leases on that queue first. ErrNoJob if none.
	Lease(ctx context.Context, queue, consumer string, ttl time.Duration) (*Lease, error)

	// Ack marks the leased job succeeded.
	Ack(ctx context.Context, lease *Lease) error

	// Retry records a failure. The job goes back to pending at notBefore, or is
	// dead-lettered when the incremented attempt reaches MaxAttempts. The resulting
	// status is returned.
	Retry(ctx context.Context, lease *Lease, notBefore time.Time, reason string) (Status, error)

	// DeadLetter records a failure and parks the job for inspection.
	DeadLetter(ctx context.Context, lease *Lease, reason string) error

	// Release gives the job back without counting an attempt.
	Release(ctx context.Context, lease *Lease) error

	// Get returns a snapshot of the job. ErrJobNotFound if unknown or expired.
	Get(ctx context.Context, id string) (*Envelope, error)

	// DeadLetters lists dead-lettered jobs on queue, oldest first.
	DeadLetters(ctx context.Context, queue string, limit int) ([]*Envelope, error)

	// DeadLetterCount reports how many jobs on queue are dead-lettered.
	DeadLetterCount(ctx context.Context, queue string) (int, error)

	// Purge turns a dead-lettered job into a failed tombstone without payload.
	Purge(ctx context.Context, id string) error

	// ReclaimExpired reverts expired leases on queue to pending and reports how many.
	ReclaimExpired(ctx context.Context, queue string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// FinishedPurger is implemented by brokers whose finished records do not expire on
// their own and need periodic deletion.
type FinishedPurger interface {
	PurgeFinished(ctx context.Context, olderThan time.Time) (int, error)
}
