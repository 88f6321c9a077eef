package asyncx

import (
	"time"

	"github.com/goccy/go-json"
)

// Status represents a job's position in the lease lifecycle as recorded by the broker.
// Kept as string for readability in Redis hashes and SQL rows.
type Status string

const (
	StatusPending      Status = "pending"
	StatusLeased       Status = "leased"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further delivery will happen for a job in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

// Kind names a job type, e.g. "notify.enrollment". The Router maps kinds to queues.
type Kind string

// Envelope is the broker's record of one unit of work.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Queue       string          `json:"queue"`
	Attempt     int             `json:"attempt"`      // handler-reported failures so far
	MaxAttempts int             `json:"max_attempts"` // attempt budget
	NotBefore   time.Time       `json:"not_before"`
	Status      Status          `json:"status"`

	Deliveries     int       `json:"deliveries"` // leases granted, including ones that expired
	LastError      string    `json:"last_error,omitempty"`
	Consumer       string    `json:"consumer,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy so handlers cannot mutate broker-owned state.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

// Exhausted reports whether one more failure would use up the attempt budget.
func (e *Envelope) Exhausted() bool {
	return e.Attempt+1 >= e.MaxAttempts
}

// Lease is the transient, exclusive right to execute a job until ExpiresAt.
// Only the holder of Token may ack, retry, dead-letter or release the job.
type Lease struct {
	Job       *Envelope
	Token     string
	Consumer  string
	ExpiresAt time.Time
}
