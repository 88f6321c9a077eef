package asyncx

import (
	"context"
	"errors"
	"time"
)

// OutcomeKind classifies how a handler invocation ended.
type OutcomeKind int

const (
	outcomeInvalid OutcomeKind = iota
	OutcomeSuccess
	OutcomeRetry
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomePermanent:
		return "permanent"
	}
	return "invalid"
}

// Outcome is what a Handler reports back to the processor.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	// RetryAfter is an optional lower bound on the next retry delay, e.g. from a
	// rate-limit response. It is still capped by the backoff cap.
	RetryAfter time.Duration
}

// Success marks the job done.
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Retry marks a transient failure; the job is rescheduled until the attempt budget runs out.
func Retry(reason string) Outcome { return Outcome{Kind: OutcomeRetry, Reason: reason} }

// RetryAfter is Retry with a minimum delay before the next attempt.
func RetryAfter(reason string, d time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetry, Reason: reason, RetryAfter: d}
}

// Permanent marks a failure that no retry can fix; the job is dead-lettered.
func Permanent(reason string) Outcome { return Outcome{Kind: OutcomePermanent, Reason: reason} }

// Handler executes one job. Implementations must tolerate duplicate delivery:
// the envelope ID is stable across redeliveries and may serve as an idempotency key.
type Handler interface {
	Execute(ctx context.Context, job *Envelope) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Envelope) Outcome

func (f HandlerFunc) Execute(ctx context.Context, job *Envelope) Outcome { return f(ctx, job) }

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err so ErrorHandler dead-letters instead of retrying.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ErrorHandler adapts an error-returning function: nil is success, a *PermanentError
// anywhere in the chain is permanent, anything else is retried.
type ErrorHandler func(ctx context.Context, job *Envelope) error

func (f ErrorHandler) Execute(ctx context.Context, job *Envelope) Outcome {
	err := f(ctx, job)
	if err == nil {
		return Success()
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return Permanent(err.Error())
	}
	return Retry(err.Error())
}
