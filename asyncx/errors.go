package asyncx

import "errors"

var (
	// ErrBrokerUnavailable wraps every transport or storage failure a broker hits.
	ErrBrokerUnavailable = errors.New("asyncx: broker unavailable")

	// ErrUnknownJobKind is returned when a kind has no route.
	ErrUnknownJobKind = errors.New("asyncx: unknown job kind")

	// ErrNoJob is returned by Broker.Lease when nothing on the queue is leasable now.
	ErrNoJob = errors.New("asyncx: no job available")

	// ErrJobNotFound is returned when no record exists for an id.
	ErrJobNotFound = errors.New("asyncx: job not found")

	// ErrLeaseLost is returned when a report carries a token the broker no longer honours,
	// typically because the lease expired and the job was reclaimed.
	ErrLeaseLost = errors.New("asyncx: lease lost")

	// ErrDuplicateJob is returned by Broker.Enqueue for an id that already exists.
	ErrDuplicateJob = errors.New("asyncx: duplicate job id")

	// ErrNoHandler is returned by Processor.Run when a routed kind has no registered handler.
	ErrNoHandler = errors.New("asyncx: no handler registered")

	// ErrNotDeadLettered is returned when purging a job that is not dead-lettered.
	ErrNotDeadLettered = errors.New("asyncx: job is not dead-lettered")
)
