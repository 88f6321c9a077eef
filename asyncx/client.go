package asyncx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxAttempts is used when neither ClientOptions nor Submit supplies a budget.
const DefaultMaxAttempts = 5

// Client submits jobs: it routes the kind, builds the envelope and enqueues it on a Broker.
type Client struct {
	broker      Broker
	router      *Router
	maxAttempts int
	sink        EventSink
	logger      zerolog.Logger
	now         func() time.Time
}

type ClientOptions struct {
	MaxAttempts int
	Sink        EventSink
	Logger      *zerolog.Logger
	Now         func() time.Time
}

func NewClient(broker Broker, router *Router, opts ClientOptions) *Client {
	c := &Client{
		broker:      broker,
		router:      router,
		maxAttempts: opts.MaxAttempts,
		sink:        opts.Sink,
		logger:      zerolog.Nop(),
		now:         opts.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.sink == nil {
		c.sink = nopSink{}
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type submitOptions struct {
	delay       time.Duration
	notBefore   time.Time
	maxAttempts int
	id          string
}

// SubmitOption tweaks a single Submit call.
type SubmitOption func(*submitOptions)

// Delay makes the job leasable no earlier than d from now.
func Delay(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.delay = d }
}

// NotBefore makes the job leasable no earlier than t.
func NotBefore(t time.Time) SubmitOption {
	return func(o *submitOptions) { o.notBefore = t }
}

// MaxAttempts overrides the client's attempt budget for one job.
func MaxAttempts(n int) SubmitOption {
	return func(o *submitOptions) { o.maxAttempts = n }
}

// JobID submits under a caller-chosen id. A second Submit with the same id fails
// with ErrDuplicateJob for as long as the broker still holds the first job.
func JobID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// Submit enqueues a job and returns its id once the broker has acknowledged the write.
// payload may be any JSON-encodable value, []byte or json.RawMessage holding JSON.
func (c *Client) Submit(ctx context.Context, kind Kind, payload any, opts ...SubmitOption) (string, error) {
	if c.broker == nil {
		return "", errors.New("asyncx: nil broker")
	}
	queue, err := c.router.Route(kind)
	if err != nil {
		return "", err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("asyncx: encode %s payload: %w", kind, err)
	}
	o := submitOptions{maxAttempts: c.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		return "", fmt.Errorf("asyncx: max attempts must be at least 1, got %d", o.maxAttempts)
	}

	now := c.now().UTC()
	notBefore := now
	if o.delay > 0 {
		notBefore = now.Add(o.delay)
	}
	if o.notBefore.After(notBefore) {
		notBefore = o.notBefore.UTC()
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	env := &Envelope{
		ID:          id,
		Kind:        kind,
		Payload:     raw,
		Queue:       queue,
		MaxAttempts: o.maxAttempts,
		NotBefore:   notBefore,
		Status:      StatusPending,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := c.broker.Enqueue(ctx, env); err != nil {
		return "", err
	}
	c.logger.Debug().Str("job_id", env.ID).Str("kind", string(kind)).Str("queue", queue).
		Time("not_before", notBefore).Msg("job submitted")
	c.sink.Emit(ctx, Event{
		Type:      EventSubmitted,
		JobID:     env.ID,
		Kind:      kind,
		Queue:     queue,
		NotBefore: notBefore,
		At:        now,
	})
	return env.ID, nil
}

// Status returns the job's current status.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	env, err := c.broker.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return env.Status, nil
}

// Job returns a snapshot of the job's envelope.
func (c *Client) Job(ctx context.Context, id string) (*Envelope, error) {
	return c.broker.Get(ctx, id)
}

// DeadLetters lists dead-lettered jobs on queue.
func (c *Client) DeadLetters(ctx context.Context, queue string, limit int) ([]*Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.broker.DeadLetters(ctx, queue, limit)
}

// Replay resubmits a dead-lettered job's kind and payload as a new job with a fresh
// attempt budget. The original stays dead-lettered and its attempt count never moves.
func (c *Client) Replay(ctx context.Context, id string) (string, error) {
	env, err := c.broker.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if env.Status != StatusDeadLettered {
		return "", fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, id, env.Status)
	}
	newID, err := c.Submit(ctx, env.Kind, env.Payload, MaxAttempts(env.MaxAttempts))
	if err != nil {
		return "", err
	}
	c.logger.Info().Str("job_id", id).Str("replay_id", newID).Msg("dead-lettered job replayed")
	return newID, nil
}

// Purge drops a dead-lettered job's payload, leaving a failed tombstone.
func (c *Client) Purge(ctx context.Context, id string) error {
	return c.broker.Purge(ctx, id)
}

func (c *Client) Close() error {
	if c.broker != nil {
		return c.broker.Close()
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return json.Marshal(payload)
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return append(json.RawMessage(nil), raw...), nil
}
