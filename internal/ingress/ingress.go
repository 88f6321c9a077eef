// Package ingress bridges producers that speak asynq into the asyncx pipeline.
// Legacy services push notify:submit tasks on an asynq queue; the Server turns
// each one into a Client.Submit call.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/notify"
)

// TypeSubmit is the asynq task type carrying a SubmitRequest.
const TypeSubmit = "notify:submit"

// SubmitRequest is the asynq task payload.
type SubmitRequest struct {
	Kind         asyncx.Kind     `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
}

// Submitter is satisfied by *notify.Producer.
type Submitter interface {
	Submit(ctx context.Context, kind asyncx.Kind, raw json.RawMessage, opts ...asyncx.SubmitOption) (string, error)
}

type Config struct {
	Queue       string
	Concurrency int
}

type Server struct {
	srv       *asynq.Server
	mux       *asynq.ServeMux
	submitter Submitter
	logger    zerolog.Logger
}

// ns scopes job ids derived from asynq task ids.
var ns = uuid.MustParse("8d3b6f0e-52c5-4c4e-9d53-0f7f2d8e6a41")

func NewServer(redisOpt asynq.RedisConnOpt, cfg Config, sub Submitter, logger zerolog.Logger) *Server {
	if cfg.Queue == "" {
		cfg.Queue = "ingress"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		Logger:      asynqLogger{logger},
		LogLevel:    asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			logger.Warn().Err(err).Str("task_id", id).Str("type", t.Type()).Msg("ingress task failed")
		}),
	})
	s := &Server{srv: srv, mux: asynq.NewServeMux(), submitter: sub, logger: logger}
	s.mux.Use(s.logMiddleware)
	s.mux.HandleFunc(TypeSubmit, s.handleSubmit)
	return s
}

// Run serves until ctx is done, then shuts the asynq server down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.srv.Start(s.mux); err != nil {
		return fmt.Errorf("ingress: start: %w", err)
	}
	<-ctx.Done()
	s.srv.Shutdown()
	return ctx.Err()
}

func (s *Server) logMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		id, _ := asynq.GetTaskID(ctx)
		s.logger.Debug().Str("task_id", id).Str("type", t.Type()).Dur("took", time.Since(start)).
			Bool("ok", err == nil).Msg("ingress task")
		return err
	})
}

func (s *Server) handleSubmit(ctx context.Context, t *asynq.Task) error {
	var req SubmitRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("decode submit request: %v: %w", err, asynq.SkipRetry)
	}
	if req.Kind == "" {
		return fmt.Errorf("submit request without kind: %w", asynq.SkipRetry)
	}
	var opts []asyncx.SubmitOption
	if req.DelaySeconds > 0 {
		opts = append(opts, asyncx.Delay(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, asyncx.MaxAttempts(req.MaxAttempts))
	}
	// asynq may deliver a task twice; a stable job id turns the second into a no-op.
	if taskID, ok := asynq.GetTaskID(ctx); ok {
		opts = append(opts, asyncx.JobID(uuid.NewSHA1(ns, []byte(taskID)).String()))
	}
	id, err := s.submitter.Submit(ctx, req.Kind, req.Payload, opts...)
	switch {
	case err == nil:
		s.logger.Info().Str("job_id", id).Str("kind", string(req.Kind)).Msg("ingress task forwarded")
		return nil
	case errors.Is(err, asyncx.ErrDuplicateJob):
		return nil
	case errors.Is(err, asyncx.ErrUnknownJobKind), errors.Is(err, notify.ErrInvalidPayload):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Forwarder enqueues notify:submit tasks, for producers that only reach Redis.
type Forwarder struct {
	client *asynq.Client
	queue  string
}

func NewForwarder(redisOpt asynq.RedisConnOpt, queue string) *Forwarder {
	if queue == "" {
		queue = "ingress"
	}
	return &Forwarder{client: asynq.NewClient(redisOpt), queue: queue}
}

// Forward enqueues req and returns the asynq task id.
func (f *Forwarder) Forward(ctx context.Context, req SubmitRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ingress: encode request: %w", err)
	}
	info, err := f.client.EnqueueContext(ctx, asynq.NewTask(TypeSubmit, data), asynq.Queue(f.queue), asynq.MaxRetry(10))
	if err != nil {
		return "", fmt.Errorf("ingress: enqueue: %w", err)
	}
	return info.ID, nil
}

func (f *Forwarder) Close() error { return f.client.Close() }

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
