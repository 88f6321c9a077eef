// Package supervisor runs notifyd's long-lived services under a suture tree.
//
// Layers start in order and stop in reverse:
//
//	notifyd
//	├── data-layer     readiness gate, lease reaper, purge schedule
//	├── worker-layer   job processor, asynq ingress
//	└── api-layer      HTTP API
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff. Default 5.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds. Default 30.
	FailureDecay float64
	// FailureBackoff is the wait once the threshold is exceeded. Default 15s.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long each service gets to stop. Default 10s.
	ShutdownTimeout time.Duration
}

type Tree struct {
	root    *suture.Supervisor
	data    *suture.Supervisor
	workers *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = hook

	t := &Tree{
		root:    suture.New("notifyd", rootSpec),
		data:    suture.New("data-layer", spec),
		workers: suture.New("worker-layer", spec),
		api:     suture.New("api-layer", spec),
		config:  config,
	}
	t.root.Add(t.data)
	t.root.Add(t.workers)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddData(svc suture.Service) suture.ServiceToken   { return t.data.Add(svc) }
func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken { return t.workers.Add(svc) }
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken    { return t.api.Add(svc) }

// Serve blocks until ctx is done or a service terminates the tree.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
