package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/mohans/coursenotify/asyncx"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTreeDefaults(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{})
	if tree.config.FailureThreshold != 5 || tree.config.FailureDecay != 30 ||
		tree.config.FailureBackoff != 15*time.Second || tree.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("config = %+v", tree.config)
	}
}

func TestTreeRunsEveryLayer(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	var started atomic.Int32
	svc := func(name string) Func {
		return Func{Name: name, Run: func(ctx context.Context) error {
			started.Add(1)
			<-ctx.Done()
			return ctx.Err()
		}}
	}
	tree.AddData(svc("data"))
	tree.AddWorker(svc("worker"))
	tree.AddAPI(svc("api"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for started.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if started.Load() != 3 {
		t.Fatalf("started %d services, want 3", started.Load())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}

type idleBroker struct{ asyncx.Broker }

func (idleBroker) Lease(context.Context, string, string, time.Duration) (*asyncx.Lease, error) {
	return nil, asyncx.ErrNoJob
}

func TestProcessorServiceMissingHandlerTerminates(t *testing.T) {
	router := asyncx.MustRouter([]asyncx.Route{{Kind: "a", Queue: "q"}})
	p := asyncx.NewProcessor(idleBroker{}, asyncx.ProcessorConfig{}, asyncx.WithRouter(router))
	err := NewProcessorService(p, nil).Serve(context.Background())
	if !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Fatalf("Serve = %v, want ErrTerminateSupervisorTree", err)
	}
}

type failingGate struct{ err error }

func (g failingGate) Wait(context.Context) error { return g.err }

func TestProcessorServiceWaitsForGate(t *testing.T) {
	p := asyncx.NewProcessor(idleBroker{}, asyncx.ProcessorConfig{Queues: []string{"q"}})
	gateErr := errors.New("gate: dependency unhealthy")
	err := NewProcessorService(p, failingGate{gateErr}).Serve(context.Background())
	if !errors.Is(err, gateErr) {
		t.Fatalf("Serve = %v, want gate error", err)
	}
}

func TestProcessorServiceStops(t *testing.T) {
	p := asyncx.NewProcessor(idleBroker{}, asyncx.ProcessorConfig{Queues: []string{"q"}, PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewProcessorService(p, failingGate{}).Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v", err)
	}
}

type fakeHTTP struct {
	stop     chan struct{}
	shutdown atomic.Bool
	failWith error
}

func (f *fakeHTTP) ListenAndServe() error {
	if f.failWith != nil {
		return f.failWith
	}
	<-f.stop
	return nil
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	close(f.stop)
	return nil
}

func TestHTTPService(t *testing.T) {
	srv := &fakeHTTP{stop: make(chan struct{})}
	svc := NewHTTPService(srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v", err)
	}
	if !srv.shutdown.Load() {
		t.Error("server was not shut down")
	}

	bad := NewHTTPService(&fakeHTTP{failWith: errors.New("address in use")}, time.Second)
	if err := bad.Serve(context.Background()); err == nil {
		t.Error("expected listen error")
	}
}
