package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/mohans/coursenotify/asyncx"
)

// Func adapts a run function to suture.Service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }
func (f Func) String() string                  { return f.Name }

// Waiter blocks until dependencies are ready; *gate.Gate satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// ProcessorService runs the job processor once the gate opens. A missing
// handler cannot be fixed by a restart and terminates the whole tree.
type ProcessorService struct {
	processor *asyncx.Processor
	gate      Waiter
}

func NewProcessorService(p *asyncx.Processor, gate Waiter) *ProcessorService {
	return &ProcessorService{processor: p, gate: gate}
}

func (s *ProcessorService) Serve(ctx context.Context) error {
	if err := s.processor.Check(); err != nil {
		return fmt.Errorf("%w: %v", suture.ErrTerminateSupervisorTree, err)
	}
	if s.gate != nil {
		if err := s.gate.Wait(ctx); err != nil {
			return fmt.Errorf("processor: %w", err)
		}
	}
	err := s.processor.Run(ctx)
	if errors.Is(err, asyncx.ErrNoHandler) {
		return fmt.Errorf("%w: %v", suture.ErrTerminateSupervisorTree, err)
	}
	if err == nil {
		return ctx.Err()
	}
	return err
}

func (s *ProcessorService) String() string { return "job-processor" }

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }
