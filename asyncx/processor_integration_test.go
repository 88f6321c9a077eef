package asyncx_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/asyncx/sqlbroker"
)

func openTestDBIntegration(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:asyncx_it_%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := sqlbroker.Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProcessor_Integration_SQLSuccessAndFailure(t *testing.T) {
	broker := sqlbroker.New(openTestDBIntegration(t), sqlbroker.Options{})
	h := newHarness(t, broker, fastConfig(), true)

	type P struct {
		N int `json:"n"`
	}
	registerAll(t, h.processor, asyncx.ErrorHandler(func(ctx context.Context, job *asyncx.Envelope) error {
		return errors.New("boom")
	}), asyncx.ErrorHandler(func(ctx context.Context, job *asyncx.Envelope) error {
		var p P
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return asyncx.NewPermanentError(err)
		}
		return asyncx.NewPermanentError(fmt.Errorf("rejected n=%d", p.N))
	}))
	h.run(t)

	ctx := context.Background()
	okID, err := h.client.Submit(ctx, "it:ok", P{N: 1})
	if err != nil {
		t.Fatalf("enqueue ok: %v", err)
	}
	failID, err := h.client.Submit(ctx, "it:fail", P{N: 2})
	if err != nil {
		t.Fatalf("enqueue fail: %v", err)
	}
	permID, err := h.client.Submit(ctx, "it:perm", P{N: 3})
	if err != nil {
		t.Fatalf("enqueue perm: %v", err)
	}

	h.waitStatus(t, okID, asyncx.StatusSucceeded)
	if job := h.waitStatus(t, failID, asyncx.StatusDeadLettered); job.Attempt != 3 || job.LastError != "boom" {
		t.Fatalf("fail job: %+v", job)
	}
	if job := h.waitStatus(t, permID, asyncx.StatusDeadLettered); job.Attempt != 1 || job.LastError != "rejected n=3" {
		t.Fatalf("perm job: %+v", job)
	}
}

func TestProcessor_Integration_CrashRedelivers(t *testing.T) {
	broker := sqlbroker.New(openTestDBIntegration(t), sqlbroker.Options{})
	ctx := context.Background()
	client := asyncx.NewClient(broker, asyncx.MustRouter(testRoutes), asyncx.ClientOptions{})
	id, err := client.Submit(ctx, "it:ok", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A worker that leases and then disappears without reporting.
	if _, err := broker.Lease(ctx, "default", "crashed", 50*time.Millisecond); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	var mu sync.Mutex
	var seen []int
	cfg := fastConfig("default")
	p := asyncx.NewProcessor(broker, cfg)
	if err := p.Register("it:ok", asyncx.HandlerFunc(func(_ context.Context, job *asyncx.Envelope) asyncx.Outcome {
		mu.Lock()
		seen = append(seen, job.Deliveries)
		mu.Unlock()
		return asyncx.Success()
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := pollUntil(t, 3*time.Second, func() (bool, error) {
		st, err := client.Status(ctx, id)
		return st == asyncx.StatusSucceeded, err
	}); err != nil {
		t.Fatalf("job was not redelivered after lease expiry: %v", err)
	}
	job, err := client.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Attempt != 0 || job.Deliveries != 2 {
		t.Fatalf("expiry must not burn attempts: %+v", job)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("handler saw deliveries %v", seen)
	}
}
