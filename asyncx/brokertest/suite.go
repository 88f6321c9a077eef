// Package brokertest is a conformance suite every asyncx.Broker implementation must pass.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohans/coursenotify/asyncx"
)

// Clock is a manually advanced time source shared by a broker under test and the suite.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory returns a fresh, empty broker that reads time from now.
type Factory func(t *testing.T, now func() time.Time) asyncx.Broker

const queue = "notifications"

// Run executes the suite.
func Run(t *testing.T, newBroker Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b asyncx.Broker, clock *Clock)
	}{
		{"EnqueueThenGet", testEnqueueThenGet},
		{"DuplicateRejected", testDuplicateRejected},
		{"GetUnknown", testGetUnknown},
		{"LeaseEmptyQueue", testLeaseEmptyQueue},
		{"NotBeforeRespected", testNotBeforeRespected},
		{"OrderedByNotBefore", testOrderedByNotBefore},
		{"QueuesIsolated", testQueuesIsolated},
		{"AckSucceeds", testAckSucceeds},
		{"RetryReschedules", testRetryReschedules},
		{"RetryDeadLettersAtBudget", testRetryDeadLettersAtBudget},
		{"DeadLetterIsFinal", testDeadLetterIsFinal},
		{"ReleaseKeepsAttempt", testReleaseKeepsAttempt},
		{"ExpiredLeaseRedelivered", testExpiredLeaseRedelivered},
		{"ReclaimExpired", testReclaimExpired},
		{"Purge", testPurge},
		{"DeadLetterCount", testDeadLetterCount},
		{"ConcurrentLeaseExclusive", testConcurrentLeaseExclusive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			b := newBroker(t, clock.Now)
			tt.fn(t, b, clock)
		})
	}
}

func newJob(clock *Clock, id string, maxAttempts int) *asyncx.Envelope {
	now := clock.Now()
	return &asyncx.Envelope{
		ID:          id,
		Kind:        "test.kind",
		Payload:     []byte(`{"n":1}`),
		Queue:       queue,
		MaxAttempts: maxAttempts,
		NotBefore:   now,
		Status:      asyncx.StatusPending,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
}

func mustEnqueue(t *testing.T, b asyncx.Broker, job *asyncx.Envelope) {
	t.Helper()
	if err := b.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue(%s): %v", job.ID, err)
	}
}

func mustLease(t *testing.T, b asyncx.Broker, ttl time.Duration) *asyncx.Lease {
	t.Helper()
	l, err := b.Lease(context.Background(), queue, "tester", ttl)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	return l
}

func expectNoJob(t *testing.T, b asyncx.Broker) {
	t.Helper()
	l, err := b.Lease(context.Background(), queue, "tester", time.Minute)
	if !errors.Is(err, asyncx.ErrNoJob) {
		t.Fatalf("Lease: expected ErrNoJob, got lease=%v err=%v", l, err)
	}
}

func mustGet(t *testing.T, b asyncx.Broker, id string) *asyncx.Envelope {
	t.Helper()
	env, err := b.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return env
}

func testEnqueueThenGet(t *testing.T, b asyncx.Broker, clock *Clock) {
	mustEnqueue(t, b, newJob(clock, "j1", 3))
	got := mustGet(t, b, "j1")
	if got.Status != asyncx.StatusPending || got.Attempt != 0 || got.MaxAttempts != 3 {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.Kind != "test.kind" || got.Queue != queue || string(got.Payload) != `{"n":1}` {
		t.Fatalf("fields not preserved: %+v", got)
	}
	if !got.NotBefore.Equal(clock.Now()) {
		t.Fatalf("not_before = %v, want %v", got.NotBefore, clock.Now())
	}
}

func testDuplicateRejected(t *testing.T, b asyncx.Broker, clock *Clock) {
	mustEnqueue(t, b, newJob(clock, "dup", 3))
	err := b.Enqueue(context.Background(), newJob(clock, "dup", 3))
	if !errors.Is(err, asyncx.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func testGetUnknown(t *testing.T, b asyncx.Broker, _ *Clock) {
	if _, err := b.Get(context.Background(), "missing"); !errors.Is(err, asyncx.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func testLeaseEmptyQueue(t *testing.T, b asyncx.Broker, _ *Clock) {
	expectNoJob(t, b)
}

func testNotBeforeRespected(t *testing.T, b asyncx.Broker, clock *Clock) {
	job := newJob(clock, "later", 3)
	job.NotBefore = clock.Now().Add(time.Minute)
	mustEnqueue(t, b, job)
	expectNoJob(t, b)
	clock.Advance(time.Minute)
	l := mustLease(t, b, time.Minute)
	if l.Job.ID != "later" {
		t.Fatalf("leased %s", l.Job.ID)
	}
}

func testOrderedByNotBefore(t *testing.T, b asyncx.Broker, clock *Clock) {
	first := newJob(clock, "a", 3)
	first.NotBefore = clock.Now().Add(2 * time.Second)
	second := newJob(clock, "b", 3)
	second.NotBefore = clock.Now().Add(time.Second)
	mustEnqueue(t, b, first)
	mustEnqueue(t, b, second)
	clock.Advance(3 * time.Second)
	if l := mustLease(t, b, time.Minute); l.Job.ID != "b" {
		t.Fatalf("expected b first, got %s", l.Job.ID)
	}
	if l := mustLease(t, b, time.Minute); l.Job.ID != "a" {
		t.Fatalf("expected a second, got %s", l.Job.ID)
	}
}

func testQueuesIsolated(t *testing.T, b asyncx.Broker, clock *Clock) {
	job := newJob(clock, "bg", 3)
	job.Queue = "background"
	mustEnqueue(t, b, job)
	expectNoJob(t, b)
	l, err := b.Lease(context.Background(), "background", "tester", time.Minute)
	if err != nil || l.Job.ID != "bg" {
		t.Fatalf("lease background: %v %v", l, err)
	}
}

func testAckSucceeds(t *testing.T, b asyncx.Broker, clock *Clock) {
	ctx := context.Background()
	mustEnqueue(t, b, newJob(clock, "ok", 3))
	l := mustLease(t, b, time.Minute)
	if got := mustGet(t, b, "ok"); got.Status != asyncx.StatusLeased || got.Deliveries != 1 {
		t.Fatalf("after lease: %+v", got)
	}
	if err := b.Ack(ctx, l); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	got := mustGet(t, b, "ok")
	if got.Status != asyncx.StatusSucceeded || got.Attempt != 0 {
		t.Fatalf("after ack: %+v", got)
	}
	if err := b.Ack(ctx, l); !errors.Is(err, asyncx.ErrLeaseLost) {
		t.Fatalf("second Ack: expected ErrLeaseLost, got %v", err)
	}
	expectNoJob(t, b)
}

func testRetryReschedules(t *testing.T, b asyncx.Broker, clock *Clock) {
	mustEnqueue(t, b, newJob(clock, "r", 5))
	l := mustLease(t, b, time.Minute)
	status, err := b.Retry(context.Background(), l, clock.Now().Add(10*time.Second), "timeout")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if status != asyncx.StatusPending {
		t.Fatalf("status = %s, want pending", status)
	}
	got := mustGet(t, b, "r")
	if got.Attempt != 1 || got.LastError != "timeout" || got.Status != asyncx.StatusPending {
		t.Fatalf("after retry: %+v", got)
	}
	expectNoJob(t, b)
	clock.Advance(10 * time.Second)
	l = mustLease(t, b, time.Minute)
	if l.Job.Attempt != 1 {
		t.Fatalf("redelivered attempt = %d", l.Job.Attempt)
	}
}

func testRetryDeadLettersAtBudget(t *testing.T, b asyncx.Broker, clock *Clock) {
	ctx := context.Background()
	mustEnqueue(t, b, newJob(clock, "x", 2))
	last := -1
	for i := 0; i < 2; i++ {
		l := mustLease(t, b, time.Minute)
		if l.Job.Attempt <= last {
			t.Fatalf("attempt went from %d to %d", last, l.Job.Attempt)
		}
		last = l.Job.Attempt
		status, err := b.Retry(ctx, l, clock.Now(), fmt.Sprintf("fail %d", i))
		if err != nil {
			t.Fatalf("Retry %d: %v", i, err)
		}
		want := asyncx.StatusPending
		if i == 1 {
			want = asyncx.StatusDeadLettered
		}
		if status != want {
			t.Fatalf("Retry %d status = %s, want %s", i, status, want)
		}
	}
	got := mustGet(t, b, "x")
	if got.Status != asyncx.StatusDeadLettered || got.Attempt != 2 || got.LastError != "fail 1" {
		t.Fatalf("after budget: %+v", got)
	}
	clock.Advance(time.Hour)
	expectNoJob(t, b)
}

func testDeadLetterIsFinal(t *testing.T, b asyncx.Broker, clock *Clock) {
	ctx := context.Background()
	mustEnqueue(t, b, newJob(clock, "p", 5))
	l := mustLease(t, b, time.Minute)
	if err := b.DeadLetter(ctx, l, "chat not found"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	got := mustGet(t, b, "p")
	if got.Status != asyncx.StatusDeadLettered || got.Attempt != 1 || got.LastError != "chat not found" {
		t.Fatalf("after dead-letter: %+v", got)
	}
	clock.Advance(time.Hour)
	expectNoJob(t, b)
	dead, err := b.DeadLetters(ctx, queue, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "p" {
		t.Fatalf("DeadLetters = %+v", dead)
	}
}

func testReleaseKeepsAttempt(t *testing.T, b asyncx.Broker, clock *Clock) {
	mustEnqueue(t, b, newJob(clock, "rel", 3))
	l := mustLease(t, b, time.Minute)
	if err := b.Release(context.Background(), l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got := mustGet(t, b, "rel")
	if got.Status != asyncx.StatusPending || got.Attempt != 0 {
		t.Fatalf("after release: %+v", got)
	}
	if l2 := mustLease(t, b, time.Minute); l2.Job.ID != "rel" {
		t.Fatalf("leased %s", l2.Job.ID)
	}
}

func testExpiredLeaseRedelivered(t *testing.T, b asyncx.Broker, clock *Clock) {
	ctx := context.Background()
	mustEnqueue(t, b, newJob(clock, "crash", 3))
	first := mustLease(t, b, 10*time.Second)
	expectNoJob(t, b)

	clock.Advance(11 * time.Second)
	if got := mustGet(t, b, "crash"); got.Status != asyncx.StatusPending {
		t.Fatalf("expired lease status = %s", got.Status)
	}
	second := mustLease(t, b, 10*time.Second)
	if second.Job.ID != "crash" || second.Token == first.Token {
		t.Fatalf("unexpected redelivery: %+v", second)
	}
	if second.Job.Attempt != 0 || second.Job.Deliveries != 2 {
		t.Fatalf("expiry must not burn an attempt: %+v", second.Job)
	}
	if err := b.Ack(ctx, first); !errors.Is(err, asyncx.ErrLeaseLost) {
		t.Fatalf("stale ack: expected ErrLeaseLost, got %v", err)
	}
	if err := b.Ack(ctx, second); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func testReclaimExpired(t *testing.T, b asyncx.Broker, clock *Clock) {
	ctx := context.Background()
	mustEnqueue(t, b, newJob(clock, "e1", 3))
	mustEnqueue(t, b, newJob(clock, "e2", 3))
	mustLease(t, b, 5*time.Second)
	mustLease(t, b, time.Minute)
	clock.Advance(6 * time.Second)
	n, err := b.ReclaimExpired(ctx, queue)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
}

func testPurge(t *testing.T, b asyncx.Broker, clock *Clock) {
	ctx := context.Background()
	if err := b.Purge(ctx, "missing"); !errors.Is(err, asyncx.ErrJobNotFound) {
		t.Fatalf("purge missing: %v", err)
	}
	mustEnqueue(t, b, newJob(clock, "live", 3))
	if err := b.Purge(ctx, "live"); !errors.Is(err, asyncx.ErrNotDeadLettered) {
		t.Fatalf("purge live: %v", err)
	}
	l := mustLease(t, b, time.Minute)
	if err := b.DeadLetter(ctx, l, "bad payload"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if err := b.Purge(ctx, "live"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	got := mustGet(t, b, "live")
	if got.Status != asyncx.StatusFailed || len(got.Payload) != 0 || got.Attempt != 1 || got.LastError != "bad payload" {
		t.Fatalf("tombstone: %+v", got)
	}
	dead, err := b.DeadLetters(ctx, queue, 10)
	if err != nil || len(dead) != 0 {
		t.Fatalf("DeadLetters after purge: %v %v", dead, err)
	}
}

func testDeadLetterCount(t *testing.T, b asyncx.Broker, clock *Clock) {
	ctx := context.Background()
	count := func() int {
		t.Helper()
		n, err := b.DeadLetterCount(ctx, queue)
		if err != nil {
			t.Fatalf("DeadLetterCount: %v", err)
		}
		return n
	}
	if n := count(); n != 0 {
		t.Fatalf("empty queue count = %d", n)
	}
	for _, id := range []string{"d1", "d2", "live"} {
		mustEnqueue(t, b, newJob(clock, id, 3))
	}
	var dead []string
	for i := 0; i < 2; i++ {
		l := mustLease(t, b, time.Minute)
		if err := b.DeadLetter(ctx, l, "chat not found"); err != nil {
			t.Fatalf("DeadLetter: %v", err)
		}
		dead = append(dead, l.Job.ID)
	}
	if n := count(); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if err := b.Purge(ctx, dead[0]); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n := count(); n != 1 {
		t.Fatalf("count after purge = %d, want 1", n)
	}
	if n, err := b.DeadLetterCount(ctx, "elsewhere"); err != nil || n != 0 {
		t.Fatalf("other queue count = %d, %v", n, err)
	}
}

func testConcurrentLeaseExclusive(t *testing.T, b asyncx.Broker, clock *Clock) {
	const jobs = 24
	for i := 0; i < jobs; i++ {
		mustEnqueue(t, b, newJob(clock, fmt.Sprintf("c%02d", i), 3))
	}
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				l, err := b.Lease(context.Background(), queue, fmt.Sprintf("w%d", w), time.Minute)
				if errors.Is(err, asyncx.ErrNoJob) {
					return
				}
				if err != nil {
					t.Errorf("Lease: %v", err)
					return
				}
				mu.Lock()
				seen[l.Job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	if len(seen) != jobs {
		t.Fatalf("leased %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s leased %d times", id, n)
		}
	}
}
