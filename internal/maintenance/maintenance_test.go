package maintenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/asyncx/redisbroker"
	"github.com/mohans/coursenotify/asyncx/sqlbroker"
	"github.com/mohans/coursenotify/internal/metrics"
)

var routes = []asyncx.Route{{Kind: "m.job", Queue: "q1"}, {Kind: "m.other", Queue: "q2"}}

func TestReaperSweep(t *testing.T) {
	mr := miniredis.RunT(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	broker := redisbroker.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), redisbroker.Options{Now: clock})
	client := asyncx.NewClient(broker, asyncx.MustRouter(routes), asyncx.ClientOptions{Now: clock})
	ctx := context.Background()

	for _, kind := range []asyncx.Kind{"m.job", "m.job", "m.other"} {
		if _, err := client.Submit(ctx, kind, nil); err != nil {
			t.Fatal(err)
		}
	}
	for _, q := range []string{"q1", "q1", "q2"} {
		if _, err := broker.Lease(ctx, q, "crashed", time.Second); err != nil {
			t.Fatal(err)
		}
	}
	r := NewReaper(broker, []string{"q1", "q2"}, time.Second, zerolog.Nop())

	if n, err := r.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("sweep before expiry = %d, %v", n, err)
	}
	now = now.Add(2 * time.Second)
	if n, err := r.Sweep(ctx); err != nil || n != 3 {
		t.Fatalf("sweep after expiry = %d, %v; want 3", n, err)
	}
	if _, err := broker.Lease(ctx, "q2", "w", time.Second); err != nil {
		t.Errorf("reclaimed job not leasable: %v", err)
	}
}

func TestReaperRecordsDeadLetterDepth(t *testing.T) {
	mr := miniredis.RunT(t)
	broker := redisbroker.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), redisbroker.Options{})
	ctx := context.Background()
	const q = "depth-q"
	for i := 0; i < 3; i++ {
		env := &asyncx.Envelope{ID: fmt.Sprintf("d%d", i), Kind: "m.job", Queue: q, MaxAttempts: 3, NotBefore: time.Now()}
		if err := broker.Enqueue(ctx, env); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		l, err := broker.Lease(ctx, q, "w", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if err := broker.DeadLetter(ctx, l, "chat not found"); err != nil {
			t.Fatal(err)
		}
	}
	r := NewReaper(broker, []string{q}, time.Second, zerolog.Nop())
	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := testutil.ToFloat64(metrics.DeadLetterDepth.WithLabelValues(q)); got != 2 {
		t.Fatalf("dead-letter depth = %v, want 2", got)
	}
}

func TestReaperReportsBrokerErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	broker := redisbroker.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), redisbroker.Options{})
	mr.Close()
	r := NewReaper(broker, []string{"q1"}, time.Second, zerolog.Nop())
	if _, err := r.Sweep(context.Background()); !errors.Is(err, asyncx.ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want ErrBrokerUnavailable", err)
	}
}

func TestPurgeOnce(t *testing.T) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:maint_%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	if err := sqlbroker.Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	broker := sqlbroker.New(db, sqlbroker.Options{Now: clock})
	client := asyncx.NewClient(broker, asyncx.MustRouter(routes), asyncx.ClientOptions{Now: clock})

	old, _ := client.Submit(ctx, "m.job", nil)
	lease, err := broker.Lease(ctx, "q1", "w", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := broker.Ack(ctx, lease); err != nil {
		t.Fatal(err)
	}
	now = now.Add(48 * time.Hour)
	fresh, _ := client.Submit(ctx, "m.job", nil)

	p, err := NewPurger(broker, "@hourly", 24*time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.now = clock
	n, err := p.PurgeOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeOnce = %d, %v; want 1", n, err)
	}
	if _, err := broker.Get(ctx, old); !errors.Is(err, asyncx.ErrJobNotFound) {
		t.Errorf("old succeeded job still present: %v", err)
	}
	if _, err := broker.Get(ctx, fresh); err != nil {
		t.Errorf("pending job purged: %v", err)
	}
}

func TestNewPurgerRejectsBadSchedule(t *testing.T) {
	if _, err := NewPurger(nil, "every tuesday", time.Hour, zerolog.Nop()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestPurgerRunStops(t *testing.T) {
	p, err := NewPurger(nil, "@daily", time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
