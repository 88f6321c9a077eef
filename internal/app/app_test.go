package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/config"
	"github.com/mohans/coursenotify/internal/notify"
)

func sqliteConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.Driver = "sql"
	cfg.Broker.SQL.DSN = fmt.Sprintf("file:app_%s?mode=memory&cache=shared", uuid.NewString())
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

func TestNewSQLiteSubmit(t *testing.T) {
	a, err := New(context.Background(), sqliteConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	id, err := a.Producer.Submit(ctx, notify.KindMessage, []byte(`{"chat_id":3,"text":"hello"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, err := a.Client.Status(ctx, id)
	if err != nil || st != asyncx.StatusPending {
		t.Fatalf("status = %s, %v", st, err)
	}
	if err := a.Gate.Wait(ctx); err != nil {
		t.Errorf("gate: %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Broker.Redis.Addr = mr.Addr()
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if err := a.Broker.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestProcessorRegistersEveryKind(t *testing.T) {
	a, err := New(context.Background(), sqliteConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := a.Processor(a.Telegram()); err != nil {
		t.Fatalf("Processor: %v", err)
	}
}

func TestTreeStartsAndStops(t *testing.T) {
	a, err := New(context.Background(), sqliteConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	for _, mode := range []Mode{ModeAll, ModeAPI, ModeWorker} {
		tree, err := a.Tree(mode)
		if err != nil {
			t.Fatalf("Tree(%s): %v", mode, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		done := make(chan error, 1)
		go func() { done <- tree.Serve(ctx) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("tree %s did not stop", mode)
		}
		cancel()
	}
}

func TestUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Driver = "mongo"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
