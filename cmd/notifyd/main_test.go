package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/asyncx/redisbroker"
)

func writeConfig(t *testing.T, redisAddr string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notifyd.yaml")
	body := fmt.Sprintf("broker:\n  driver: redis\n  redis:\n    addr: %q\nlogging:\n  level: error\n", redisAddr)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSubmitAndStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr.Addr())

	out, err := run(t, cfg, "submit", "notify.message", `{"chat_id":42,"text":"room change"}`, "--delay", "1h")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		t.Fatal("submit printed no id")
	}

	out, err = run(t, cfg, "status", id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{id, "notify.message", "notifications", "pending", "from now"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr.Addr())

	if _, err := run(t, cfg, "submit", "notify.message", `{"chat_id":0}`); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := run(t, cfg, "submit", "notify.nope", `{}`); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestStatusUnknownJob(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr.Addr())
	if _, err := run(t, cfg, "status", "missing"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestDeadLetterCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr.Addr())

	out, err := run(t, cfg, "dlq", "list", "notifications")
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if !strings.Contains(out, "no dead-lettered jobs") {
		t.Errorf("empty list output: %q", out)
	}

	out, err = run(t, cfg, "submit", "notify.message", `{"chat_id":7,"text":"x"}`, "--max-attempts", "1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := strings.TrimSpace(out)

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := redisbroker.New(rdb, redisbroker.Options{})
	defer b.Close()
	lease, err := b.Lease(ctx, "notifications", "test", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if st, err := b.Retry(ctx, lease, time.Now(), "telegram down"); err != nil || st != asyncx.StatusDeadLettered {
		t.Fatalf("Retry = %s, %v", st, err)
	}

	out, err = run(t, cfg, "dlq", "list", "notifications", "--limit", "10")
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "telegram down") {
		t.Errorf("list output:\n%s", out)
	}

	out, err = run(t, cfg, "dlq", "replay", id)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.HasPrefix(out, "replayed "+id+" as ") {
		t.Errorf("replay output: %q", out)
	}

	if _, err := run(t, cfg, "dlq", "purge", id); err != nil {
		t.Fatalf("purge: %v", err)
	}
	st, err := b.Get(ctx, id)
	if err != nil || st.Status != asyncx.StatusFailed {
		t.Fatalf("after purge: %+v, %v", st, err)
	}
	if _, err := run(t, cfg, "dlq", "purge", id); err == nil {
		t.Fatal("second purge should fail")
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := run(t, filepath.Join(t.TempDir(), "nope.yaml"), "status", "x"); err == nil {
		t.Fatal("expected config error")
	}
}
