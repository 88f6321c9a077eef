package asyncx_test

import (
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/asyncx/redisbroker"
)

var testRoutes = []asyncx.Route{
	{Kind: "it:ok", Queue: "default"},
	{Kind: "it:fail", Queue: "default"},
	{Kind: "it:perm", Queue: "default"},
	{Kind: "it:bg", Queue: "background"},
}

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newRedisBroker(t *testing.T) *redisbroker.Broker {
	t.Helper()
	s := startMiniRedis(t)
	b := redisbroker.New(redis.NewClient(&redis.Options{Addr: s.Addr()}), redisbroker.Options{})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func fastConfig(queues ...string) asyncx.ProcessorConfig {
	return asyncx.ProcessorConfig{
		Queues:          queues,
		Concurrency:     2,
		LeaseDuration:   5 * time.Second,
		PollInterval:    5 * time.Millisecond,
		MaxPollInterval: 20 * time.Millisecond,
		Backoff:         asyncx.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond},
	}
}
