package gate

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohans/coursenotify/asyncx"
)

// Timing is the probe schedule shared by the probes built here.
type Timing struct {
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

func (t Timing) probe(name string, check CheckFunc) Probe {
	return Probe{
		Name:        name,
		Check:       check,
		Interval:    t.Interval,
		Timeout:     t.Timeout,
		Retries:     t.Retries,
		StartPeriod: t.StartPeriod,
	}
}

// RedisProbe pings a Redis server.
func RedisProbe(name string, rdb redis.UniversalClient, t Timing) Probe {
	return t.probe(name, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}

// BrokerProbe checks the job broker is accepting requests.
func BrokerProbe(b asyncx.Broker, t Timing) Probe {
	return t.probe("broker", b.Ping)
}
