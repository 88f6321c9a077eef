// Package metrics exposes notifyd's Prometheus instrumentation: job lifecycle
// counters fed from asyncx events, Telegram delivery results and HTTP traffic.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mohans/coursenotify/asyncx"
)

var (
	// Job lifecycle
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_jobs_submitted_total",
			Help: "Jobs accepted by the broker",
		},
		[]string{"kind", "queue"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_jobs_completed_total",
			Help: "Job executions by result (succeeded, retry_scheduled, dead_lettered, released)",
		},
		[]string{"kind", "queue", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyd_job_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	LeasesLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_leases_lost_total",
			Help: "Reports rejected because the lease had expired and moved on",
		},
		[]string{"queue"},
	)

	LeasesReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_leases_reclaimed_total",
			Help: "Expired leases returned to pending by the reaper",
		},
		[]string{"queue"},
	)

	DeadLetterDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_dead_letter_jobs",
			Help: "Dead-lettered jobs waiting for an operator, sampled by the reaper",
		},
		[]string{"queue"},
	)

	JobsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_jobs_purged_total",
			Help: "Finished job records deleted by maintenance",
		},
	)

	// Telegram delivery
	TelegramRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_telegram_requests_total",
			Help: "sendMessage calls by result code (ok or a channel error code)",
		},
		[]string{"code"},
	)

	TelegramBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_telegram_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
	)

	// HTTP API
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_api_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyd_api_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "route"},
	)

	// Readiness
	GateReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_dependency_ready",
			Help: "1 when the dependency probe passes",
		},
		[]string{"dependency"},
	)
)

// Sink turns asyncx lifecycle events into counters. Wire it into both the client
// and the processor through asyncx.MultiSink.
type Sink struct{}

var _ asyncx.EventSink = Sink{}

func (Sink) Emit(_ context.Context, ev asyncx.Event) {
	kind := string(ev.Kind)
	switch ev.Type {
	case asyncx.EventSubmitted:
		JobsSubmitted.WithLabelValues(kind, ev.Queue).Inc()
	case asyncx.EventLeaseLost:
		LeasesLost.WithLabelValues(ev.Queue).Inc()
	case asyncx.EventSucceeded, asyncx.EventRetryScheduled, asyncx.EventDeadLettered, asyncx.EventReleased:
		JobsCompleted.WithLabelValues(kind, ev.Queue, string(ev.Type)).Inc()
		if ev.Duration > 0 {
			JobDuration.WithLabelValues(kind).Observe(ev.Duration.Seconds())
		}
	}
}

func RecordTelegram(code string) {
	TelegramRequests.WithLabelValues(code).Inc()
}

func SetBreakerState(state int) {
	TelegramBreakerState.Set(float64(state))
}

func RecordReclaimed(queue string, n int) {
	if n > 0 {
		LeasesReclaimed.WithLabelValues(queue).Add(float64(n))
	}
}

func SetDeadLetterDepth(queue string, n int) {
	DeadLetterDepth.WithLabelValues(queue).Set(float64(n))
}

func RecordPurged(n int) {
	if n > 0 {
		JobsPurged.Add(float64(n))
	}
}

func RecordAPIRequest(method, route string, status int, d time.Duration) {
	APIRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func SetReady(dependency string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	GateReady.WithLabelValues(dependency).Set(v)
}
