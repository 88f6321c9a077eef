// Package app assembles notifyd from configuration: broker, client, readiness
// gate, event sinks and the supervised services for each run mode.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/asyncx/redisbroker"
	"github.com/mohans/coursenotify/asyncx/sqlbroker"
	"github.com/mohans/coursenotify/internal/config"
	"github.com/mohans/coursenotify/internal/events"
	"github.com/mohans/coursenotify/internal/gate"
	"github.com/mohans/coursenotify/internal/ingress"
	"github.com/mohans/coursenotify/internal/logging"
	"github.com/mohans/coursenotify/internal/maintenance"
	"github.com/mohans/coursenotify/internal/metrics"
	"github.com/mohans/coursenotify/internal/notify"
	"github.com/mohans/coursenotify/internal/server"
	"github.com/mohans/coursenotify/internal/supervisor"
)

// Mode selects which services a process runs.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeAPI    Mode = "api"
	ModeWorker Mode = "worker"
)

type App struct {
	Config   *config.Config
	Router   *asyncx.Router
	Broker   asyncx.Broker
	Client   *asyncx.Client
	Producer *notify.Producer
	Gate     *gate.Gate

	sink    asyncx.EventSink
	logger  zerolog.Logger
	closers []func() error
}

// New connects to the broker and builds the shared pieces. It does not wait for
// the broker to be reachable; the gate does that.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	router, err := cfg.Router()
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Router: router, logger: logging.Component("app")}

	var probes []gate.Probe
	a.Broker, probes, err = a.openBroker(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Broker.Close)
	if cfg.Ingress.Enabled && cfg.Broker.Driver != "redis" {
		r := cfg.Broker.Redis
		rdb := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		a.closers = append(a.closers, rdb.Close)
		probes = append(probes, gate.RedisProbe("ingress-redis", rdb, a.timing()))
	}

	sinks := asyncx.MultiSink{
		asyncx.LogSink{Logger: logging.Component("events")},
		metrics.Sink{},
	}
	if cfg.NATS.Enabled {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logging.Component("nats"))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		sinks = append(sinks, pub)
	}
	a.sink = sinks

	clientLogger := logging.Component("client")
	a.Client = asyncx.NewClient(a.Broker, router, asyncx.ClientOptions{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Sink:        a.sink,
		Logger:      &clientLogger,
	})
	a.Producer = notify.NewProducer(a.Client)
	a.Gate = gate.New(logging.Component("gate"), probes...)
	return a, nil
}

func (a *App) timing() gate.Timing {
	g := a.Config.Gate
	return gate.Timing{Interval: g.Interval, Timeout: g.Timeout, Retries: g.Retries, StartPeriod: g.StartPeriod}
}

func (a *App) openBroker(ctx context.Context) (asyncx.Broker, []gate.Probe, error) {
	bc := a.Config.Broker
	switch bc.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: bc.Redis.Addr, Password: bc.Redis.Password, DB: bc.Redis.DB})
		b := redisbroker.New(rdb, redisbroker.Options{Prefix: bc.Redis.Prefix, Retention: bc.Retention})
		return b, []gate.Probe{gate.RedisProbe("redis", rdb, a.timing())}, nil
	case "sql":
		db, err := sql.Open(bc.SQL.Driver, bc.SQL.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s database: %w", bc.SQL.Driver, err)
		}
		opts := sqlbroker.Options{}
		if bc.SQL.Driver == "pgx" {
			opts.Placeholder = sqlbroker.Dollar
		} else {
			// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
			db.SetMaxOpenConns(1)
		}
		if err := sqlbroker.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		b := sqlbroker.New(db, opts)
		return b, []gate.Probe{gate.BrokerProbe(b, a.timing())}, nil
	}
	return nil, nil, fmt.Errorf("unknown broker driver %q", bc.Driver)
}

// Telegram builds the messenger from the telegram section.
func (a *App) Telegram() *notify.Telegram {
	tc := a.Config.Telegram
	return notify.NewTelegram(notify.TelegramConfig{
		Token:           tc.Token,
		BaseURL:         tc.BaseURL,
		Timeout:         tc.Timeout,
		RatePerSecond:   tc.RatePerSecond,
		BreakerFailures: tc.BreakerFailures,
		BreakerTimeout:  tc.BreakerTimeout,
		Logger:          logging.Component("telegram"),
	})
}

// Processor builds a processor with every notify handler registered.
func (a *App) Processor(m notify.Messenger) (*asyncx.Processor, error) {
	p := asyncx.NewProcessor(a.Broker, a.Config.ProcessorConfig(),
		asyncx.WithRouter(a.Router),
		asyncx.WithEventSink(a.sink),
		asyncx.WithLogger(logging.Component("processor")),
	)
	if err := notify.NewHandlers(m, a.Client, logging.Component("handlers")).Register(p); err != nil {
		return nil, err
	}
	return p, p.Check()
}

func (a *App) workerQueues() []string {
	if len(a.Config.Worker.Queues) > 0 {
		return a.Config.Worker.Queues
	}
	return a.Router.Queues()
}

func (a *App) redisConnOpt() asynq.RedisClientOpt {
	r := a.Config.Broker.Redis
	return asynq.RedisClientOpt{Addr: r.Addr, Password: r.Password, DB: r.DB}
}

// Tree builds the supervision tree for mode.
func (a *App) Tree(mode Mode) (*supervisor.Tree, error) {
	cfg := a.Config
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{ShutdownTimeout: cfg.HTTP.ShutdownTimeout})

	tree.AddData(supervisor.Func{Name: "readiness-gate", Run: func(ctx context.Context) error {
		if err := a.Gate.Wait(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("dependencies not ready; still probing")
		}
		return a.Gate.Run(ctx)
	}})

	if mode == ModeAll || mode == ModeWorker {
		reaper := maintenance.NewReaper(a.Broker, a.workerQueues(), cfg.Reaper.Interval, logging.Component("reaper"))
		tree.AddData(supervisor.Func{Name: "lease-reaper", Run: reaper.Run})

		if fp, ok := a.Broker.(asyncx.FinishedPurger); ok && cfg.Broker.Retention > 0 {
			purger, err := maintenance.NewPurger(fp, cfg.Maintenance.PurgeSchedule, cfg.Broker.Retention, logging.Component("purge"))
			if err != nil {
				return nil, err
			}
			tree.AddData(supervisor.Func{Name: "purge-schedule", Run: purger.Run})
		}

		p, err := a.Processor(a.Telegram())
		if err != nil {
			return nil, err
		}
		tree.AddWorker(supervisor.NewProcessorService(p, a.Gate))

		if cfg.Ingress.Enabled {
			in := ingress.NewServer(a.redisConnOpt(), ingress.Config{Queue: cfg.Ingress.Queue, Concurrency: cfg.Ingress.Concurrency},
				a.Producer, logging.Component("ingress"))
			tree.AddWorker(supervisor.Func{Name: "asynq-ingress", Run: in.Run})
		}
	}

	if mode == ModeAll || mode == ModeAPI {
		api := server.New(a.Client, a.Producer, a.Gate,
			server.Config{RateLimit: cfg.HTTP.RateLimit, RateWindow: cfg.HTTP.RateWindow}, logging.Component("http"))
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.AddAPI(supervisor.NewHTTPService(srv, cfg.HTTP.ShutdownTimeout))
	}
	return tree, nil
}

// Forwarder returns an ingress forwarder on the configured Redis.
func (a *App) Forwarder() *ingress.Forwarder {
	f := ingress.NewForwarder(a.redisConnOpt(), a.Config.Ingress.Queue)
	a.closers = append(a.closers, f.Close)
	return f
}

// Close releases everything New opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
