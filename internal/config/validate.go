package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/mohans/coursenotify/asyncx"
)

var validate = validator.New()

// Validate checks field constraints first, then rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return err
	}

	validators := []func() error{
		c.validateBroker,
		c.validateRoutes,
		c.validateTimings,
		c.validateSchedule,
		c.validateNATS,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Driver {
	case "redis":
		if c.Broker.Redis.Addr == "" {
			return errors.New("broker.redis.addr is required for the redis broker")
		}
	case "sql":
		if c.Broker.SQL.DSN == "" {
			return errors.New("broker.sql.dsn is required for the sql broker")
		}
	}
	if c.Ingress.Enabled && c.Broker.Redis.Addr == "" {
		return errors.New("ingress needs broker.redis.addr for its asynq queue")
	}
	return nil
}

func (c *Config) validateRoutes() error {
	router, err := asyncx.NewRouter(c.Routes)
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	known := router.Queues()
	for _, q := range c.Worker.Queues {
		if !slices.Contains(known, q) {
			return fmt.Errorf("worker.queues: %q has no routed kinds (known: %v)", q, known)
		}
	}
	return nil
}

func (c *Config) validateTimings() error {
	if c.Retry.Cap < c.Retry.Base {
		return fmt.Errorf("retry.cap (%s) must be >= retry.base (%s)", c.Retry.Cap, c.Retry.Base)
	}
	if c.Worker.MaxPollInterval < c.Worker.PollInterval {
		return fmt.Errorf("worker.max_poll_interval (%s) must be >= worker.poll_interval (%s)",
			c.Worker.MaxPollInterval, c.Worker.PollInterval)
	}
	if c.Gate.Timeout > c.Gate.Interval {
		return fmt.Errorf("gate.timeout (%s) must not exceed gate.interval (%s)", c.Gate.Timeout, c.Gate.Interval)
	}
	return nil
}

func (c *Config) validateSchedule() error {
	if _, err := cron.ParseStandard(c.Maintenance.PurgeSchedule); err != nil {
		return fmt.Errorf("maintenance.purge_schedule: %w", err)
	}
	return nil
}

func (c *Config) validateNATS() error {
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled is set")
	}
	return nil
}

// Router builds the validated routing table.
func (c *Config) Router() (*asyncx.Router, error) {
	return asyncx.NewRouter(c.Routes)
}
