package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohans/coursenotify/internal/app"
	"github.com/mohans/coursenotify/internal/config"
	"github.com/mohans/coursenotify/internal/logging"
)

type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "notifyd",
		Short:        "Course notification dispatch",
		Long:         "notifyd turns course events into Telegram messages through a lease-based job queue.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			cfg.Logging.Output = cmd.ErrOrStderr()
			logging.Init(cfg.Logging)
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default: $NOTIFYD_CONFIG or ./notifyd.yaml)")

	root.AddCommand(
		c.runCommand("serve", "Run workers, maintenance and the HTTP API", app.ModeAll),
		c.runCommand("api", "Run the HTTP API only", app.ModeAPI),
		c.runCommand("worker", "Run the job processor and maintenance only", app.ModeWorker),
		c.submitCommand(),
		c.statusCommand(),
		c.dlqCommand(),
	)
	return root
}

func (c *cli) runCommand(use, short string, mode app.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			tree, err := a.Tree(mode)
			if err != nil {
				return err
			}
			logging.Info().Str("mode", string(mode)).Str("broker", c.cfg.Broker.Driver).Msg("notifyd starting")
			err = tree.Serve(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = nil
			}
			logging.Info().Msg("notifyd stopped")
			return err
		},
	}
}

// withApp runs fn against a connected App that is closed afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
