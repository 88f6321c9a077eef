package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/app"
	"github.com/mohans/coursenotify/internal/ingress"
)

func (c *cli) submitCommand() *cobra.Command {
	var (
		delay       time.Duration
		maxAttempts int
		viaIngress  bool
	)
	cmd := &cobra.Command{
		Use:   "submit KIND PAYLOAD",
		Short: "Submit a job; PAYLOAD is JSON",
		Example: `  notifyd submit notify.message '{"chat_id":123,"text":"Room 4 today"}'
  notifyd submit notify.broadcast '{"chat_ids":[1,2,3],"text":"Class cancelled"}' --via-ingress`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, payload := asyncx.Kind(args[0]), []byte(args[1])
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if viaIngress {
					id, err := a.Forwarder().Forward(ctx, ingress.SubmitRequest{
						Kind:         kind,
						Payload:      payload,
						DelaySeconds: int(delay / time.Second),
						MaxAttempts:  maxAttempts,
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "forwarded as asynq task %s\n", id)
					return nil
				}
				var opts []asyncx.SubmitOption
				if delay > 0 {
					opts = append(opts, asyncx.Delay(delay))
				}
				if maxAttempts > 0 {
					opts = append(opts, asyncx.MaxAttempts(maxAttempts))
				}
				id, err := a.Producer.Submit(ctx, kind, payload, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "earliest delivery, relative to now")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (default from config)")
	cmd.Flags().BoolVar(&viaIngress, "via-ingress", false, "enqueue on the asynq ingress queue instead of the broker")
	return cmd
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				job, err := a.Client.Job(ctx, args[0])
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
}

func (c *cli) dlqCommand() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter operations",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list QUEUE",
		Short: "List dead-lettered jobs on a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Client.DeadLetters(ctx, args[0], limit)
				if err != nil {
					return err
				}
				printDeadLetters(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")

	replay := &cobra.Command{
		Use:   "replay JOB_ID",
		Short: "Resubmit a dead-lettered job as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := a.Client.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %s as %s\n", args[0], id)
				return nil
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge JOB_ID",
		Short: "Drop a dead-lettered job's payload, leaving a failed record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Client.Purge(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
				return nil
			})
		},
	}

	dlq.AddCommand(list, replay, purge)
	return dlq
}

func printJob(w io.Writer, job *asyncx.Envelope) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", job.ID)
	fmt.Fprintf(tw, "kind\t%s\n", job.Kind)
	fmt.Fprintf(tw, "queue\t%s\n", job.Queue)
	fmt.Fprintf(tw, "status\t%s\n", job.Status)
	fmt.Fprintf(tw, "attempt\t%d of %d\n", job.Attempt, job.MaxAttempts)
	fmt.Fprintf(tw, "deliveries\t%d\n", job.Deliveries)
	fmt.Fprintf(tw, "not before\t%s\n", when(job.NotBefore))
	fmt.Fprintf(tw, "enqueued\t%s\n", when(job.EnqueuedAt))
	fmt.Fprintf(tw, "updated\t%s\n", when(job.UpdatedAt))
	if job.Status == asyncx.StatusLeased {
		fmt.Fprintf(tw, "leased by\t%s until %s\n", job.Consumer, when(job.LeaseExpiresAt))
	}
	if job.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", job.LastError)
	}
	fmt.Fprintf(tw, "payload\t%s\n", humanize.Bytes(uint64(len(job.Payload))))
	tw.Flush()
}

func printDeadLetters(w io.Writer, jobs []*asyncx.Envelope) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no dead-lettered jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tATTEMPTS\tDEAD SINCE\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.Kind, j.Attempt, humanize.Time(j.UpdatedAt), truncate(j.LastError, 60))
	}
	tw.Flush()
	fmt.Fprintf(w, "%s dead-lettered\n", humanize.Comma(int64(len(jobs))))
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
