package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/schoolerp/jobqueue/common"
	"github.com/schoolerp/jobqueue/internal/app"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/internal/logging"
	"github.com/spf13/cobra"
)

type cli struct {
	app *app.App
}

// run executes queuectl with args and releases store connections afterwards.
func run(ctx context.Context, args []string, out io.Writer) error {
	c := &cli{}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)

	err := root.ExecuteContext(ctx)
	if c.app != nil {
		if cerr := c.app.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("close failed")
		}
	}
	return err
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "queuectl",
		Short:             "Operate the school ERP background job queue",
		Long:              `queuectl inspects and operates the email, sms and report queues using the same store as the api and worker processes.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.connect,
	}
	root.AddCommand(
		c.workerCmd(),
		c.statsCmd(),
		c.listCmd(),
		c.getCmd(),
		c.retryCmd(),
		c.sweepCmd(),
		c.enqueueCmd(),
		c.sendEmailCmd(),
		c.sendSMSCmd(),
	)
	return root
}

func (c *cli) connect(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.LogLevel, "console"); err != nil {
		return err
	}

	c.app, err = app.New(cmd.Context(), cfg)
	return err
}

// describe appends validation fields to producer errors so they reach the
// terminal.
func describe(err error) error {
	var apiErr common.APIError
	if errors.As(err, &apiErr) && len(apiErr.Fields) > 0 {
		fields, _ := json.Marshal(apiErr.Fields)
		return fmt.Errorf("%w %s", err, fields)
	}
	return err
}

func (c *cli) workerCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := c.app.Config

			p := c.app.NewPool()
			p.Start()
			fmt.Fprintf(cmd.OutOrStdout(), "Worker pool started with %d workers\n", p.Size())

			if metricsAddr != "" {
				go func() {
					if err := app.Serve(ctx, metricsAddr, c.app.MetricsRouter(), cfg.ShutdownTimeout); err != nil {
						log.Error().Err(err).Msg("metrics server failed")
					}
				}()
			}

			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := p.Stop(stopCtx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Workers stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [topic...]",
		Short: "Show job counts per state",
		Long:  `Show job counts per state for the given topics, or for every topic when none is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			topics := args
			if len(topics) == 0 {
				topics = config.AllowedTopics
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-8s %8s %8s %8s %10s %8s\n", "TOPIC", "WAITING", "DELAYED", "ACTIVE", "COMPLETED", "FAILED")
			fmt.Fprintln(out, strings.Repeat("-", 55))
			for _, topic := range topics {
				s, err := c.app.Service.GetStats(cmd.Context(), topic)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(out, "%-8s %8d %8d %8d %10d %8d\n", topic, s.Waiting, s.Delayed, s.Active, s.Completed, s.Failed)
			}
			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		topic string
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := c.app.Service.ListJobs(cmd.Context(), dto.ListFilter{
				Topic: topic,
				State: config.JobState(state),
				Limit: limit,
			})
			if err != nil {
				return describe(err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}

			fmt.Fprintf(out, "%-36s %-28s %-10s %-8s %-25s\n", "ID", "KIND", "STATE", "ATTEMPTS", "CREATED_AT")
			fmt.Fprintln(out, strings.Repeat("-", 110))
			for _, j := range jobs {
				fmt.Fprintf(out, "%-36s %-28s %-10s %-8s %-25s\n",
					j.ID,
					j.Kind,
					j.State,
					fmt.Sprintf("%d/%d", j.AttemptsMade, j.MaxAttempts),
					j.CreatedAt.Format(time.RFC3339),
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "filter by topic")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (waiting, delayed, active, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get job-id",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := c.app.Service.GetJobByID(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(j)
		},
	}
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry job-id",
		Short: "Re-enqueue a failed job",
		Long:  `Move a failed job back to waiting with a fresh attempt budget.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Service.RetryJob(cmd.Context(), args[0]); err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s moved back to waiting\n", args[0])
			return nil
		},
	}
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Recover stale jobs and apply retention once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := c.app.Sweep(cmd.Context())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Recovered: %d\n", res.Recovered)
			for _, topic := range config.AllowedTopics {
				fmt.Fprintf(out, "Pruned %-7s %d\n", topic+":", res.Pruned[topic])
			}
			return nil
		},
	}
}

func (c *cli) enqueueCmd() *cobra.Command {
	var (
		delay       time.Duration
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "enqueue topic kind payload-json",
		Short: "Add a job with an explicit payload",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.app.Service.Enqueue(cmd.Context(), args[0], args[1], json.RawMessage(args[2]), dto.EnqueueOptions{
				DelayMs:     delay.Milliseconds(),
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job enqueued successfully: %s\n", id)
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes eligible")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override the default attempt budget")
	return cmd
}

func (c *cli) sendEmailCmd() *cobra.Command {
	var (
		payload dto.SendEmailPayload
		vars    map[string]string
		delay   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send-email",
		Short: "Enqueue a single email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(vars) > 0 {
				payload.Context = make(map[string]any, len(vars))
				for k, v := range vars {
					payload.Context[k] = v
				}
			}

			id, err := c.app.Service.SendEmail(cmd.Context(), payload, delay)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Email job enqueued: %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload.To, "to", "", "recipient address")
	cmd.Flags().StringVar(&payload.Subject, "subject", "", "subject line")
	cmd.Flags().StringVar(&payload.HTML, "html", "", "HTML body")
	cmd.Flags().StringVar(&payload.Template, "template", "", "template name (welcome, fee-reminder, generic)")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "template variable as key=value, repeatable")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before sending")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func (c *cli) sendSMSCmd() *cobra.Command {
	var (
		payload dto.SendSMSPayload
		delay   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send-sms",
		Short: "Enqueue a single SMS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := c.app.Service.SendSMS(cmd.Context(), payload, delay)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "SMS job enqueued: %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload.To, "to", "", "recipient number in E.164 form")
	cmd.Flags().StringVar(&payload.Message, "message", "", "message text")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before sending")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
