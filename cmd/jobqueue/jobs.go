package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	jobqueue "github.com/owles/go-jobqueue"
	"github.com/owles/go-jobqueue/core"
)

func enqueueCmd() *cobra.Command {
	var (
		priority string
		attempts int
		keep     bool
		delay    time.Duration
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue TYPE [PAYLOAD_JSON]",
		Short: "Add a job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			var payload json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("%w: payload is not valid JSON", core.ErrInvalidPayload)
				}
				payload = json.RawMessage(args[1])
			}

			p, err := core.ParsePriority(priority)
			if err != nil {
				return err
			}

			job := jobqueue.NewJob(args[0], payload).Priority(p).Attempts(attempts).Delay(delay)
			if keep {
				job.KeepOnComplete()
			}

			h, err := jobqueue.NewDispatcher(a.queue).Dispatch(cmd.Context(), job)
			if err != nil {
				return err
			}

			if wait <= 0 {
				return printJSON(cmd.OutOrStdout(), map[string]any{"id": h.ID, "type": h.Type})
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			done, err := h.Wait(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), done)
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, medium, high or critical")
	cmd.Flags().IntVar(&attempts, "attempts", 1, "maximum number of attempts")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the record after completion")
	cmd.Flags().DurationVar(&delay, "delay", 0, "make the job eligible after this delay")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for a terminal state")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Print a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.queue.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Remove a waiting job or request cancellation of an active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err = a.queue.Cancel(cmd.Context(), id); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "cancelled": true})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats TYPE...",
		Short: "Print per-state counts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := make(map[string]core.Counts, len(args))
			for _, jobType := range args {
				counts, err := a.queue.Counts(cmd.Context(), jobType)
				if err != nil {
					return err
				}
				stats[jobType] = counts
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear TYPE",
		Short: "Delete every job of a type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.queue.Clear(cmd.Context(), args[0])
		},
	}
}

func sweepCmd() *cobra.Command {
	var threshold time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return stuck active jobs to waiting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if threshold <= 0 {
				threshold = a.cfg.StuckThreshold
			}
			n, err := a.queue.SweepStuck(cmd.Context(), a.queue.Now(), threshold)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"recovered": n})
		},
	}

	cmd.Flags().DurationVar(&threshold, "threshold", 0, "heartbeat age after which a claim is abandoned (default from JOBQUEUE_STUCK_THRESHOLD)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			m, ok := a.src.(core.Migrator)
			if !ok {
				a.logger.Info("store needs no migrations", "store", a.cfg.Store)
				return nil
			}
			if err = m.Up(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.logger.Info("migrations applied", "store", a.cfg.Store)
			return nil
		},
	}
}
