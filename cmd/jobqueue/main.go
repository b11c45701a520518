// Command jobqueue inspects and operates a job queue store.
//
// Subcommands:
//
//	enqueue  add a job
//	get      print a job record
//	cancel   cancel a job
//	stats    print per-state counts of job types
//	clear    delete every job of a type
//	sweep    reclaim stuck jobs once
//	work     run echo workers for the given types
//	migrate  apply the SQL schema
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobqueue",
		Short:         "Operate a durable priority job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		enqueueCmd(),
		getCmd(),
		cancelCmd(),
		statsCmd(),
		clearCmd(),
		sweepCmd(),
		workCmd(),
		migrateCmd(),
	)
	return root
}
