package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-contentgen/internal/app"
	"github.com/yungbote/neurobridge-contentgen/internal/pipeline/orchestrator"
)

func newDrainCommand() *cobra.Command {
	var (
		limit       int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process queued requests that are ready now, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, app.RoleWorker, app.WithConcurrency(concurrency))
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Drain(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "processed %d message(s)\n", stats.Total())
			names := make([]string, 0, len(stats.Outcomes))
			for name := range stats.Outcomes {
				names = append(names, string(name))
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %-16s %d\n", name, stats.Count(orchestrator.Outcome(name)))
			}
			if stats.Errors > 0 {
				fmt.Fprintf(out, "  %-16s %d\n", "errors", stats.Errors)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many messages (0 = no limit)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Worker goroutines (overrides WORKER_CONCURRENCY)")
	return cmd
}
