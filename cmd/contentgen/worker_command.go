package main

import (
	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-contentgen/internal/app"
)

func newWorkerCommand() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the request queue until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd.Context(), app.RoleWorker, app.WithConcurrency(concurrency))
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Worker goroutines (overrides WORKER_CONCURRENCY)")
	return cmd
}
