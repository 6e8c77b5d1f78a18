package main

import (
	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-contentgen/internal/app"
)

func newServeCommand() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd.Context(), app.RoleAll, app.WithConcurrency(concurrency))
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Worker goroutines (overrides WORKER_CONCURRENCY)")
	return cmd
}
