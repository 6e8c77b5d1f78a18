package main

import (
	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-contentgen/internal/app"
)

func newAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run only the HTTP API (requires REDIS_ADDR for workers to see requests)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd.Context(), app.RoleAPI)
		},
	}
}
