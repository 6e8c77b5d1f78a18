package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yungbote/neurobridge-contentgen/internal/data/db"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/logger"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the request ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := os.Getenv("LOG_MODE")
			if mode == "" {
				mode = "development"
			}
			log, err := logger.New(mode)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			svc, err := db.Open(db.ConfigFromEnv(), log)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := db.AutoMigrateAll(svc.DB()); err != nil {
				return fmt.Errorf("automigrate: %w", err)
			}
			log.Info("migrations applied")
			return nil
		},
	}
}
