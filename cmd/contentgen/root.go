package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "contentgen",
		Short:         "Asynchronous learning content generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Real environment wins over the file; a missing file is fine.
			_ = godotenv.Load(envFile)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newAPICommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newDrainCommand())
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}
