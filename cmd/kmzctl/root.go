package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kmz-pipeline/internal/config"
	"kmz-pipeline/internal/logging"
)

var (
	logLevel string
	cfg      config.Config
)

var rootCmd = &cobra.Command{
	Use:          "kmzctl",
	Short:        "Inspect KMZ archives and operate the processing queue",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		zap.ReplaceGlobals(logging.New(level))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(inspectCmd, enqueueCmd, statusCmd, dlqCmd, migrateCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
