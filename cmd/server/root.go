package main

import (
	"strings"

	"pgstream/internal/config"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// commandContext carries what every subcommand needs after the root pre-run
type commandContext struct {
	cfg      *config.Config
	logger   *pterm.Logger
	logLevel string
}

func newRootCommand() *cobra.Command {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "pgstream",
		Short:         "Live feed of the statements a PostgreSQL server executes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cc.logLevel != "" {
				cfg.LogLevel = cc.logLevel
			}
			cc.cfg = cfg
			cc.logger = newLogger(cfg.LogLevel)
			cc.logger.Debug("Configuration loaded",
				cc.logger.Args(
					"pg_host", cfg.Postgres.Host,
					"pg_database", cfg.Postgres.Database,
					"log_source", cfg.LogSource.Kind,
					"journal", cfg.Journal.Path,
				))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cc.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, fatal); overrides LOG_LEVEL")

	rootCmd.AddCommand(newServeCommand(cc))
	rootCmd.AddCommand(newTailCommand(cc))
	rootCmd.AddCommand(newResetCommand(cc))
	rootCmd.AddCommand(newSessionsCommand(cc))

	return rootCmd
}

// newLogger maps LOG_LEVEL onto a pterm logger. Unknown values fall back to info.
func newLogger(level string) *pterm.Logger {
	var ptermLevel pterm.LogLevel
	switch strings.ToLower(level) {
	case "trace":
		ptermLevel = pterm.LogLevelTrace
	case "debug":
		ptermLevel = pterm.LogLevelDebug
	case "info":
		ptermLevel = pterm.LogLevelInfo
	case "warn", "warning":
		ptermLevel = pterm.LogLevelWarn
	case "error":
		ptermLevel = pterm.LogLevelError
	case "fatal":
		ptermLevel = pterm.LogLevelFatal
	default:
		ptermLevel = pterm.LogLevelInfo
	}
	return pterm.DefaultLogger.WithLevel(ptermLevel)
}
