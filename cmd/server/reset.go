package main

import (
	"context"
	"errors"
	"os"
	"time"

	"pgstream/internal/database"
	"pgstream/internal/database/repositories"
	"pgstream/internal/ingestion"
	pgsource "pgstream/internal/source/postgres"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newResetCommand(cc *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore the server logging settings a crashed session may have left enabled",
		Long: "Runs ALTER SYSTEM RESET for log_min_duration_statement and log_line_prefix and reloads the " +
			"configuration. It needs nothing but a connection; when a journal exists its open sessions are marked recovered.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := cc.cfg, cc.logger

			if !force {
				lock, err := acquireLock(cfg.Journal.Path)
				if err != nil {
					if errors.Is(err, errEngineLocked) {
						pterm.Warning.Println("A running engine owns the server configuration; stop it or use --force.")
					}
					return err
				}
				defer lock.Unlock()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Postgres.ConnectTimeout+30*time.Second)
			defer cancel()

			client, err := pgsource.Connect(ctx, pgConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer client.Close()

			policy := ingestion.ResetPolicy{Attempts: 3, Backoff: 500 * time.Millisecond, Timeout: 10 * time.Second}
			if err := ingestion.ResetWithRetry(ctx, client, policy, logger); err != nil {
				return err
			}
			pterm.Success.Println("Server logging settings restored to their defaults")

			if _, err := os.Stat(cfg.Journal.Path); err != nil {
				return nil
			}
			db, err := database.NewConnection(&database.Config{Path: cfg.Journal.Path}, logger)
			if err != nil {
				logger.Warn("Journal not updated", logger.Args("error", err))
				return nil
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			journal := repositories.NewSessionRepository(db)
			open, err := journal.FindOpen()
			if err != nil {
				logger.Warn("Journal not updated", logger.Args("error", err))
				return nil
			}
			now := time.Now()
			for _, s := range open {
				if err := journal.MarkRecovered(s.ID, now); err != nil {
					logger.Warn("Failed to mark session recovered", logger.Args("session", s.ID, "error", err))
				}
			}
			if len(open) > 0 {
				pterm.Info.Printfln("Marked %d open session(s) as recovered", len(open))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reset even while another engine holds the journal lock")
	return cmd
}
