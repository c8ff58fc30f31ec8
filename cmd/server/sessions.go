package main

import (
	"fmt"
	"os"
	"time"

	"pgstream/internal/database"
	"pgstream/internal/database/models"
	"pgstream/internal/database/repositories"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newSessionsCommand(cc *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent monitoring sessions from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := cc.cfg, cc.logger

			if _, err := os.Stat(cfg.Journal.Path); err != nil {
				return fmt.Errorf("journal %s: %w", cfg.Journal.Path, err)
			}
			db, err := database.NewConnection(&database.Config{Path: cfg.Journal.Path}, logger)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			sessions, err := repositories.NewSessionRepository(db).FindRecent(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				pterm.Info.Println("No sessions recorded")
				return nil
			}
			return pterm.DefaultTable.WithHasHeader().WithData(sessionRows(sessions, time.Now())).Render()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to list")
	return cmd
}

func sessionRows(sessions []*models.MonitorSession, now time.Time) pterm.TableData {
	rows := pterm.TableData{{"ID", "State", "Scope", "Database", "Started", "Duration", "Stop reason", "Read", "Statements"}}
	for _, s := range sessions {
		state := s.State
		switch s.State {
		case models.SessionOpen:
			state = pterm.Yellow(s.State)
		case models.SessionRecovered:
			state = pterm.Magenta(s.State)
		}

		duration := "running"
		if s.StoppedAt != nil {
			duration = s.StoppedAt.Sub(s.StartedAt).Round(time.Second).String()
		}

		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}

		rows = append(rows, []string{
			id,
			state,
			s.Scope,
			s.TargetDatabase,
			humanize.RelTime(s.StartedAt, now, "ago", "from now"),
			duration,
			s.StopReason,
			humanize.IBytes(uint64(s.BytesRead)),
			humanize.Comma(s.EventsAccepted),
		})
	}
	return rows
}
