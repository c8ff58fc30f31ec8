package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pgstream/internal/ingestion"
	parsers "pgstream/internal/parser/postgres"
	"pgstream/internal/realtime"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newTailCommand(cc *commandContext) *cobra.Command {
	var (
		scopeFlag   string
		filterText  string
		minDuration float64
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Run a session in the foreground and print statements as they execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := cc.cfg, cc.logger

			if scopeFlag == "" {
				scopeFlag = cfg.Stream.FeedScope
			}
			scope, err := realtime.ParseScope(scopeFlag)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer e.close()

			if _, err := e.coordinator.Start(ctx, ingestion.StartOptions{Scope: scope}); err != nil {
				return err
			}
			pterm.Info.Printfln("Streaming statements from %s (scope %s). Press Ctrl+C to stop.", cfg.Postgres.Host, scope)

			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()

			var lastSeq uint64
			printNew := func() {
				for _, ev := range e.feed.Query(filterText, minDuration) {
					if ev.Seq <= lastSeq {
						continue
					}
					fmt.Println(formatEvent(&ev))
					lastSeq = ev.Seq
				}
			}

		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case <-e.coordinator.Done():
					break loop
				case <-ticker.C:
					printNew()
				}
			}

			// A safety trip may already have stopped the session
			final, err := e.coordinator.Stop()
			if errors.Is(err, ingestion.ErrNoSession) {
				final = e.coordinator.Status()
			}
			printNew()
			printSummary(final)

			if final.ResetError != "" {
				return fmt.Errorf("server logging may still be enabled: %s (run `pgstream reset`)", final.ResetError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeFlag, "scope", "", "Databases to show: current or all (default FEED_SCOPE)")
	cmd.Flags().StringVarP(&filterText, "filter", "f", "", "Only print statements whose SQL, user or database contains this text")
	cmd.Flags().Float64Var(&minDuration, "min-duration", 0, "Only print statements that ran at least this many milliseconds")
	return cmd
}

func formatEvent(ev *parsers.LogEvent) string {
	var b strings.Builder
	b.WriteString(pterm.Gray(ev.Timestamp.Local().Format("15:04:05.000")))
	b.WriteString(" ")
	b.WriteString(pterm.Cyan(fmt.Sprintf("%s@%s", ev.User, ev.Database)))
	b.WriteString(pterm.Gray(fmt.Sprintf(" [%d] ", ev.PID)))

	if ev.DurationMs != nil {
		d := fmt.Sprintf("%9.3f ms ", *ev.DurationMs)
		switch {
		case *ev.DurationMs >= 1000:
			d = pterm.Red(d)
		case *ev.DurationMs >= 100:
			d = pterm.Yellow(d)
		default:
			d = pterm.Green(d)
		}
		b.WriteString(d)
	} else {
		b.WriteString(strings.Repeat(" ", 13))
	}

	if ev.Severity != "" && ev.Severity != "LOG" {
		b.WriteString(pterm.Red(ev.Severity + ": "))
	}
	b.WriteString(ev.SQL)
	if ev.Unterminated {
		b.WriteString(pterm.Gray(" (unterminated)"))
	}
	return b.String()
}

func printSummary(s ingestion.SessionStatus) {
	c := s.Counters
	data := pterm.TableData{
		{"Session", s.ID},
		{"Stop reason", string(s.Safety.Reason)},
		{"Read", humanize.IBytes(uint64(c.BytesRead)) + " in " + humanize.Comma(c.LinesRead) + " lines"},
		{"Statements shown", humanize.Comma(c.EventsAccepted)},
		{"Dropped (own / housekeeping / scope)", fmt.Sprintf("%s / %s / %s",
			humanize.Comma(c.DroppedEcho), humanize.Comma(c.DroppedHousekeeping), humanize.Comma(c.DroppedScope))},
		{"Rotations", humanize.Comma(c.Rotations)},
	}
	if s.ResetError != "" {
		data = append(data, []string{"Reset error", pterm.Red(s.ResetError)})
	}
	_ = pterm.DefaultTable.WithData(data).Render()
}
