package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pgstream/internal/api"
	"pgstream/internal/api/handlers"
	"pgstream/internal/banner"
	"pgstream/internal/ingestion"
	"pgstream/internal/realtime"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newServeCommand(cc *commandContext) *cobra.Command {
	var startNow bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API; sessions are started and stopped through it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := cc.cfg, cc.logger
			banner.Print()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := newEngine(ctx, cfg, logger)
			if err != nil {
				logger.WithCaller().Error("Failed to initialise engine", logger.Args("error", err))
				return err
			}
			defer e.close()

			scope, err := realtime.ParseScope(cfg.Stream.FeedScope)
			if err != nil {
				return err
			}

			e.coordinator.OnStop(func(s ingestion.SessionStatus) {
				logger.Info("Session ended",
					logger.Args("session", s.ID, "reason", s.Safety.Reason, "events", s.Counters.EventsAccepted))
			})

			sessionHandler := handlers.NewSessionHandler(e.coordinator, e.journal, scope, logger)
			realtimeHandler := handlers.NewRealtimeHandler(e.feed, e.metrics, e.pools, logger)
			webServer := api.NewServer(&api.Config{
				Host:       cfg.Server.Host,
				Port:       cfg.Server.Port,
				Production: cfg.Server.Production,
			}, sessionHandler, realtimeHandler, logger)

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- webServer.Run()
			}()

			if startNow {
				if _, err := e.coordinator.Start(ctx, ingestion.StartOptions{Scope: scope}); err != nil {
					logger.WithCaller().Error("Failed to start session", logger.Args("error", err))
				}
			}

			logger.Info("pgstream is running",
				logger.Args(
					"url", pterm.Sprintf("http://localhost:%d", cfg.Server.Port),
					"source", cfg.LogSource.Kind,
					"scope", scope,
				))

			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received, stopping services...")
			case err := <-serverErr:
				if err != nil {
					return err
				}
			}

			// Reset server logging before anything else
			logger.Debug("Stopping active session...")
			e.coordinator.Shutdown()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := webServer.Shutdown(shutdownCtx); err != nil {
				logger.WithCaller().Error("Web server shutdown error", logger.Args("error", err))
			}

			logger.Info("pgstream stopped gracefully")
			return nil
		},
	}

	cmd.Flags().BoolVar(&startNow, "start", false, "Start a session immediately")
	return cmd
}
