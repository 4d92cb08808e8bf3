package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sidekick-labs/sidekick/internal/config"
	"github.com/sidekick-labs/sidekick/internal/orchestrator"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent server",
		Long: `Start the HTTP server, the check-in schedules, and the stale
lock sweeper, and run until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := registerCheckins(app, cfg); err != nil {
		return err
	}
	if _, err := app.sched.Every(
		fmt.Sprintf("@every %s", cfg.Lock.SweepInterval.Std()),
		func(ctx context.Context) {
			reclaimed, err := app.orch.SweepStaleLocks(ctx)
			if err != nil {
				logger.Error("lock sweep failed", "error", err)
				return
			}
			if reclaimed > 0 {
				logger.Info("stale locks reclaimed", "count", reclaimed)
			}
		}); err != nil {
		return err
	}

	// SSE streams stay open indefinitely, so no write timeout.
	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     newRouter(app),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr, "node_id", cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := config.Watch(gctx, configPath, logger, app.applyConfig)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// registerCheckins wires the configured cron check-ins to orchestrator
// runs tagged with a checkin source.
func registerCheckins(a *app, cfg *config.Config) error {
	for _, checkin := range cfg.Checkins {
		trigger := orchestrator.Trigger{
			AgentID: checkin.AgentID,
			Input:   checkin.Input,
			Source:  "checkin",
		}
		if _, err := a.sched.Every(checkin.Cron, func(ctx context.Context) {
			result, err := a.orch.Run(ctx, trigger)
			if err != nil {
				a.logger.Error("check-in run failed",
					"agent_id", trigger.AgentID, "error", err)
				return
			}
			if result.AlreadyRunning {
				a.logger.Info("check-in skipped, agent busy",
					"agent_id", trigger.AgentID)
			}
		}); err != nil {
			return fmt.Errorf("checkin %s: %w", checkin.AgentID, err)
		}
		a.logger.Info("check-in scheduled",
			"agent_id", checkin.AgentID, "cron", checkin.Cron)
	}
	return nil
}
