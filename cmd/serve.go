package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue workers",
		Long: `Starts the scrape, detect and alert consumers, registers auto-scrape
repeats for eligible vendors and serves the HTTP API until SIGINT or SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	logger := rt.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.app.Start(ctx); err != nil {
		return err
	}
	logger.Info("queue workers started",
		zap.Int("scrape", rt.cfg.Broker.Concurrency.Scrape),
		zap.Int("detect", rt.cfg.Broker.Concurrency.Detect),
		zap.Int("alert", rt.cfg.Broker.Concurrency.Alert),
	)

	if rt.cfg.AutoScrape.InitializeOnStart {
		summary, err := rt.app.Scheduler.InitializeOnServerStart(ctx)
		if err != nil {
			// Manual and cron scrapes still work without repeats.
			logger.Error("auto-scrape initialization failed", zap.Error(err))
		} else {
			logger.Info("auto-scrape initialized",
				zap.Int("scheduled", summary.ScheduledCount),
				zap.Int("errors", summary.ErrorCount),
				zap.Int("existing", summary.ExistingJobs),
				zap.Int("expected", summary.ExpectedSellers),
				zap.Int("removed", summary.Removed),
			)
		}
	}

	apiServer, err := rt.app.Server()
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", rt.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if rt.cfg.AutoScrape.StopOnShutdown {
		n, err := rt.app.Scheduler.StopAllAutoJobs(shutdownCtx)
		if err != nil {
			logger.Error("stop auto-scrape repeats failed", zap.Error(err))
		} else {
			logger.Info("auto-scrape repeats removed", zap.Int("count", n))
		}
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
