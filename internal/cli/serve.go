package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/tsdv/pkg/api"
	"github.com/vjranagit/tsdv/pkg/bridge"
)

const shutdownTimeout = 30 * time.Second

func (c *CLI) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context())
		},
	}
}

func (c *CLI) runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := c.cfg
	logger := cfg.NewLogger(c.errOut)
	logger.Info("starting tsdv",
		"version", Version,
		"listen_addr", cfg.Server.ListenAddr,
		"database", cfg.Engine.DatabasePath,
		"perf_log_dir", cfg.Logging.PerfLogDir)

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	scheduler, err := startPruneSchedule(cfg.Logging.PruneSchedule, a.bridge, a.logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	opts := cfg.ToServerOptions(logger)
	opts.Metrics = a.metrics
	server := api.NewServer(a.bridge, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping server")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}

// startPruneSchedule runs log pruning on a cron schedule. An empty spec
// disables it.
func startPruneSchedule(spec string, b *bridge.Bridge, logger *slog.Logger) (*cron.Cron, error) {
	if spec == "" {
		return nil, nil
	}

	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(spec, func() {
		removed, err := b.PruneOldLogs()
		if err != nil {
			logger.Error("scheduled log pruning failed", "removed", removed, "error", err)
			return
		}
		logger.Info("scheduled log pruning complete", "removed", removed)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("log pruning scheduled", "schedule", spec)
	c.Start()
	return c, nil
}
