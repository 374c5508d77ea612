package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/howardjong/AgentPrice-sub003/realtime"
	cronpkg "github.com/howardjong/AgentPrice-sub003/runtime/cron"
	"github.com/howardjong/AgentPrice-sub003/server"
)

const (
	sweepTask = "realtime-sweep"
	pruneTask = "attempt-ledger-prune"
)

func runServe(ctx context.Context, args []string) error {
	opts, _ := parseArgs(args)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()
	cfg := c.cfg
	logger := c.logger

	transport, err := realtime.NewWebSocketTransport(c.channel,
		realtime.WithSendBuffer(cfg.Realtime.SendBuffer),
		realtime.WithCheckOrigin(checkOrigin(cfg.HTTP.AllowedOrigins)),
		realtime.WithTransportLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to build websocket transport: %w", err)
	}
	defer transport.Close()

	scheduler := cronpkg.New(cronpkg.WithLogger(logger))
	if err := scheduler.Add(sweepTask, cfg.Realtime.SweepSchedule, func(ctx context.Context) (string, error) {
		res := c.channel.Sweep(ctx)
		return fmt.Sprintf("purged %d sessions, health sent to %d", len(res.Purged), res.Delivered), nil
	}); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", sweepTask, err)
	}
	if cfg.Research.LedgerRetention > 0 {
		retention := cfg.Research.LedgerRetention
		if err := scheduler.Add(pruneTask, cfg.Research.PruneSchedule, func(ctx context.Context) (string, error) {
			n, err := c.attempts.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("pruned %d ledger rows older than %s", n, retention), nil
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", pruneTask, err)
		}
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			logger.Warn("scheduler stop timed out", slog.Any("error", err))
		}
	}()

	srv := server.NewServer(server.Config{
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		Router:          c.router,
		Providers:       c.registry,
		Health:          c.health,
		Research:        c.orchestrator,
		Conversations:   c.conversations,
		Realtime:        transport,
		Channel:         c.channel,
		Scheduler:       scheduler,
		TraceStore:      c.traceStore,
		TracerProvider:  c.tracer,
		Logger:          logger,
	})
	c.stream.Store(srv)

	workers := c.startWorkers(ctx, cfg.Research.Workers, "inline")
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("stopping research workers")
		stopWorkers(stopCtx, workers)
	}()

	report := c.health.Report()
	logger.Info("agentprice serving",
		slog.String("addr", cfg.HTTP.Addr),
		slog.String("health", string(report.OverallStatus)),
		slog.Int("health_score", report.CompositeScore),
		slog.String("queue", cfg.Queue.Backend),
		slog.String("store", cfg.Store.Backend),
	)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server failed: %w", err)
	}
	logger.Info("cleaning up")
	return nil
}

// checkOrigin admits same-origin and non-browser clients, plus any origin on
// the allow list.
func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		return server.OriginAllowed(allowed, origin)
	}
}
