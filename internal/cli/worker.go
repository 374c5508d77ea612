package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// runWorker runs research workers without the HTTP surface. It only makes
// sense against a shared queue.
func runWorker(ctx context.Context, args []string) error {
	opts, _ := parseArgs(args)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer c.close()

	if c.cfg.Queue.Backend != "redis" {
		return fmt.Errorf("worker requires a shared queue; set queue.backend to redis")
	}
	n := c.cfg.Research.Workers
	if n <= 0 {
		n = 1
	}
	workers := c.startWorkers(ctx, n, "worker")
	if len(workers) == 0 {
		return fmt.Errorf("no research workers could start")
	}
	<-ctx.Done()
	c.logger.Info("stopping research workers", slog.Int("count", len(workers)))
	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	stopWorkers(stopCtx, workers)
	return nil
}
