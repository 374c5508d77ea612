package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"

	"github.com/howardjong/AgentPrice-sub003/conversation"
	convbadger "github.com/howardjong/AgentPrice-sub003/conversation/badger"
	convmemory "github.com/howardjong/AgentPrice-sub003/conversation/memory"
	"github.com/howardjong/AgentPrice-sub003/health"
	"github.com/howardjong/AgentPrice-sub003/internal/logging"
	"github.com/howardjong/AgentPrice-sub003/internal/telemetry"
	"github.com/howardjong/AgentPrice-sub003/observe"
	observeotel "github.com/howardjong/AgentPrice-sub003/observe/otel"
	observestore "github.com/howardjong/AgentPrice-sub003/observe/store"
	observesqlite "github.com/howardjong/AgentPrice-sub003/observe/store/sqlite"
	providerfactory "github.com/howardjong/AgentPrice-sub003/providers/factory"
	"github.com/howardjong/AgentPrice-sub003/realtime"
	"github.com/howardjong/AgentPrice-sub003/research"
	"github.com/howardjong/AgentPrice-sub003/router"
	"github.com/howardjong/AgentPrice-sub003/runtime/queue"
	queuememory "github.com/howardjong/AgentPrice-sub003/runtime/queue/memory"
	"github.com/howardjong/AgentPrice-sub003/runtime/queue/redisstreams"
	"github.com/howardjong/AgentPrice-sub003/runtimeconfig"
	"github.com/howardjong/AgentPrice-sub003/server"
	"github.com/howardjong/AgentPrice-sub003/state"
	statefactory "github.com/howardjong/AgentPrice-sub003/state/factory"
	"github.com/howardjong/AgentPrice-sub003/status"
)

var version = "dev"

// components is everything serve and worker share. close releases them in
// reverse order of construction.
type components struct {
	cfg    runtimeconfig.Config
	logger *slog.Logger
	tracer trace.TracerProvider

	providers     providerfactory.Set
	registry      *status.Registry
	health        *health.Aggregator
	router        *router.Router
	jobs          state.Store
	queue         queue.Queue
	attempts      *research.SQLiteAttemptStore
	traceStore    observestore.Store
	conversations conversation.Store
	orchestrator  *research.Orchestrator
	pipeline      *research.Pipeline
	channel       *realtime.Channel

	sink     *observe.AsyncSink
	rtSink   atomic.Pointer[realtime.EventSink]
	stream   atomic.Pointer[server.Server]

	closers []func() error
}

func loadConfig(opts cliOptions) (runtimeconfig.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return runtimeconfig.Config{}, fmt.Errorf("failed to load env file %q: %w", opts.envFile, err)
		}
	}
	cfg := runtimeconfig.Default()
	if opts.configPath != "" {
		loaded, err := runtimeconfig.Load(opts.configPath)
		if err != nil {
			return runtimeconfig.Config{}, err
		}
		cfg = loaded
	}
	cfg = runtimeconfig.ApplyEnv(cfg)
	if opts.addr != "" && opts.addr != defaultAddr {
		cfg.HTTP.Addr = opts.addr
	}
	if opts.workers >= 0 {
		cfg.Research.Workers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return runtimeconfig.Config{}, err
	}
	return cfg, nil
}

func bootstrap(ctx context.Context, opts cliOptions) (*components, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	c := &components{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	logger, closeLog, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Service: cfg.Telemetry.ServiceName,
		Version: version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	c.logger = logger
	c.closers = append(c.closers, closeLog)

	tp, shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Environment: cfg.Telemetry.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	c.tracer = tp
	c.closers = append(c.closers, func() error { return shutdown(context.Background()) })

	if err := os.MkdirAll(cfg.Health.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	if err := c.buildStores(ctx); err != nil {
		return nil, err
	}
	c.buildSinks()

	c.providers, err = providerfactory.FromEnv(ctx, cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}
	c.registry = status.NewRegistry(status.WithRecoveryThreshold(cfg.Providers.RecoveryThreshold))
	for _, name := range c.providers.Names() {
		c.registry.Register(name, c.providers.Models[name], c.providers.Credentials[name])
	}
	c.registry.OnChange(func(prev, next status.ProviderStatus) {
		_ = c.sink.Emit(context.Background(), observe.ProviderStateEvent(
			next.Name, string(prev.State), string(next.State), string(next.LastOutcome)))
	})
	for name, present := range c.providers.Credentials {
		if !present {
			logger.Warn("provider credential missing", slog.String("provider", name))
		}
	}

	c.health = health.NewAggregator(c.registry,
		health.WithCredentials(c.providers.Credentials, cfg.Providers.Required),
		health.WithMemoryThreshold(cfg.Health.MemoryThreshold),
		health.WithFilesystemProbe(health.DirProbe(cfg.Health.DataDir)),
	)

	heuristics, err := router.LoadHeuristics(cfg.Providers.HeuristicsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing heuristics: %w", err)
	}
	c.router, err = router.New(c.registry, c.providers.Providers,
		router.WithConversational(cfg.Providers.Conversational),
		router.WithResearch(cfg.Providers.Research),
		router.WithTimeout(cfg.Providers.Timeout),
		router.WithHeuristics(heuristics),
		router.WithSink(c.sink),
		router.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}
	c.pipeline, err = research.NewPipeline(c.router, research.WithMaxOutputTokens(cfg.Research.MaxOutputTokens))
	if err != nil {
		return nil, fmt.Errorf("failed to build research pipeline: %w", err)
	}
	c.orchestrator, err = research.NewOrchestrator(c.jobs, c.queue,
		research.WithSink(c.sink),
		research.WithLogger(logger),
		research.WithAttemptStore(c.attempts),
		research.WithMaxAttempts(cfg.Research.MaxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build research orchestrator: %w", err)
	}

	c.channel = realtime.NewChannel(
		realtime.WithReconnectGrace(cfg.Realtime.ReconnectGrace),
		realtime.WithIdleTimeout(cfg.Realtime.IdleTimeout),
		realtime.WithHealthSource(c.health),
		realtime.WithSink(c.sink),
		realtime.WithLogger(logger),
	)
	c.rtSink.Store(realtime.NewEventSink(c.channel))
	c.closers = append(c.closers, func() error { c.channel.Close(); return nil })

	ok = true
	return c, nil
}

func (c *components) buildStores(ctx context.Context) error {
	cfg := c.cfg
	jobs, err := statefactory.New(ctx, cfg.Store, c.logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	c.jobs = jobs
	c.closers = append(c.closers, jobs.Close)

	switch cfg.Queue.Backend {
	case "redis":
		q, err := redisstreams.New(cfg.Queue.RedisAddr,
			redisstreams.WithPassword(cfg.Queue.RedisPassword),
			redisstreams.WithDB(cfg.Queue.RedisDB),
			redisstreams.WithPrefix(cfg.Queue.Prefix),
			redisstreams.WithGroup(cfg.Queue.Group),
			redisstreams.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
		)
		if err != nil {
			return fmt.Errorf("failed to connect research queue: %w", err)
		}
		c.queue = q
	default:
		c.queue = queuememory.New(queuememory.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout))
	}
	c.closers = append(c.closers, c.queue.Close)

	attempts, err := research.NewSQLiteAttemptStore(cfg.Research.AttemptsDB)
	if err != nil {
		return fmt.Errorf("failed to open attempt store: %w", err)
	}
	c.attempts = attempts
	c.closers = append(c.closers, attempts.Close)

	traces, err := observesqlite.New(filepath.Join(cfg.Health.DataDir, "events.db"))
	if err != nil {
		c.logger.Warn("event store unavailable", slog.Any("error", err))
	} else {
		c.traceStore = traces
		c.closers = append(c.closers, traces.Close)
	}

	switch cfg.Conversation.Backend {
	case "badger":
		conv, err := convbadger.New(cfg.Conversation.Dir)
		if err != nil {
			return fmt.Errorf("failed to open conversation store: %w", err)
		}
		c.conversations = conv
	default:
		c.conversations = convmemory.New()
	}
	c.closers = append(c.closers, c.conversations.Close)
	return nil
}

// buildSinks fans every event out to the event store, the realtime channel,
// the HTTP event stream, spans and the log. Delivery is asynchronous so a
// slow subscriber never blocks a worker.
func (c *components) buildSinks() {
	sinks := []observe.Sink{
		observe.NewLogSink(c.logger),
		observeotel.NewSink(c.tracer),
		observe.SinkFunc(func(ctx context.Context, e observe.Event) error {
			if rt := c.rtSink.Load(); rt != nil {
				return rt.Emit(ctx, e)
			}
			return nil
		}),
		observe.SinkFunc(func(ctx context.Context, e observe.Event) error {
			if srv := c.stream.Load(); srv != nil {
				return srv.Emit(ctx, e)
			}
			return nil
		}),
	}
	if c.traceStore != nil {
		store := c.traceStore
		sinks = append(sinks, observe.SinkFunc(func(ctx context.Context, e observe.Event) error {
			return store.SaveEvent(ctx, e)
		}))
	}
	c.sink = observe.NewAsyncSink(observe.NewMultiSink(sinks...), 1024)
	c.closers = append(c.closers, func() error { c.sink.Close(); return nil })
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && c.logger != nil {
			c.logger.Warn("shutdown step failed", slog.Any("error", err))
		}
	}
	c.closers = nil
}

func (c *components) startWorkers(ctx context.Context, n int, prefix string) []research.Worker {
	policy := research.PolicyFromConfig(c.cfg.Research)
	host, _ := os.Hostname()
	host = strings.TrimSpace(host)
	if host == "" {
		host = "local"
	}
	workers := make([]research.Worker, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%s-%d", prefix, host, i+1)
		w, err := research.NewWorker(research.WorkerConfig{WorkerID: id, Capacity: 1},
			c.jobs, c.attempts, c.queue, c.sink, policy, c.pipeline, c.logger)
		if err != nil {
			c.logger.Error("research worker unavailable", slog.String("worker_id", id), slog.Any("error", err))
			continue
		}
		go func() {
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("research worker stopped", slog.String("worker_id", id), slog.Any("error", err))
			}
		}()
		workers = append(workers, w)
	}
	c.logger.Info("research workers started", slog.Int("count", len(workers)))
	return workers
}

func stopWorkers(ctx context.Context, workers []research.Worker) {
	for _, w := range workers {
		_ = w.Stop(ctx)
	}
}
