package factory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/howardjong/AgentPrice-sub003/runtimeconfig"
	"github.com/howardjong/AgentPrice-sub003/state"
	"github.com/howardjong/AgentPrice-sub003/state/hybrid"
	"github.com/howardjong/AgentPrice-sub003/state/memory"
	redisstore "github.com/howardjong/AgentPrice-sub003/state/redis"
	sqlitestore "github.com/howardjong/AgentPrice-sub003/state/sqlite"
)

// New builds the job store selected by cfg.Backend. The hybrid backend
// degrades to SQLite alone when Redis is unreachable.
func New(ctx context.Context, cfg runtimeconfig.StoreConfig, logger *slog.Logger) (state.Store, error) {
	_ = ctx
	if logger == nil {
		logger = slog.Default()
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "sqlite":
		return sqlitestore.New(cfg.SQLitePath)

	case "memory":
		return memory.New(), nil

	case "redis":
		// Redis as the only store keeps jobs indefinitely.
		return newRedisStore(cfg, 0)

	case "hybrid":
		durable, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(cfg, cfg.CacheTTL)
		if err != nil {
			logger.Warn("redis cache unavailable, using sqlite only",
				slog.String("addr", cfg.RedisAddr),
				slog.Any("error", err),
			)
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unsupported store backend %q (use sqlite, memory, redis, or hybrid)", backend)
	}
}

func newRedisStore(cfg runtimeconfig.StoreConfig, ttl time.Duration) (state.Store, error) {
	return redisstore.New(cfg.RedisAddr,
		redisstore.WithDB(cfg.RedisDB),
		redisstore.WithPassword(cfg.RedisPassword),
		redisstore.WithPrefix(cfg.Prefix),
		redisstore.WithTTL(ttl),
	)
}
