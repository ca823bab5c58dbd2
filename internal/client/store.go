package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/barterline/parley/internal/cache"
	"github.com/barterline/parley/internal/cache/memory"
	"github.com/barterline/parley/internal/cache/postgres"
	"github.com/barterline/parley/internal/cache/redis"
	"github.com/barterline/parley/internal/cache/sqlite"
	"github.com/barterline/parley/internal/config"
)

// openStore selects the cache backend. Interactive clients typically run
// sqlite; headless bots share redis or postgres between replicas.
func openStore(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (cache.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite backend requires cache.sqlite_path")
		}
		return sqlite.Open(cfg.SQLitePath)
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis backend requires cache.redis_url")
		}
		return redis.Open(cfg.RedisURL)
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
