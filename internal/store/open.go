package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"stator/internal/config"
)

// Open connects the backend selected by cfg.StoreDriver. The redis driver uses rdb.
func Open(ctx context.Context, cfg config.Config, rdb *redis.Client) (Store, error) {
	switch cfg.StoreDriver {
	case "postgres", "":
		return NewPostgres(ctx, cfg.PostgresDSN)
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis store requires a redis client")
		}
		return NewRedis(rdb, cfg.RedisPrefix), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
