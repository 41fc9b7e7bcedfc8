// Package app assembles the store, the Redis client and the registered machines
// shared by the runner and api commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"stator/internal/config"
	"stator/internal/handlers"
	"stator/internal/machine"
	"stator/internal/ratelimit"
	"stator/internal/store"
)

type App struct {
	Config config.Config
	Logger *slog.Logger
	Store  store.Store
	// Redis is nil with the memory driver.
	Redis    *redis.Client
	Machines []*machine.Machine
}

// Build connects everything cfg describes. Close releases it.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if cfg.StoreDriver != "memory" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg, a.Redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	a.Store = st

	deps, err := handlers.NewDeps(ctx, cfg, a.Redis, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("handler deps: %w", err)
	}
	a.Machines, err = handlers.Machines(deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// TenantLimiter throttles admin entity creation per tenant.
func (a *App) TenantLimiter() ratelimit.Limiter {
	if a.Redis == nil {
		return ratelimit.Unlimited{}
	}
	return ratelimit.NewTokenBucket(a.Redis, a.Config.RedisPrefix+":ratelimit:tenant",
		a.Config.RateLimitCapacity, a.Config.RateLimitRefill, time.Hour)
}

func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}
