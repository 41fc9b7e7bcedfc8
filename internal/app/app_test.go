package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stator/internal/config"
	"stator/internal/ratelimit"
	"stator/internal/store"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestBuildMemory(t *testing.T) {
	cfg := config.Config{StoreDriver: "memory", ImageOutputDir: t.TempDir()}
	a, err := Build(context.Background(), cfg, quiet())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Redis)
	assert.IsType(t, &store.Memory{}, a.Store)
	assert.Len(t, a.Machines, 2)
	assert.IsType(t, ratelimit.Unlimited{}, a.TenantLimiter())
}

func TestBuildRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := config.Config{StoreDriver: "redis", RedisAddr: mr.Addr(), RedisPrefix: "stator", ImageOutputDir: t.TempDir()}
	a, err := Build(context.Background(), cfg, quiet())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.Redis{}, a.Store)
	assert.IsType(t, &ratelimit.TokenBucket{}, a.TenantLimiter())
}

func TestBuildFailsWithoutRedis(t *testing.T) {
	cfg := config.Config{StoreDriver: "redis", RedisAddr: "127.0.0.1:1"}
	_, err := Build(context.Background(), cfg, quiet())
	require.Error(t, err)
}
