package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stator/internal/config"
	"stator/internal/ratelimit"
)

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: time.Second}, nil
}

func testConfig(t *testing.T) config.Config {
	return config.Config{
		ScheduleInterval:    30 * time.Second,
		UserAgent:           "stator-test",
		FetchMaxAttempts:    3,
		DeliveryMaxAttempts: 5,
		IdentityRefresh:     time.Hour,
		ImageOutputDir:      t.TempDir(),
		ImageMaxBytes:       1 << 20,
		AvatarSize:          8,
	}
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	cfg := testConfig(t)
	avatars, err := NewAvatarCache(context.Background(), cfg, nil)
	require.NoError(t, err)
	return Deps{
		Config:  cfg,
		Hosts:   ratelimit.Unlimited{},
		Avatars: avatars,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestMachinesRegistersExamples(t *testing.T) {
	machines, err := Machines(testDeps(t))
	require.NoError(t, err)
	require.Len(t, machines, 2)
	require.Equal(t, KindIdentity, machines[0].Name())
	require.Equal(t, KindFanout, machines[1].Name())
	require.Equal(t, IdentityErrored, machines[0].ErrorState())
	require.Equal(t, FanoutFailed, machines[1].ErrorState())
}
