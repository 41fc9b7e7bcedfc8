package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stator/internal/config"
	"stator/internal/machine"
	"stator/internal/ratelimit"
	"stator/internal/telemetry"
)

const (
	KindIdentity = "identity"
	KindFanout   = "fanout"

	activityJSON = "application/activity+json"
)

// Deps are the collaborators shared by the example machines.
type Deps struct {
	Config     config.Config
	HTTPClient *http.Client
	// Hosts throttles outbound calls per remote host.
	Hosts   ratelimit.Limiter
	Avatars *AvatarCache
	Logger  *slog.Logger
}

// NewDeps wires the HTTP client, the per-host limiter and the avatar cache from cfg.
// Without a Redis client outbound calls are not throttled.
func NewDeps(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *slog.Logger) (Deps, error) {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	var hosts ratelimit.Limiter = ratelimit.Unlimited{}
	if rdb != nil {
		hosts = ratelimit.NewTokenBucket(rdb, cfg.RedisPrefix+":ratelimit:host",
			cfg.HostLimitCapacity, cfg.HostLimitRefill, 10*time.Minute)
	}
	avatars, err := NewAvatarCache(ctx, cfg, client)
	if err != nil {
		return Deps{}, err
	}
	return Deps{Config: cfg, HTTPClient: client, Hosts: hosts, Avatars: avatars, Logger: logger}, nil
}

// Machines builds every example machine in registration order.
func Machines(deps Deps) ([]*machine.Machine, error) {
	identity, err := NewIdentity(deps).Machine()
	if err != nil {
		return nil, err
	}
	fanout, err := NewFanout(deps).Machine()
	if err != nil {
		return nil, err
	}
	return []*machine.Machine{identity, fanout}, nil
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) client() *http.Client {
	if d.HTTPClient == nil {
		return http.DefaultClient
	}
	return d.HTTPClient
}

// throttled reports whether the remote host of rawURL is out of budget. A limiter
// error lets the call through.
func (d Deps) throttled(ctx context.Context, rawURL string) bool {
	if d.Hosts == nil {
		return false
	}
	host := hostOf(rawURL)
	decision, err := d.Hosts.Allow(ctx, host)
	if err != nil {
		d.logger().Warn("host limiter unavailable", "host", host, "error", err)
		return false
	}
	if !decision.Allowed {
		telemetry.RateLimitRejects.WithLabelValues("host").Inc()
		d.logger().Debug("host throttled", "host", host, "retry_after", decision.RetryAfter)
		return true
	}
	return false
}

func (d Deps) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if ua := d.Config.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	return req, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Host)
}
