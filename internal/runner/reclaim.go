package runner

import (
	"context"
	"fmt"
	"time"

	"stator/internal/telemetry"
)

// ReclaimIfDue clears expired leases when a schedule interval has passed since the last sweep.
func (r *Runner) ReclaimIfDue(ctx context.Context) (int64, error) {
	now := r.now()
	if now.Sub(r.stats.lastReclaim()) < r.scheduleInterval {
		return 0, nil
	}
	return r.reclaim(ctx, now)
}

// Reclaim clears every expired lease now, whoever holds it.
func (r *Runner) Reclaim(ctx context.Context) (int64, error) {
	return r.reclaim(ctx, r.now())
}

func (r *Runner) reclaim(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.store.ReclaimExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	r.stats.markReclaim(now)
	telemetry.Reclaimed.Add(float64(n))
	if n > 0 {
		r.logger.Info("reclaimed expired leases", "count", n)
	}
	r.refreshStateGauges(ctx)
	return n, nil
}

// refreshStateGauges publishes per-state entity counts on the reclaim cadence.
func (r *Runner) refreshStateGauges(ctx context.Context) {
	for _, m := range r.machines {
		counts, err := r.store.CountByState(ctx, m.Name())
		if err != nil {
			r.logger.Warn("count states failed", "machine", m.Name(), "error", err)
			continue
		}
		for _, s := range m.States() {
			telemetry.EntitiesByState.WithLabelValues(m.Name(), s.Name).Set(float64(counts[s.Name]))
		}
	}
}
