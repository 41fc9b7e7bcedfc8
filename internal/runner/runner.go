package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stator/internal/machine"
	"stator/internal/models"
	"stator/internal/store"
	"stator/internal/telemetry"
)

const (
	defaultConcurrency      = 100
	defaultScheduleInterval = 30 * time.Second
	defaultLockDuration     = 5 * time.Minute
	defaultPollInterval     = time.Second
	defaultIdleBackoffMax   = 10 * time.Second
)

// Runner discovers due entities of every registered machine, claims them through the
// store and runs their transition handlers under a global concurrency cap.
type Runner struct {
	store    store.Store
	machines []*machine.Machine
	byName   map[string]*machine.Machine

	concurrency      int
	scheduleInterval time.Duration
	lockDuration     time.Duration
	pollInterval     time.Duration
	idleBackoffMax   time.Duration
	owner            string
	logger           *slog.Logger
	sink             FailureSink
	now              func() time.Time

	// passMu serializes discovery and claiming within the process.
	passMu sync.Mutex
	group  errgroup.Group
	stats  *stats
}

// New registers machines in the order given. Machine names must be unique.
func New(st store.Store, machines []*machine.Machine, opts ...Option) (*Runner, error) {
	if st == nil {
		return nil, errors.New("runner: store is required")
	}
	r := &Runner{
		store:            st,
		byName:           make(map[string]*machine.Machine, len(machines)),
		concurrency:      defaultConcurrency,
		scheduleInterval: defaultScheduleInterval,
		lockDuration:     defaultLockDuration,
		pollInterval:     defaultPollInterval,
		idleBackoffMax:   defaultIdleBackoffMax,
		owner:            defaultOwner(),
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sink = LogSink{Logger: r.logger}
	}

	for _, m := range machines {
		if m == nil {
			return nil, errors.New("runner: nil machine")
		}
		if _, dup := r.byName[m.Name()]; dup {
			return nil, fmt.Errorf("runner: machine %q registered twice", m.Name())
		}
		r.byName[m.Name()] = m
		r.machines = append(r.machines, m)
	}

	r.group.SetLimit(r.concurrency)
	r.stats = newStats(r.now(), r.scheduleInterval)
	return r, nil
}

func defaultOwner() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "runner"
	}
	return host + "-" + uuid.NewString()
}

func (r *Runner) Owner() string { return r.owner }

// Machines returns the registered machines in registration order.
func (r *Runner) Machines() []*machine.Machine {
	out := make([]*machine.Machine, len(r.machines))
	copy(out, r.machines)
	return out
}

// Machine looks up a registered machine by name.
func (r *Runner) Machine(name string) (*machine.Machine, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Stats returns a snapshot of the run bookkeeping.
func (r *Runner) Stats() Stats {
	s := r.stats.snapshot()
	s.Owner = r.owner
	return s
}

// FetchAndProcessTasks runs one discovery pass over every machine and dispatches each
// entity it manages to claim. It returns the number dispatched without waiting for them.
// Store errors for one machine do not stop the pass over the others.
func (r *Runner) FetchAndProcessTasks(ctx context.Context) (int, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	var (
		dispatched int
		errs       []error
	)
	for _, m := range r.machines {
		capacity := r.concurrency - r.stats.inFlightCount()
		if capacity <= 0 {
			r.logger.Debug("at capacity, skipping discovery", "in_flight", r.concurrency-capacity)
			break
		}
		n, err := r.fetchMachine(ctx, m, capacity)
		dispatched += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return dispatched, errors.Join(errs...)
}

func (r *Runner) fetchMachine(ctx context.Context, m *machine.Machine, capacity int) (int, error) {
	now := r.now()
	due, err := r.store.FetchDue(ctx, models.DueQuery{
		Kind:    m.Name(),
		Cutoffs: m.Cutoffs(now),
		Now:     now,
		Limit:   capacity,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch due %s: %w", m.Name(), err)
	}

	dispatched := 0
	for _, e := range due {
		if r.stats.running(e.Key()) {
			continue
		}
		ok, err := r.store.Claim(ctx, e, r.owner, now.Add(r.lockDuration))
		if err != nil {
			r.logger.Error("claim failed", "machine", m.Name(), "entity_id", e.ID, "error", err)
			continue
		}
		if !ok {
			telemetry.ClaimConflicts.WithLabelValues(m.Name()).Inc()
			continue
		}
		telemetry.Claims.WithLabelValues(m.Name()).Inc()
		if r.dispatch(ctx, m, e) {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatch hands a claimed entity to the pool. A claim the pool cannot take is released.
func (r *Runner) dispatch(ctx context.Context, m *machine.Machine, e models.Entity) bool {
	key := e.Key()
	if !r.stats.begin(key) {
		r.release(ctx, e)
		return false
	}
	hctx := context.WithoutCancel(ctx)
	run := func() error {
		defer r.stats.finish(key)
		defer telemetry.Handled.Inc()
		telemetry.InFlightGauge.Inc()
		defer telemetry.InFlightGauge.Dec()
		r.execute(hctx, m, e)
		return nil
	}
	started := r.group.TryGo(run)
	if !started && r.stats.inFlightCount() <= r.concurrency {
		// Attempts leave the in-flight set just before their pool slot is returned,
		// so a slot is about to free up.
		r.group.Go(run)
		started = true
	}
	if !started {
		r.stats.drop(key)
		r.release(ctx, e)
		return false
	}
	return true
}

func (r *Runner) release(ctx context.Context, e models.Entity) {
	if err := r.store.Release(ctx, e.Kind, e.ID, r.owner); err != nil && !errors.Is(err, models.ErrLeaseLost) {
		r.logger.Warn("release failed", "machine", e.Kind, "entity_id", e.ID, "error", err)
	}
}

// Wait blocks until every dispatched attempt has finished.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

// RunSingleCycle reclaims if due, runs one discovery pass and waits for its work.
func (r *Runner) RunSingleCycle(ctx context.Context) error {
	var errs []error
	if _, err := r.ReclaimIfDue(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := r.FetchAndProcessTasks(ctx); err != nil {
		errs = append(errs, err)
	}
	r.Wait()
	return errors.Join(errs...)
}

// Run polls until ctx is cancelled, backing off while there is no work, then drains
// in-flight attempts before returning.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started",
		"owner", r.owner,
		"concurrency", r.concurrency,
		"machines", len(r.machines),
		"schedule_interval", r.scheduleInterval,
		"lock_duration", r.lockDuration,
	)
	timer := time.NewTimer(0)
	defer timer.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping, draining in-flight work", "in_flight", r.stats.inFlightCount())
			r.Wait()
			r.logger.Info("runner stopped", "handled", r.stats.handled.Load())
			return nil
		case <-timer.C:
		}

		if _, err := r.ReclaimIfDue(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reclaim failed", "error", err)
		}
		n, err := r.FetchAndProcessTasks(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("discovery pass failed", "error", err)
		}

		wait := r.pollInterval
		if n == 0 {
			idle++
			wait = backoffWithJitter(r.pollInterval, r.idleBackoffMax, idle)
		} else {
			idle = 0
		}
		timer.Reset(wait)
	}
}
