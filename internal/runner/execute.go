package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stator/internal/machine"
	"stator/internal/models"
	"stator/internal/telemetry"
)

// UnknownStateError is returned when a handler asks for a state that is not a declared
// target of the entity's current state.
type UnknownStateError struct {
	Machine string
	From    string
	To      string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("machine %q: %q is not a target of %q", e.Machine, e.To, e.From)
}

// errExhausted is reported when every candidate of a state ran out of attempts.
var errExhausted = errors.New("max attempts exhausted")

// execute runs one attempt for a claimed entity. Candidates are tried in declaration
// order; the first advance or failure is definitive and a no-op falls through to the next.
func (r *Runner) execute(ctx context.Context, m *machine.Machine, claimed models.Entity) {
	logger := r.logger.With("machine", m.Name(), "entity_id", claimed.ID)

	e, err := r.store.GetEntity(ctx, claimed.Kind, claimed.ID)
	if err != nil {
		logger.Error("re-read failed", "error", err)
		r.release(ctx, claimed)
		return
	}
	if !e.OwnedBy(r.owner) {
		logger.Warn("lease lost before execution", "lock_owner", e.LockOwner)
		return
	}
	if !m.HasState(e.State) || m.IsTerminal(e.State) {
		logger.Warn("entity not in an active state", "state", e.State)
		r.release(ctx, e)
		return
	}

	now := r.now()
	// Claims compare lock fields only, so another runner may have attempted the entity
	// since it was discovered.
	if !m.Due(e, now) {
		logger.Debug("entity attempted since discovery, releasing", "state", e.State)
		r.release(ctx, e)
		return
	}

	var eligible, live []machine.Transition
	waiting := false
	for _, t := range m.Candidates(e.State) {
		exhausted := t.MaxAttempts > 0 && e.AttemptCount >= t.MaxAttempts
		if t.Delay > 0 && now.Sub(e.StateChangedAt) < t.Delay {
			waiting = waiting || !exhausted
			continue
		}
		eligible = append(eligible, t)
		if !exhausted {
			live = append(live, t)
		}
	}

	switch {
	case len(live) > 0:
	case waiting || len(eligible) == 0:
		telemetry.Transitions.WithLabelValues(m.Name(), "", telemetry.OutcomeDeferred).Inc()
		r.recordAttempt(ctx, logger, e, false, nil)
		return
	case m.ErrorState() != "":
		r.reportExhausted(ctx, m, e, eligible[0])
		r.advance(ctx, logger, e, m.ErrorState(), nil, errExhausted.Error())
		return
	default:
		// Without an error state the entity stays put and keeps being retried.
		if e.AttemptCount == exhaustionPoint(eligible) {
			r.reportExhausted(ctx, m, e, eligible[0])
		}
		live = eligible
	}

	for _, t := range live {
		res, err := r.invoke(ctx, m, t, e)
		if err == nil && !res.IsNoOp() && !m.IsTarget(e.State, res.State) {
			err = &UnknownStateError{Machine: m.Name(), From: e.State, To: res.State}
		}
		if err != nil {
			r.fail(ctx, logger, m, e, t, err)
			return
		}
		if res.IsNoOp() {
			telemetry.Transitions.WithLabelValues(m.Name(), t.Label(), telemetry.OutcomeNoOp).Inc()
			continue
		}
		telemetry.Transitions.WithLabelValues(m.Name(), t.Label(), telemetry.OutcomeAdvanced).Inc()
		r.advance(ctx, logger, e, res.State, res.Data, t.Label())
		return
	}
	r.recordAttempt(ctx, logger, e, true, nil)
}

// invoke calls the handler, turning a panic into an error.
func (r *Runner) invoke(ctx context.Context, m *machine.Machine, t machine.Transition, e models.Entity) (res machine.Result, err error) {
	start := time.Now()
	defer func() {
		telemetry.HandlerDuration.WithLabelValues(m.Name(), t.Label()).Observe(time.Since(start).Seconds())
		if p := recover(); p != nil {
			res = machine.NoOp
			err = fmt.Errorf("handler %s panicked: %v", t.Label(), p)
		}
	}()
	return t.Handler(ctx, e)
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, m *machine.Machine, e models.Entity, t machine.Transition, cause error) {
	telemetry.Transitions.WithLabelValues(m.Name(), t.Label(), telemetry.OutcomeFailed).Inc()
	r.sink.Report(ctx, Failure{
		Machine:    m.Name(),
		EntityID:   e.ID,
		State:      e.State,
		Transition: t.Label(),
		Attempt:    e.AttemptCount + 1,
		Err:        cause,
	})
	msg := cause.Error()
	r.recordAttempt(ctx, logger, e, true, &msg)
}

func (r *Runner) reportExhausted(ctx context.Context, m *machine.Machine, e models.Entity, t machine.Transition) {
	telemetry.Transitions.WithLabelValues(m.Name(), t.Label(), telemetry.OutcomeExhausted).Inc()
	r.sink.Report(ctx, Failure{
		Machine:    m.Name(),
		EntityID:   e.ID,
		State:      e.State,
		Transition: t.Label(),
		Attempt:    e.AttemptCount,
		Exhausted:  true,
		Err:        errExhausted,
	})
}

// exhaustionPoint is the attempt count at which every one of ts ran out.
func exhaustionPoint(ts []machine.Transition) int {
	n := 0
	for _, t := range ts {
		n = max(n, t.MaxAttempts)
	}
	return n
}

func (r *Runner) advance(ctx context.Context, logger *slog.Logger, e models.Entity, to string, data map[string]any, detail string) {
	err := r.store.Advance(ctx, models.AdvanceParams{
		Kind:   e.Kind,
		ID:     e.ID,
		Owner:  r.owner,
		From:   e.State,
		To:     to,
		Data:   data,
		At:     r.now(),
		Detail: detail,
	})
	r.writeBackError(logger, "advance", err)
}

func (r *Runner) recordAttempt(ctx context.Context, logger *slog.Logger, e models.Entity, count bool, lastErr *string) {
	err := r.store.RecordAttempt(ctx, models.AttemptParams{
		Kind:      e.Kind,
		ID:        e.ID,
		Owner:     r.owner,
		Count:     count,
		At:        r.now(),
		LastError: lastErr,
	})
	r.writeBackError(logger, "record attempt", err)
}

func (r *Runner) writeBackError(logger *slog.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, models.ErrLeaseLost):
		logger.Warn(op+": lease lost, result discarded", "owner", r.owner)
	default:
		logger.Error(op+" failed", "error", err)
	}
}
