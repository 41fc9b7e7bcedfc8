package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"stator/internal/machine"
	"stator/internal/models"
)

// Fanout states.
const (
	FanoutNew     = "new"
	FanoutSent    = "sent"
	FanoutSkipped = "skipped"
	FanoutFailed  = "failed"
)

// Fanout delivers one activity (payload.activity) to one remote inbox (payload.inbox).
type Fanout struct {
	deps Deps
}

func NewFanout(deps Deps) *Fanout {
	return &Fanout{deps: deps}
}

func (h *Fanout) Machine() (*machine.Machine, error) {
	cfg := h.deps.Config
	return machine.New(machine.Definition{
		Name: KindFanout,
		States: []machine.State{
			{Name: FanoutNew, Initial: true},
			{Name: FanoutSent, Terminal: true},
			{Name: FanoutSkipped, Terminal: true},
			{Name: FanoutFailed, Terminal: true},
		},
		Transitions: []machine.Transition{
			{Name: "skip_undeliverable", From: FanoutNew, To: FanoutSkipped, Handler: h.SkipUndeliverable, MaxAttempts: cfg.DeliveryMaxAttempts},
			{Name: "deliver", From: FanoutNew, To: FanoutSent, Handler: h.Deliver, MaxAttempts: cfg.DeliveryMaxAttempts},
		},
		TryInterval: cfg.ScheduleInterval,
		ErrorState:  FanoutFailed,
	})
}

// SkipUndeliverable drops fan-outs that have no inbox or nothing to send.
func (h *Fanout) SkipUndeliverable(_ context.Context, e models.Entity) (machine.Result, error) {
	if e.PayloadString("inbox") == "" || e.Payload["activity"] == nil {
		return machine.AdvanceWith(FanoutSkipped, map[string]any{"skip_reason": "undeliverable"}), nil
	}
	return machine.NoOp, nil
}

// Deliver POSTs the activity. A gone inbox is skipped and a throttled host is retried later.
func (h *Fanout) Deliver(ctx context.Context, e models.Entity) (machine.Result, error) {
	inbox := e.PayloadString("inbox")
	if h.deps.throttled(ctx, inbox) {
		return machine.NoOp, nil
	}
	body, err := json.Marshal(e.Payload["activity"])
	if err != nil {
		return machine.NoOp, fmt.Errorf("marshal activity: %w", err)
	}

	req, err := h.deps.newRequest(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return machine.NoOp, err
	}
	req.Header.Set("Content-Type", activityJSON)
	resp, err := h.deps.client().Do(req)
	if err != nil {
		return machine.NoOp, fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return machine.AdvanceWith(FanoutSent, map[string]any{"delivery_status": resp.StatusCode}), nil
	case resp.StatusCode == http.StatusGone:
		return machine.AdvanceWith(FanoutSkipped, map[string]any{"skip_reason": "inbox gone"}), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return machine.NoOp, nil
	default:
		return machine.NoOp, fmt.Errorf("deliver: status %d", resp.StatusCode)
	}
}
