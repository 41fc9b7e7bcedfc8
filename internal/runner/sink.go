package runner

import (
	"context"
	"log/slog"
)

// Failure describes an attempt that did not go as planned.
type Failure struct {
	Machine    string
	EntityID   string
	State      string
	Transition string
	Attempt    int
	// Exhausted is set when the entity ran out of attempts.
	Exhausted bool
	Err       error
}

// FailureSink receives notable failures for external log or alert collection.
type FailureSink interface {
	Report(ctx context.Context, f Failure)
}

// LogSink writes failures as structured error records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Report(ctx context.Context, f Failure) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "transition failed",
		"machine", f.Machine,
		"entity_id", f.EntityID,
		"state", f.State,
		"transition", f.Transition,
		"attempt", f.Attempt,
		"exhausted", f.Exhausted,
		"error", f.Err,
	)
}
