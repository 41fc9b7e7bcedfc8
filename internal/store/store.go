package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"stator/internal/models"
)

// Store is the durable coordination substrate shared by every runner.
// All lock handling is done with conditional writes; no implementation keeps
// locks in memory across processes.
type Store interface {
	CreateEntity(ctx context.Context, p CreateParams) (models.Entity, bool, error)
	GetEntity(ctx context.Context, kind, id string) (models.Entity, error)
	FetchDue(ctx context.Context, q models.DueQuery) ([]models.Entity, error)
	Claim(ctx context.Context, e models.Entity, owner string, until time.Time) (bool, error)
	Advance(ctx context.Context, p models.AdvanceParams) error
	RecordAttempt(ctx context.Context, p models.AttemptParams) error
	Release(ctx context.Context, kind, id, owner string) error
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)
	CountByState(ctx context.Context, kind string) (map[string]int64, error)
	History(ctx context.Context, kind, id string, limit int) ([]models.HistoryEntry, error)
	Migrate(ctx context.Context) error
	Close()
}

// CreateParams collects inputs required to insert an entity record.
type CreateParams struct {
	Kind    string
	ID      string
	State   string
	Payload map[string]any
	At      time.Time
}

func (p *CreateParams) normalize() error {
	if p.Kind == "" || p.State == "" {
		return fmt.Errorf("create entity: kind and state are required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	return nil
}

// sortDue orders candidates the way the Postgres query does: never-attempted first,
// then oldest attempt, then oldest state change.
func sortDue(entities []models.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		switch {
		case a.StateAttemptedAt == nil && b.StateAttemptedAt != nil:
			return true
		case a.StateAttemptedAt != nil && b.StateAttemptedAt == nil:
			return false
		case a.StateAttemptedAt != nil && !a.StateAttemptedAt.Equal(*b.StateAttemptedAt):
			return a.StateAttemptedAt.Before(*b.StateAttemptedAt)
		case !a.StateChangedAt.Equal(b.StateChangedAt):
			return a.StateChangedAt.Before(b.StateChangedAt)
		default:
			return a.ID < b.ID
		}
	})
}

func mergePayload(dst, patch map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(patch))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return (a == nil || *a == "") && (b == nil || *b == "")
	}
	return *a == *b
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
