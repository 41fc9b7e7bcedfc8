package store

import (
	"context"
	"sync"
	"time"

	"stator/internal/models"
)

// Memory keeps entity records in process memory. Every method holds one mutex, which
// makes Claim a true compare-and-swap. Intended for tests and single-process development.
type Memory struct {
	mu       sync.Mutex
	entities map[string]*models.Entity
	history  map[string][]models.HistoryEntry
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[string]*models.Entity),
		history:  make(map[string][]models.HistoryEntry),
	}
}

func memoryKey(kind, id string) string {
	return kind + "/" + id
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Close() {}

// CreateEntity inserts a record unless one already exists for kind/id.
func (m *Memory) CreateEntity(_ context.Context, p CreateParams) (models.Entity, bool, error) {
	if err := p.normalize(); err != nil {
		return models.Entity{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey(p.Kind, p.ID)
	if existing, ok := m.entities[key]; ok {
		return cloneEntity(existing), false, nil
	}
	e := &models.Entity{
		Kind:           p.Kind,
		ID:             p.ID,
		State:          p.State,
		StateChangedAt: p.At,
		Payload:        mergePayload(nil, p.Payload),
		CreatedAt:      p.At,
		UpdatedAt:      p.At,
	}
	m.entities[key] = e
	return cloneEntity(e), true, nil
}

func (m *Memory) GetEntity(_ context.Context, kind, id string) (models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[memoryKey(kind, id)]
	if !ok {
		return models.Entity{}, models.ErrNotFound
	}
	return cloneEntity(e), nil
}

func (m *Memory) FetchDue(_ context.Context, q models.DueQuery) ([]models.Entity, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	var out []models.Entity
	for _, e := range m.entities {
		if q.Due(*e) {
			out = append(out, cloneEntity(e))
		}
	}
	m.mu.Unlock()

	sortDue(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Claim takes the lease if the lock fields still match what was read into e.
func (m *Memory) Claim(_ context.Context, e models.Entity, owner string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entities[memoryKey(e.Kind, e.ID)]
	if !ok {
		return false, nil
	}
	if !sameString(cur.LockOwner, e.LockOwner) || !sameTime(cur.LockExpiresAt, e.LockExpiresAt) {
		return false, nil
	}
	cur.LockOwner = &owner
	cur.LockExpiresAt = timePtr(until)
	return true, nil
}

func (m *Memory) Advance(_ context.Context, p models.AdvanceParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.owned(p.Kind, p.ID, p.Owner)
	if err != nil {
		return err
	}
	if cur.State != p.From {
		return models.ErrLeaseLost
	}
	cur.State = p.To
	cur.StateChangedAt = p.At
	cur.StateAttemptedAt = nil
	cur.AttemptCount = 0
	cur.LockOwner = nil
	cur.LockExpiresAt = nil
	cur.LastError = nil
	cur.UpdatedAt = p.At
	if len(p.Data) > 0 {
		cur.Payload = mergePayload(cur.Payload, p.Data)
	}
	key := memoryKey(p.Kind, p.ID)
	m.history[key] = append(m.history[key], models.HistoryEntry{
		Kind:     p.Kind,
		EntityID: p.ID,
		From:     p.From,
		To:       p.To,
		Detail:   p.Detail,
		Recorded: p.At,
	})
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, p models.AttemptParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.owned(p.Kind, p.ID, p.Owner)
	if err != nil {
		return err
	}
	if p.Count {
		cur.AttemptCount++
	}
	cur.StateAttemptedAt = timePtr(p.At)
	if p.LastError != nil {
		msg := *p.LastError
		cur.LastError = &msg
	}
	cur.LockOwner = nil
	cur.LockExpiresAt = nil
	cur.UpdatedAt = p.At
	return nil
}

func (m *Memory) Release(_ context.Context, kind, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.owned(kind, id, owner)
	if err != nil {
		return err
	}
	cur.LockOwner = nil
	cur.LockExpiresAt = nil
	return nil
}

func (m *Memory) ReclaimExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entities {
		if e.LockExpiresAt != nil && !e.LockExpiresAt.After(now) {
			e.LockOwner = nil
			e.LockExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountByState(_ context.Context, kind string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, e := range m.entities {
		if e.Kind == kind {
			out[e.State]++
		}
	}
	return out, nil
}

// History returns the newest entries first.
func (m *Memory) History(_ context.Context, kind, id string, limit int) ([]models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.history[memoryKey(kind, id)]
	out := make([]models.HistoryEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, rows[i])
	}
	return out, nil
}

func (m *Memory) owned(kind, id, owner string) (*models.Entity, error) {
	cur, ok := m.entities[memoryKey(kind, id)]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !cur.OwnedBy(owner) {
		return nil, models.ErrLeaseLost
	}
	return cur, nil
}

func cloneEntity(e *models.Entity) models.Entity {
	out := *e
	out.Payload = mergePayload(nil, e.Payload)
	if e.StateAttemptedAt != nil {
		out.StateAttemptedAt = timePtr(*e.StateAttemptedAt)
	}
	if e.LockExpiresAt != nil {
		out.LockExpiresAt = timePtr(*e.LockExpiresAt)
	}
	if e.LockOwner != nil {
		owner := *e.LockOwner
		out.LockOwner = &owner
	}
	if e.LastError != nil {
		msg := *e.LastError
		out.LastError = &msg
	}
	return out
}
