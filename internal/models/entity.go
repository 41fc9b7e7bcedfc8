package models

import (
	"time"
)

// Entity is the persisted scheduling record of one state-machine-bearing object.
type Entity struct {
	Kind             string         `json:"kind"`
	ID               string         `json:"id"`
	State            string         `json:"state"`
	StateChangedAt   time.Time      `json:"state_changed_at"`
	StateAttemptedAt *time.Time     `json:"state_attempted_at,omitempty"`
	AttemptCount     int            `json:"attempt_count"`
	LockOwner        *string        `json:"lock_owner,omitempty"`
	LockExpiresAt    *time.Time     `json:"lock_expires_at,omitempty"`
	Payload          map[string]any `json:"payload"`
	LastError        *string        `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Key identifies the entity across all machines.
func (e Entity) Key() string {
	return e.Kind + "/" + e.ID
}

// Claimable reports whether no live lease is held on the entity at now.
func (e Entity) Claimable(now time.Time) bool {
	if e.LockOwner == nil || *e.LockOwner == "" {
		return true
	}
	return e.LockExpiresAt == nil || !e.LockExpiresAt.After(now)
}

// OwnedBy reports whether owner holds the entity's lease.
func (e Entity) OwnedBy(owner string) bool {
	return e.LockOwner != nil && *e.LockOwner == owner
}

// PayloadString returns a string payload field or "".
func (e Entity) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// DueQuery selects entities of one machine that have work to do.
// Cutoffs maps every non-terminal state to the latest attempt time that makes an
// entity in that state eligible again.
type DueQuery struct {
	Kind    string
	Cutoffs map[string]time.Time
	Now     time.Time
	Limit   int
}

// Due reports whether e matches q.
func (q DueQuery) Due(e Entity) bool {
	if e.Kind != q.Kind {
		return false
	}
	cutoff, ok := q.Cutoffs[e.State]
	if !ok {
		return false
	}
	if !e.Claimable(q.Now) {
		return false
	}
	return e.StateAttemptedAt == nil || !e.StateAttemptedAt.After(cutoff)
}

// AdvanceParams moves an entity into a new state.
type AdvanceParams struct {
	Kind   string
	ID     string
	Owner  string
	From   string
	To     string
	Data   map[string]any
	At     time.Time
	Detail string
}

// AttemptParams records an attempt that left the entity in its current state.
// Count is false for deferred attempts, which do not consume the attempt budget.
type AttemptParams struct {
	Kind      string
	ID        string
	Owner     string
	Count     bool
	At        time.Time
	LastError *string
}

// HistoryEntry is an audit row written on every state change.
type HistoryEntry struct {
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
