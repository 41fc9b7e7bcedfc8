package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"stator/internal/models"
)

const entityColumns = `e.kind, e.id, e.state, e.state_changed_at, e.state_attempted_at, e.attempt_count,
	e.lock_owner, e.lock_expires_at, e.payload, e.last_error, e.created_at, e.updated_at`

// Postgres wraps pgxpool for entity state persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateEntity inserts a record in its initial state. An existing record for the
// same kind/id is returned unchanged with created=false.
func (s *Postgres) CreateEntity(ctx context.Context, p CreateParams) (models.Entity, bool, error) {
	if err := p.normalize(); err != nil {
		return models.Entity{}, false, err
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Entity{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO stator_entities (kind, id, state, state_changed_at, attempt_count, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $4, $4)
		ON CONFLICT (kind, id) DO NOTHING
	`, p.Kind, p.ID, p.State, p.At, payloadJSON)
	if err != nil {
		return models.Entity{}, false, fmt.Errorf("insert entity: %w", err)
	}
	e, err := s.GetEntity(ctx, p.Kind, p.ID)
	if err != nil {
		return models.Entity{}, false, err
	}
	return e, tag.RowsAffected() == 1, nil
}

func (s *Postgres) GetEntity(ctx context.Context, kind, id string) (models.Entity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM stator_entities e WHERE e.kind = $1 AND e.id = $2`, kind, id)
	return scanEntity(row)
}

// FetchDue selects unlocked (or expired), non-terminal entities whose last attempt is
// older than the try interval of their state.
func (s *Postgres) FetchDue(ctx context.Context, q models.DueQuery) ([]models.Entity, error) {
	if q.Limit <= 0 || len(q.Cutoffs) == 0 {
		return nil, nil
	}
	states := make([]string, 0, len(q.Cutoffs))
	cutoffs := make([]time.Time, 0, len(q.Cutoffs))
	for state, cutoff := range q.Cutoffs {
		states = append(states, state)
		cutoffs = append(cutoffs, cutoff)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+entityColumns+`
		FROM stator_entities e
		JOIN unnest($2::text[], $3::timestamptz[]) AS d(state, cutoff) ON e.state = d.state
		WHERE e.kind = $1
		  AND (e.lock_owner IS NULL OR e.lock_expires_at IS NULL OR e.lock_expires_at <= $4)
		  AND (e.state_attempted_at IS NULL OR e.state_attempted_at <= d.cutoff)
		ORDER BY e.state_attempted_at ASC NULLS FIRST, e.state_changed_at ASC, e.id ASC
		LIMIT $5
	`, q.Kind, states, cutoffs, q.Now, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query due entities for %s: %w", q.Kind, err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Claim is a single conditional UPDATE guarded by the lock fields that were read.
func (s *Postgres) Claim(ctx context.Context, e models.Entity, owner string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stator_entities
		SET lock_owner = $3, lock_expires_at = $4
		WHERE kind = $1 AND id = $2
		  AND lock_owner IS NOT DISTINCT FROM $5
		  AND lock_expires_at IS NOT DISTINCT FROM $6
	`, e.Kind, e.ID, owner, until, e.LockOwner, e.LockExpiresAt)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", e.Key(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) Advance(ctx context.Context, p models.AdvanceParams) error {
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	patch, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload patch: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	tag, err := tx.Exec(ctx, `
		UPDATE stator_entities
		SET state = $5, state_changed_at = $6, state_attempted_at = NULL, attempt_count = 0,
		    lock_owner = NULL, lock_expires_at = NULL, last_error = NULL,
		    payload = payload || $7::jsonb, updated_at = $6
		WHERE kind = $1 AND id = $2 AND lock_owner = $3 AND state = $4
	`, p.Kind, p.ID, p.Owner, p.From, p.To, p.At, patch)
	if err != nil {
		return fmt.Errorf("advance %s/%s: %w", p.Kind, p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrLeaseLost
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO stator_history (kind, entity_id, from_state, to_state, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.Kind, p.ID, p.From, p.To, p.Detail, p.At); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) RecordAttempt(ctx context.Context, p models.AttemptParams) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stator_entities
		SET attempt_count = attempt_count + CASE WHEN $4 THEN 1 ELSE 0 END,
		    state_attempted_at = $5, last_error = COALESCE($6, last_error),
		    lock_owner = NULL, lock_expires_at = NULL, updated_at = $5
		WHERE kind = $1 AND id = $2 AND lock_owner = $3
	`, p.Kind, p.ID, p.Owner, p.Count, p.At, p.LastError)
	if err != nil {
		return fmt.Errorf("record attempt %s/%s: %w", p.Kind, p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

func (s *Postgres) Release(ctx context.Context, kind, id, owner string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stator_entities SET lock_owner = NULL, lock_expires_at = NULL
		WHERE kind = $1 AND id = $2 AND lock_owner = $3
	`, kind, id, owner)
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// ReclaimExpired clears every lease past its expiry, whoever holds it.
func (s *Postgres) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stator_entities SET lock_owner = NULL, lock_expires_at = NULL
		WHERE lock_expires_at IS NOT NULL AND lock_expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) CountByState(ctx context.Context, kind string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, COUNT(*) FROM stator_entities WHERE kind = $1 GROUP BY state
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("count states for %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

func (s *Postgres) History(ctx context.Context, kind, id string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT kind, entity_id, from_state, to_state, detail, recorded_at
		FROM stator_history
		WHERE kind = $1 AND entity_id = $2
		ORDER BY id DESC
		LIMIT $3
	`, kind, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		if err := rows.Scan(&h.Kind, &h.EntityID, &h.From, &h.To, &h.Detail, &h.Recorded); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// scanEntity reads an entity row from any pgx row type.
func scanEntity(row interface {
	Scan(...any) error
}) (models.Entity, error) {
	var e models.Entity
	var payloadJSON []byte
	var owner, lastErr pgtype.Text

	err := row.Scan(
		&e.Kind, &e.ID, &e.State, &e.StateChangedAt, &e.StateAttemptedAt, &e.AttemptCount,
		&owner, &e.LockExpiresAt, &payloadJSON, &lastErr, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entity{}, models.ErrNotFound
		}
		return models.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return models.Entity{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	e.LockOwner = textPtr(owner)
	e.LastError = textPtr(lastErr)
	return e, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
