package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stator/internal/models"
)

const historyLimit = 1000

// Redis keeps entity records as hashes, one index set per kind, and a ZSET of held
// leases scored by expiry. Every conditional write is a Lua script so the
// compare and the write happen atomically on the server.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis wraps client. Keys are namespaced under prefix ("stator" when empty).
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "stator"
	}
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) entityKey(kind, id string) string {
	return fmt.Sprintf("%s:entity:%s:%s", s.prefix, kind, id)
}

func (s *Redis) indexKey(kind string) string {
	return fmt.Sprintf("%s:index:%s", s.prefix, kind)
}

func (s *Redis) locksKey() string {
	return s.prefix + ":locks"
}

func (s *Redis) historyKey(kind, id string) string {
	return fmt.Sprintf("%s:history:%s:%s", s.prefix, kind, id)
}

// lockMember names an entity inside the locks ZSET. Kinds never contain '/'.
func lockMember(kind, id string) string {
	return kind + "/" + id
}

func (s *Redis) Migrate(context.Context) error { return nil }

func (s *Redis) Close() {
	_ = s.client.Close()
}

func (s *Redis) CreateEntity(ctx context.Context, p CreateParams) (models.Entity, bool, error) {
	if err := p.normalize(); err != nil {
		return models.Entity{}, false, err
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Entity{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	at := formatMillis(p.At)
	created, err := createScript.Run(ctx, s.client,
		[]string{s.entityKey(p.Kind, p.ID), s.indexKey(p.Kind)},
		p.ID,
		"kind", p.Kind,
		"id", p.ID,
		"state", p.State,
		"state_changed_at", at,
		"state_attempted_at", "",
		"attempt_count", "0",
		"lock_owner", "",
		"lock_expires_at", "",
		"payload", string(payloadJSON),
		"last_error", "",
		"created_at", at,
		"updated_at", at,
	).Int()
	if err != nil {
		return models.Entity{}, false, fmt.Errorf("insert entity: %w", err)
	}
	e, err := s.GetEntity(ctx, p.Kind, p.ID)
	if err != nil {
		return models.Entity{}, false, err
	}
	return e, created == 1, nil
}

func (s *Redis) GetEntity(ctx context.Context, kind, id string) (models.Entity, error) {
	fields, err := s.client.HGetAll(ctx, s.entityKey(kind, id)).Result()
	if err != nil {
		return models.Entity{}, fmt.Errorf("load entity %s/%s: %w", kind, id, err)
	}
	if len(fields) == 0 {
		return models.Entity{}, models.ErrNotFound
	}
	return decodeEntity(fields)
}

// FetchDue loads every record of the kind and filters client-side. Suitable for the
// modest entity counts a Redis deployment is used for.
func (s *Redis) FetchDue(ctx context.Context, q models.DueQuery) ([]models.Entity, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	all, err := s.loadKind(ctx, q.Kind)
	if err != nil {
		return nil, err
	}
	var out []models.Entity
	for _, e := range all {
		if q.Due(e) {
			out = append(out, e)
		}
	}
	sortDue(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Redis) Claim(ctx context.Context, e models.Entity, owner string, until time.Time) (bool, error) {
	expectOwner := ""
	if e.LockOwner != nil {
		expectOwner = *e.LockOwner
	}
	expectExpires := ""
	if e.LockExpiresAt != nil {
		expectExpires = formatMillis(*e.LockExpiresAt)
	}
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.entityKey(e.Kind, e.ID), s.locksKey()},
		expectOwner, expectExpires, owner, formatMillis(until), lockMember(e.Kind, e.ID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", e.Key(), err)
	}
	return res == 1, nil
}

func (s *Redis) Advance(ctx context.Context, p models.AdvanceParams) error {
	cur, err := s.GetEntity(ctx, p.Kind, p.ID)
	if err != nil {
		return err
	}
	if !cur.OwnedBy(p.Owner) {
		return models.ErrLeaseLost
	}
	payloadJSON, err := json.Marshal(mergePayload(cur.Payload, p.Data))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	at := formatMillis(p.At)
	entry, err := json.Marshal(models.HistoryEntry{
		Kind:     p.Kind,
		EntityID: p.ID,
		From:     p.From,
		To:       p.To,
		Detail:   p.Detail,
		Recorded: p.At,
	})
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	res, err := advanceScript.Run(ctx, s.client,
		[]string{s.entityKey(p.Kind, p.ID), s.locksKey(), s.historyKey(p.Kind, p.ID)},
		p.Owner, lockMember(p.Kind, p.ID), p.From, string(entry), historyLimit,
		"state", p.To,
		"state_changed_at", at,
		"state_attempted_at", "",
		"attempt_count", "0",
		"last_error", "",
		"payload", string(payloadJSON),
		"updated_at", at,
		"lock_owner", "",
		"lock_expires_at", "",
	).Int()
	if err != nil {
		return fmt.Errorf("advance %s/%s: %w", p.Kind, p.ID, err)
	}
	if res == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

func (s *Redis) RecordAttempt(ctx context.Context, p models.AttemptParams) error {
	at := formatMillis(p.At)
	fields := []any{"state_attempted_at", at, "updated_at", at}
	if p.LastError != nil {
		fields = append(fields, "last_error", *p.LastError)
	}
	return s.ownedUpdate(ctx, p.Kind, p.ID, p.Owner, p.Count, fields...)
}

func (s *Redis) Release(ctx context.Context, kind, id, owner string) error {
	return s.ownedUpdate(ctx, kind, id, owner, false)
}

// ownedUpdate writes fields and clears the lease, provided owner still holds it.
func (s *Redis) ownedUpdate(ctx context.Context, kind, id, owner string, incr bool, fields ...any) error {
	increment := "0"
	if incr {
		increment = "1"
	}
	args := append([]any{owner, lockMember(kind, id), increment}, fields...)
	args = append(args, "lock_owner", "", "lock_expires_at", "")
	res, err := ownedUpdateScript.Run(ctx, s.client,
		[]string{s.entityKey(kind, id), s.locksKey()}, args...,
	).Int()
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", kind, id, err)
	}
	if res == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// ReclaimExpired walks the lease ZSET up to now and clears each lease that is still
// expired when the script runs.
func (s *Redis) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	members, err := s.client.ZRangeByScore(ctx, s.locksKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: formatMillis(now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}
	var n int64
	for _, member := range members {
		kind, id, ok := strings.Cut(member, "/")
		if !ok {
			continue
		}
		res, err := reclaimScript.Run(ctx, s.client,
			[]string{s.entityKey(kind, id), s.locksKey()},
			member, formatMillis(now),
		).Int()
		if err != nil {
			return n, fmt.Errorf("reclaim %s: %w", member, err)
		}
		n += int64(res)
	}
	return n, nil
}

func (s *Redis) CountByState(ctx context.Context, kind string) (map[string]int64, error) {
	all, err := s.loadKind(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, e := range all {
		out[e.State]++
	}
	return out, nil
}

func (s *Redis) History(ctx context.Context, kind, id string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, s.historyKey(kind, id), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]models.HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var h models.HistoryEntry
		if err := json.Unmarshal([]byte(r), &h); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Redis) loadKind(ctx context.Context, kind string) ([]models.Entity, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s entities: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, s.entityKey(kind, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load %s entities: %w", kind, err)
	}
	out := make([]models.Entity, 0, len(cmds))
	for _, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeEntity(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEntity(f map[string]string) (models.Entity, error) {
	e := models.Entity{
		Kind:  f["kind"],
		ID:    f["id"],
		State: f["state"],
	}
	var err error
	if e.StateChangedAt, err = parseMillis(f["state_changed_at"]); err != nil {
		return models.Entity{}, err
	}
	if e.CreatedAt, err = parseMillis(f["created_at"]); err != nil {
		return models.Entity{}, err
	}
	if e.UpdatedAt, err = parseMillis(f["updated_at"]); err != nil {
		return models.Entity{}, err
	}
	if e.StateAttemptedAt, err = parseOptionalMillis(f["state_attempted_at"]); err != nil {
		return models.Entity{}, err
	}
	if e.LockExpiresAt, err = parseOptionalMillis(f["lock_expires_at"]); err != nil {
		return models.Entity{}, err
	}
	if n := f["attempt_count"]; n != "" {
		if e.AttemptCount, err = strconv.Atoi(n); err != nil {
			return models.Entity{}, fmt.Errorf("decode attempt_count: %w", err)
		}
	}
	e.LockOwner = emptyToNil(f["lock_owner"])
	e.LastError = emptyToNil(f["last_error"])
	if raw := f["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return models.Entity{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return e, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func parseOptionalMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := parseMillis(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local cur = redis.call('HMGET', KEYS[1], 'lock_owner', 'lock_expires_at')
local owner = cur[1] or ''
local expires = cur[2] or ''
if owner ~= ARGV[1] or expires ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'lock_owner', ARGV[3])
redis.call('HSET', KEYS[1], 'lock_expires_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

var ownedUpdateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_owner') ~= ARGV[1] then
  return 0
end
if ARGV[3] == '1' then
  redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
end
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// advanceScript moves the state and appends history in one step. The history push
// goes first so a failing push leaves the record untouched.
var advanceScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lock_owner') ~= ARGV[1] then
  return 0
end
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[3] then
  return 0
end
redis.call('LPUSH', KEYS[3], ARGV[4])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[5]) - 1)
for i = 6, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

var reclaimScript = redis.NewScript(`
local expires = redis.call('HGET', KEYS[1], 'lock_expires_at')
if not expires or expires == '' then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 0
end
if tonumber(expires) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'lock_owner', '')
redis.call('HSET', KEYS[1], 'lock_expires_at', '')
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)
