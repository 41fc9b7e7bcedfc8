package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stator/internal/models"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// runContract exercises the behaviour every Store backend must share.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("create is idempotent", func(t *testing.T) { testCreate(t, open(t)) })
	t.Run("fetch due filters and limits", func(t *testing.T) { testFetchDue(t, open(t)) })
	t.Run("claim is compare and swap", func(t *testing.T) { testClaim(t, open(t)) })
	t.Run("claim race has one winner", func(t *testing.T) { testClaimRace(t, open(t)) })
	t.Run("advance resets attempts", func(t *testing.T) { testAdvance(t, open(t)) })
	t.Run("record attempt", func(t *testing.T) { testRecordAttempt(t, open(t)) })
	t.Run("reclaim expired leases", func(t *testing.T) { testReclaim(t, open(t)) })
	t.Run("count by state", func(t *testing.T) { testCountByState(t, open(t)) })
}

func newKind() string {
	return "contract_" + uuid.New().String()[:8]
}

func create(t *testing.T, st Store, kind, id, state string, at time.Time) models.Entity {
	t.Helper()
	e, created, err := st.CreateEntity(context.Background(), CreateParams{
		Kind: kind, ID: id, State: state, At: at,
		Payload: map[string]any{"actor_uri": "https://remote.test/" + id},
	})
	require.NoError(t, err)
	require.True(t, created)
	return e
}

func claim(t *testing.T, st Store, kind, id, owner string, until time.Time) {
	t.Helper()
	e, err := st.GetEntity(context.Background(), kind, id)
	require.NoError(t, err)
	ok, err := st.Claim(context.Background(), e, owner, until)
	require.NoError(t, err)
	require.True(t, ok)
}

func testCreate(t *testing.T, st Store) {
	ctx := context.Background()
	kind := newKind()

	e := create(t, st, kind, "a", "outdated", base)
	assert.Equal(t, "outdated", e.State)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Nil(t, e.LockOwner)
	assert.Nil(t, e.StateAttemptedAt)
	assert.True(t, e.StateChangedAt.Equal(base))
	assert.Equal(t, "https://remote.test/a", e.PayloadString("actor_uri"))

	again, created, err := st.CreateEntity(ctx, CreateParams{Kind: kind, ID: "a", State: "updated"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "outdated", again.State)

	generated, created, err := st.CreateEntity(ctx, CreateParams{Kind: kind, State: "outdated"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, generated.ID)

	_, err = st.GetEntity(ctx, kind, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func testFetchDue(t *testing.T, st Store) {
	ctx := context.Background()
	kind := newKind()
	now := base.Add(time.Hour)

	create(t, st, kind, "fresh", "new", base)
	create(t, st, kind, "recent", "new", base)
	create(t, st, kind, "done", "new", base)
	create(t, st, kind, "locked", "new", base)
	create(t, st, kind, "expired", "new", base.Add(time.Second))

	claim(t, st, kind, "recent", "r1", now.Add(time.Minute))
	require.NoError(t, st.RecordAttempt(ctx, models.AttemptParams{
		Kind: kind, ID: "recent", Owner: "r1", Count: true, At: now.Add(-10 * time.Second),
	}))

	claim(t, st, kind, "done", "r1", now.Add(time.Minute))
	require.NoError(t, st.Advance(ctx, models.AdvanceParams{
		Kind: kind, ID: "done", Owner: "r1", From: "new", To: "sent", At: now,
	}))

	claim(t, st, kind, "locked", "r2", now.Add(5*time.Minute))
	claim(t, st, kind, "expired", "r3", now.Add(-time.Second))

	q := models.DueQuery{
		Kind:    kind,
		Cutoffs: map[string]time.Time{"new": now.Add(-30 * time.Second)},
		Now:     now,
		Limit:   10,
	}
	due, err := st.FetchDue(ctx, q)
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"fresh", "expired"}, ids)

	q.Limit = 1
	due, err = st.FetchDue(ctx, q)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "fresh", due[0].ID)

	q.Limit = 10
	q.Now = now.Add(time.Minute)
	due, err = st.FetchDue(ctx, q)
	require.NoError(t, err)
	assert.Len(t, due, 3, "recent is due again once its try interval has passed")
}

func testClaim(t *testing.T, st Store) {
	ctx := context.Background()
	kind := newKind()
	snapshot := create(t, st, kind, "g", "new", base)

	ok, err := st.Claim(ctx, snapshot, "runner-a", base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Claim(ctx, snapshot, "runner-b", base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "stale snapshot must lose")

	cur, err := st.GetEntity(ctx, kind, "g")
	require.NoError(t, err)
	require.NotNil(t, cur.LockOwner)
	assert.Equal(t, "runner-a", *cur.LockOwner)
	require.NotNil(t, cur.LockExpiresAt)
	assert.True(t, cur.LockExpiresAt.Equal(base.Add(5*time.Minute)))

	require.NoError(t, st.Release(ctx, kind, "g", "runner-a"))
	assert.True(t, errors.Is(st.Release(ctx, kind, "g", "runner-a"), models.ErrLeaseLost))

	ok, err = st.Claim(ctx, models.Entity{Kind: kind, ID: "missing"}, "runner-a", base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testClaimRace(t *testing.T, st Store) {
	ctx := context.Background()
	kind := newKind()
	snapshot := create(t, st, kind, "g", "new", base)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.Claim(ctx, snapshot, "runner-"+string(rune('a'+i)), base.Add(time.Minute))
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testAdvance(t *testing.T, st Store) {
	ctx := context.Background()
	kind := newKind()
	create(t, st, kind, "e", "outdated", base)

	claim(t, st, kind, "e", "r1", base.Add(time.Minute))
	msg := "timeout"
	require.NoError(t, st.RecordAttempt(ctx, models.AttemptParams{
		Kind: kind, ID: "e", Owner: "r1", Count: true, At: base.Add(time.Second), LastError: &msg,
	}))
	claim(t, st, kind, "e", "r1", base.Add(time.Minute))

	err := st.Advance(ctx, models.AdvanceParams{
		Kind: kind, ID: "e", Owner: "someone-else", From: "outdated", To: "updated", At: base,
	})
	assert.True(t, errors.Is(err, models.ErrLeaseLost))

	at := base.Add(2 * time.Minute)
	require.NoError(t, st.Advance(ctx, models.AdvanceParams{
		Kind: kind, ID: "e", Owner: "r1", From: "outdated", To: "updated", At: at,
		Data: map[string]any{"inbox": "https://remote.test/inbox"}, Detail: "fetch",
	}))

	e, err := st.GetEntity(ctx, kind, "e")
	require.NoError(t, err)
	assert.Equal(t, "updated", e.State)
	assert.Equal(t, 0, e.AttemptCount)
	assert.True(t, e.StateChangedAt.Equal(at))
	assert.Nil(t, e.StateAttemptedAt)
	assert.Nil(t, e.LockOwner)
	assert.Nil(t, e.LockExpiresAt)
	assert.Nil(t, e.LastError)
	assert.Equal(t, "https://remote.test/inbox", e.PayloadString("inbox"))
	assert.Equal(t, "https://remote.test/e", e.PayloadString("actor_uri"))

	history, err := st.History(ctx, kind, "e", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "outdated", history[0].From)
	assert.Equal(t, "updated", history[0].To)
	assert.Equal(t, "fetch", history[0].Detail)
}

func testRecordAttempt(t *testing.T, st Store) {
	ctx := context.Background()
	kind := newKind()
	create(t, st, kind, "e", "new", base)

	claim(t, st, kind, "e", "r1", base.Add(time.Minute))
	msg := "remote returned 503"
	require.NoError(t, st.RecordAttempt(ctx, models.AttemptParams{
		Kind: kind, ID: "e", Owner: "r1", Count: true, At: base.Add(time.Second), LastError: &msg,
	}))

	e, err := st.GetEntity(ctx, kind, "e")
	require.NoError(t, err)
	assert.Equal(t, 1, e.AttemptCount)
	require.NotNil(t, e.StateAttemptedAt)
	assert.True(t, e.StateAttemptedAt.Equal(base.Add(time.Second)))
	require.NotNil(t, e.LastError)
	assert.Equal(t, msg, *e.LastError)
	assert.Nil(t, e.LockOwner)

	claim(t, st, kind, "e", "r1", base.Add(time.Minute))
	require.NoError(t, st.RecordAttempt(ctx, models.AttemptParams{
		Kind: kind, ID: "e", Owner: "r1", Count: false, At: base.Add(2 * time.Second),
	}))
	e, err = st.GetEntity(ctx, kind, "e")
	require.NoError(t, err)
	assert.Equal(t, 1, e.AttemptCount, "deferred attempts are not counted")
	assert.True(t, e.StateAttemptedAt.Equal(base.Add(2*time.Second)))

	err = st.RecordAttempt(ctx, models.AttemptParams{Kind: kind, ID: "e", Owner: "r1", Count: true, At: base})
	assert.True(t, errors.Is(err, models.ErrLeaseLost))
}

func testReclaim(t *testing.T, st Store) {
	ctx := context.Background()
	kind := newKind()
	create(t, st, kind, "live", "new", base)
	create(t, st, kind, "stale", "new", base)

	now := base.Add(time.Hour)
	claim(t, st, kind, "live", "runner-a", now.Add(time.Minute))
	claim(t, st, kind, "stale", "runner-b", now.Add(-time.Second))

	n, err := st.ReclaimExpired(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	stale, err := st.GetEntity(ctx, kind, "stale")
	require.NoError(t, err)
	assert.Nil(t, stale.LockOwner)
	assert.Nil(t, stale.LockExpiresAt)

	live, err := st.GetEntity(ctx, kind, "live")
	require.NoError(t, err)
	require.NotNil(t, live.LockOwner)
	assert.Equal(t, "runner-a", *live.LockOwner)

	_, err = st.ReclaimExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	live, err = st.GetEntity(ctx, kind, "live")
	require.NoError(t, err)
	assert.Nil(t, live.LockOwner)

	ok, err := st.Claim(ctx, live, "runner-c", now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "reclaimed entity is claimable again")
}

func testCountByState(t *testing.T, st Store) {
	ctx := context.Background()
	kind := newKind()
	create(t, st, kind, "a", "new", base)
	create(t, st, kind, "b", "new", base)
	create(t, st, kind, "c", "new", base)
	claim(t, st, kind, "c", "r1", base.Add(time.Minute))
	require.NoError(t, st.Advance(ctx, models.AdvanceParams{Kind: kind, ID: "c", Owner: "r1", From: "new", To: "sent", At: base}))

	counts, err := st.CountByState(ctx, kind)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"new": 2, "sent": 1}, counts)
}
