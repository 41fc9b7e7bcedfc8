package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stator/internal/models"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test"), mr
}

func TestRedisContract(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		st, _ := newRedisStore(t)
		return st
	})
}

func TestRedisLeaseIndex(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t)
	create(t, st, "fanout", "f1", "new", base)
	claim(t, st, "fanout", "f1", "r1", base.Add(time.Minute))

	members, err := mr.ZMembers("test:locks")
	require.NoError(t, err)
	assert.Equal(t, []string{"fanout/f1"}, members)

	require.NoError(t, st.Release(ctx, "fanout", "f1", "r1"))
	members, _ = mr.ZMembers("test:locks")
	assert.Empty(t, members, "released leases leave the index")
}

func TestRedisReclaimDropsStaleIndexEntries(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t)
	create(t, st, "fanout", "f1", "new", base)
	_, err := mr.ZAdd("test:locks", float64(base.UnixMilli()), "fanout/f1")
	require.NoError(t, err)

	n, err := st.ReclaimExpired(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "an unlocked entity is not counted")
	members, _ := mr.ZMembers("test:locks")
	assert.Empty(t, members)
}

func TestRedisKeysUseDefaultPrefix(t *testing.T) {
	st := NewRedis(nil, "")
	assert.Equal(t, "stator:entity:identity:a", st.entityKey("identity", "a"))
	assert.Equal(t, "stator:index:identity", st.indexKey("identity"))
}

func TestRedisAdvanceIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t)
	create(t, st, "fanout", "f1", "new", base)
	claim(t, st, "fanout", "f1", "r1", base.Add(time.Minute))

	// A history key of the wrong type makes the push fail inside the script.
	require.NoError(t, mr.Set("test:history:fanout:f1", "not-a-list"))

	err := st.Advance(ctx, models.AdvanceParams{
		Kind: "fanout", ID: "f1", Owner: "r1", From: "new", To: "sent", At: base,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrLeaseLost)

	e, err := st.GetEntity(ctx, "fanout", "f1")
	require.NoError(t, err)
	assert.Equal(t, "new", e.State, "state must not move without its history entry")
	assert.True(t, e.OwnedBy("r1"))

	mr.Del("test:history:fanout:f1")
	require.NoError(t, st.Advance(ctx, models.AdvanceParams{
		Kind: "fanout", ID: "f1", Owner: "r1", From: "new", To: "sent", At: base,
	}))
	history, err := st.History(ctx, "fanout", "f1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "sent", history[0].To)
	members, _ := mr.ZMembers("test:locks")
	assert.Empty(t, members)
}
