package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-trap/common/logging"
	"github.com/telhawk-systems/telhawk-trap/trap/internal/sink/sinktest"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStoreLoadSave(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewStore(client, "")
	ctx := context.Background()

	id, err := store.Load(ctx, "search")
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, store.Save(ctx, "search", 42))
	require.NoError(t, store.Save(ctx, "search", 17))

	id, err = store.Load(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id, "checkpoints never move backwards")

	val, err := mr.Get(DefaultKeyPrefix + "search")
	require.NoError(t, err)
	assert.Equal(t, "42", val)
}

func TestStoreCorruptValue(t *testing.T) {
	mr, client := setupTestRedis(t)
	require.NoError(t, mr.Set(DefaultKeyPrefix+"x", "not-a-number"))

	_, err := NewStore(client, "").Load(context.Background(), "x")
	assert.Error(t, err)
}

func TestSinkSavesAfterSuccessfulFlush(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewStore(client, "test:")
	inner := sinktest.NewRecordingSink("stream")
	s := Wrap(inner, store, logging.Discard())
	ctx := context.Background()

	inner.FailNext(errors.New("boom"))
	_, err := s.Flush(ctx, sinktest.Batch(1, 5))
	require.Error(t, err)
	cp, err := s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, cp)

	upTo, err := s.Flush(ctx, sinktest.Batch(1, 5))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), upTo)

	cp, err = s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cp)
	assert.Equal(t, "stream", s.Name())
	assert.Same(t, inner, s.Unwrap())
}

func TestSinkFlushSurvivesRedisOutage(t *testing.T) {
	mr, client := setupTestRedis(t)
	s := Wrap(sinktest.NewRecordingSink("stream"), NewStore(client, ""), logging.Discard())
	mr.Close()

	upTo, err := s.Flush(context.Background(), sinktest.Batch(1, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), upTo)
}
