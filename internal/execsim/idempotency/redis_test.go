package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherex.com/execsim/pkg/xredis"
)

// 需要真实 redis：EXEC_SIM_TEST_REDIS=localhost:6379
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("EXEC_SIM_TEST_REDIS")
	if addr == "" {
		t.Skip("EXEC_SIM_TEST_REDIS not set")
	}
	rdb, err := xredis.NewRedis(context.Background(), xredis.Config{Addr: addr, PoolSize: 4})
	require.NoError(t, err)
	s := NewRedisStore(rdb, "exec-sim:test:"+uuid.NewString()+":", time.Minute)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_FirstWriteWins(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, ok, err := s.Lookup(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := s.Record(ctx, "t1", exec("t1", "fill_a"))
	require.NoError(t, err)
	second, err := s.Record(ctx, "t1", exec("t1", "fill_b"))
	require.NoError(t, err)
	assert.Equal(t, "fill_a", second.Execution.Fill.FillID)
	assert.True(t, first.InsertedAt.Equal(second.InsertedAt))

	got, ok, err := s.Lookup(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Execution, got.Execution)
}

func TestRedisStore_TTL(t *testing.T) {
	s := newTestRedisStore(t)
	s.ttl = 50 * time.Millisecond
	ctx := context.Background()

	_, err := s.Record(ctx, "short", exec("short", "x"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok, _ := s.Lookup(ctx, "short")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}
