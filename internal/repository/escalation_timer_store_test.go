package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestTimerStore(t *testing.T) *RedisTimerStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	store := NewRedisTimerStore(RedisConfig{
		Addrs:     []string{addr},
		Namespace: "test-" + uuid.NewString(),
	})
	require.NoError(t, store.Ping(context.Background()))
	t.Cleanup(func() {
		store.client.Del(context.Background(), store.key)
		store.Close()
	})
	return store
}

func TestRedisTimerStore(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, store *RedisTimerStore){
		"pops only due timers": testPopDue,
		"pops each timer once": testPopOnce,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newTestTimerStore(t))
		})
	}
}

func testPopDue(t *testing.T, store *RedisTimerStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Arm(ctx, EscalationTimer{RequestID: "late", FireAt: now.Add(time.Hour), StepCheckpoint: 5, ArmedAt: now}))
	require.NoError(t, store.Arm(ctx, EscalationTimer{RequestID: "due", FireAt: now.Add(-time.Minute), StepCheckpoint: 5, ArmedAt: now}))

	due, err := store.PopDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "due", due[0].RequestID)
	require.Equal(t, 5, due[0].StepCheckpoint)
	require.True(t, due[0].FireAt.Equal(now.Add(-time.Minute)))

	due, err = store.PopDue(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "late", due[0].RequestID)
}

func testPopOnce(t *testing.T, store *RedisTimerStore) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Arm(ctx, EscalationTimer{RequestID: "req", FireAt: now, StepCheckpoint: 5, ArmedAt: now}))

	due, err := store.PopDue(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)

	due, err = store.PopDue(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, due)
}
