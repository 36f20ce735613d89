package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	rd "github.com/go-redis/redis/v9"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
)

// RedisConfig addresses the Redis deployment holding escalation timers.
type RedisConfig struct {
	Addrs     []string
	Password  string
	Namespace string
}

// RedisTimerStore keeps escalation timers in a sorted set scored by fire time, so a
// restart loses nothing and due timers are popped in fire order.
type RedisTimerStore struct {
	client rd.UniversalClient
	key    string
}

// NewRedisTimerStore connects a universal client for the configured addresses.
func NewRedisTimerStore(cfg RedisConfig) *RedisTimerStore {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
	})
	return NewRedisTimerStoreWithClient(client, cfg.Namespace)
}

// NewRedisTimerStoreWithClient wraps an existing client.
func NewRedisTimerStoreWithClient(client rd.UniversalClient, namespace string) *RedisTimerStore {
	if namespace == "" {
		namespace = "disbursement"
	}
	return &RedisTimerStore{
		client: client,
		key:    fmt.Sprintf("%s:%s", namespace, "escalation_timers"),
	}
}

// Ping checks connectivity.
func (s *RedisTimerStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisTimerStore) Close() error {
	return s.client.Close()
}

// Arm stores a timer.
func (s *RedisTimerStore) Arm(ctx context.Context, timer EscalationTimer) error {
	payload, err := json.Marshal(timer)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal escalation timer")
	}

	member := rd.Z{
		Score:  float64(timer.FireAt.UnixMilli()),
		Member: payload,
	}
	if err := s.client.ZAdd(ctx, s.key, member).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to arm escalation timer")
	}
	return nil
}

// PopDue removes and returns every timer whose fire time is at or before now. The range
// read and the removal run in one MULTI block so two sweepers never pop the same timer.
func (s *RedisTimerStore) PopDue(ctx context.Context, now time.Time) ([]EscalationTimer, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)

	pipe := s.client.TxPipeline()
	zr := pipe.ZRangeByScore(ctx, s.key, &rd.ZRangeBy{Min: "0", Max: max})
	pipe.ZRemRangeByScore(ctx, s.key, "0", max)
	if _, err := pipe.Exec(ctx); err != nil && err != rd.Nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to pop escalation timers")
	}

	raw, err := zr.Result()
	if err != nil {
		if err == rd.Nil {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read escalation timers")
	}

	timers := make([]EscalationTimer, 0, len(raw))
	for _, member := range raw {
		var t EscalationTimer
		if err := json.Unmarshal([]byte(member), &t); err != nil {
			// corrupt members are already removed
			continue
		}
		timers = append(timers, t)
	}
	return timers, nil
}
