package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// MonitorState remembers when each scope last raised a dead-letter alert.
// A zero time means the scope never alerted.
type MonitorState interface {
	LastAlertAt(ctx context.Context, scope string) (time.Time, error)
	SetLastAlertAt(ctx context.Context, scope string, at time.Time) error
}

// MemoryMonitorState keeps alert timestamps in process memory.
type MemoryMonitorState struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryMonitorState() *MemoryMonitorState {
	return &MemoryMonitorState{last: make(map[string]time.Time)}
}

func (s *MemoryMonitorState) LastAlertAt(_ context.Context, scope string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[scope], nil
}

func (s *MemoryMonitorState) SetLastAlertAt(_ context.Context, scope string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[scope] = at
	return nil
}

const redisLastAlertPrefix = "dispatch:dlq:last_alert:"

// RedisMonitorState shares alert timestamps between processes so that a
// cooldown holds across replicas.
type RedisMonitorState struct {
	client goredis.Cmdable
	ttl    time.Duration
}

// NewRedisMonitorState stores timestamps under dispatch:dlq:last_alert:<scope>.
// Keys expire after ttl; zero keeps them forever.
func NewRedisMonitorState(client goredis.Cmdable, ttl time.Duration) *RedisMonitorState {
	return &RedisMonitorState{client: client, ttl: ttl}
}

func (s *RedisMonitorState) LastAlertAt(ctx context.Context, scope string) (time.Time, error) {
	v, err := s.client.Get(ctx, redisLastAlertPrefix+scope).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("dispatch/redis: get last alert for %s: %w", scope, err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("dispatch/redis: parse last alert for %s: %w", scope, err)
	}
	return t, nil
}

func (s *RedisMonitorState) SetLastAlertAt(ctx context.Context, scope string, at time.Time) error {
	err := s.client.Set(ctx, redisLastAlertPrefix+scope, at.UTC().Format(time.RFC3339Nano), s.ttl).Err()
	if err != nil {
		return fmt.Errorf("dispatch/redis: set last alert for %s: %w", scope, err)
	}
	return nil
}
