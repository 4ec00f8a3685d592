package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"gopherex.com/execsim/internal/execsim/domain"
)

// RedisStore 多实例共享的去重表，SET NX PX 保证先写者赢
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency decode %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Record(ctx context.Context, key string, exec domain.Execution) (Record, error) {
	if key == "" {
		return Record{}, ErrEmptyKey
	}
	now := s.now().UTC()
	rec := Record{Key: key, Execution: exec, InsertedAt: now, ExpiresAt: now.Add(s.ttl)}
	b, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}

	ok, err := s.rdb.SetNX(ctx, s.key(key), b, s.ttl).Result()
	if err != nil {
		return Record{}, fmt.Errorf("idempotency setnx %s: %w", key, err)
	}
	if ok {
		return rec, nil
	}

	// 别的实例先写了，以它为准
	existing, found, err := s.Lookup(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if !found {
		// 刚好过期，不再重试，返回本次结果
		return rec, nil
	}
	return existing, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
