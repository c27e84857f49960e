// ABOUTME: Redis-backed idempotency store for controllers sharing one key space
// ABOUTME: SETNX reserves a key; the captured response overwrites it with the result TTL

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dockhand:idempotency:"

// RedisStore keeps records in Redis as JSON strings.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	owned  bool
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, ttl: ttl, owned: true}, nil
}

// NewRedisStoreFromClient wraps an existing client. Close leaves it open.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Begin reserves key with SETNX, or returns the record already there.
func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string) (*Record, error) {
	lock, err := json.Marshal(&Record{State: StateLocked, Fingerprint: fingerprint, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("encoding idempotency lock: %w", err)
	}

	// The key can expire between SETNX and GET; one retry covers that window.
	for range 2 {
		ok, err := s.client.SetNX(ctx, redisKeyPrefix+key, lock, LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("reserving idempotency key: %w", err)
		}
		if ok {
			return nil, nil
		}

		data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading idempotency key: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding idempotency record: %w", err)
		}
		return &rec, nil
	}
	return nil, fmt.Errorf("reserving idempotency key: key churned during reservation")
}

// Complete stores the captured response with the result TTL.
func (s *RedisStore) Complete(ctx context.Context, key string, rec *Record) error {
	stored := *rec
	stored.State = StateResult
	stored.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing idempotency record: %w", err)
	}
	return nil
}

// Release deletes key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client if this store created it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
