package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces session keys in Redis.
const KeyPrefix = "callcenter:session:"

// RedisStore keeps sessions in Redis as JSON with a sliding expiry, so any
// instance can resume a call's state.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// DialRedis connects to addr and verifies the server answers PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func key(callID string) string {
	return KeyPrefix + callID
}

// Save implements Store
func (r *RedisStore) Save(ctx context.Context, s *CallSession) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID(), err)
	}
	if err := r.client.Set(ctx, key(s.ID()), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID(), err)
	}
	return nil
}

// Load implements Store
func (r *RedisStore) Load(ctx context.Context, callID string) (*CallSession, error) {
	data, err := r.client.Get(ctx, key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", callID, err)
	}
	return Unmarshal(data)
}

// Delete implements Store
func (r *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := r.client.Del(ctx, key(callID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", callID, err)
	}
	return nil
}
