// Package session provides the Redis backend for canvas edit-session leases.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"teamcanvas/api/internal/store"
)

// Lease hashes hold holder_id, holder_name, acquired_at and heartbeat_at
// (unix millis). The key TTL is the lease timeout, so an abandoned lease
// disappears on its own.
var (
	acquireScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'holder_id')
if cur and cur ~= ARGV[1] then
	local h = redis.call('HMGET', KEYS[1], 'holder_id', 'holder_name', 'acquired_at', 'heartbeat_at')
	return {0, h[1], h[2], h[3], h[4]}
end
local acquired = ARGV[3]
if cur == ARGV[1] then
	acquired = redis.call('HGET', KEYS[1], 'acquired_at')
end
redis.call('HSET', KEYS[1], 'holder_id', ARGV[1], 'holder_name', ARGV[2], 'acquired_at', acquired, 'heartbeat_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, ARGV[1], ARGV[2], acquired, ARGV[3]}
`)

	heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder_id') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder_id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisStore implements edit-session leases using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed lease store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "canvas-lock:",
		now:    time.Now,
	}
}

func (s *RedisStore) key(canvasID string) string {
	return s.prefix + canvasID
}

// AcquireLease grants the lease when it is free or already held by holderID.
// Otherwise it returns the current holder's lease with granted false.
func (s *RedisStore) AcquireLease(ctx context.Context, canvasID, holderID, holderName string, ttl time.Duration) (store.Lease, bool, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{s.key(canvasID)},
		holderID, holderName, s.now().UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return store.Lease{}, false, fmt.Errorf("acquire lease: %w", err)
	}
	if len(res) != 5 {
		return store.Lease{}, false, fmt.Errorf("acquire lease: unexpected reply %v", res)
	}
	granted, _ := res[0].(int64)
	lease := store.Lease{
		CanvasID:        canvasID,
		HolderID:        str(res[1]),
		HolderName:      str(res[2]),
		AcquiredAt:      millis(res[3]),
		LastHeartbeatAt: millis(res[4]),
	}
	return lease, granted == 1, nil
}

// HeartbeatLease renews the lease. It reports false when holderID no longer
// holds it.
func (s *RedisStore) HeartbeatLease(ctx context.Context, canvasID, holderID string, ttl time.Duration) (bool, error) {
	n, err := heartbeatScript.Run(ctx, s.client, []string{s.key(canvasID)},
		holderID, s.now().UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease deletes the lease if holderID holds it
func (s *RedisStore) ReleaseLease(ctx context.Context, canvasID, holderID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(canvasID)}, holderID).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// CurrentLease returns the live lease of the canvas, if any. Expiry is left
// to the key TTL.
func (s *RedisStore) CurrentLease(ctx context.Context, canvasID string, _ time.Duration) (store.Lease, bool, error) {
	h, err := s.client.HGetAll(ctx, s.key(canvasID)).Result()
	if err != nil {
		return store.Lease{}, false, fmt.Errorf("read lease: %w", err)
	}
	if h["holder_id"] == "" {
		return store.Lease{}, false, nil
	}
	return store.Lease{
		CanvasID:        canvasID,
		HolderID:        h["holder_id"],
		HolderName:      h["holder_name"],
		AcquiredAt:      millis(h["acquired_at"]),
		LastHeartbeatAt: millis(h["heartbeat_at"]),
	}, true, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func millis(v any) time.Time {
	ms, err := strconv.ParseInt(str(v), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
