package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "swb:idem:"
	nonceKeyPrefix       = "swb:nonce:"

	defaultIdempotencyTTL = 24 * time.Hour
	defaultNonceWindow    = 5 * time.Minute
)

// NewRedisClient dials Redis and verifies the connection. Callers fall
// back to the in-memory stores when the dial fails.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("Redis connected")
	return client, nil
}

// RedisIdempotencyStore maps idempotency keys to envelope ids via SET NX,
// so replays resolve to the original envelope across instances.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

func (s *RedisIdempotencyStore) PutIfAbsent(ctx context.Context, key, envelopeID string) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, idempotencyKeyPrefix+key, envelopeID, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency setnx: %w", err)
	}
	if ok {
		return "", true, nil
	}
	existing, err := s.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Entry expired between SETNX and GET; retry the claim once.
		ok, err := s.client.SetNX(ctx, idempotencyKeyPrefix+key, envelopeID, s.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("idempotency setnx retry: %w", err)
		}
		if ok {
			return "", true, nil
		}
		existing, err = s.client.Get(ctx, idempotencyKeyPrefix+key).Result()
		if err != nil {
			return "", false, fmt.Errorf("idempotency get: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency get: %w", err)
	}
	return existing, false, nil
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency get: %w", err)
	}
	return v, true, nil
}

// RedisNonceStore deduplicates inbound webhook nonces. The TTL doubles as
// the replay window, so a nonce is rejected exactly as long as a replayed
// timestamp would still pass the skew check.
type RedisNonceStore struct {
	client *redis.Client
	window time.Duration
}

func NewRedisNonceStore(client *redis.Client, window time.Duration) *RedisNonceStore {
	if window <= 0 {
		window = defaultNonceWindow
	}
	return &RedisNonceStore{client: client, window: window}
}

func (s *RedisNonceStore) Seen(ctx context.Context, nonce string) (bool, error) {
	fresh, err := s.client.SetNX(ctx, nonceKeyPrefix+nonce, "1", s.window).Result()
	if err != nil {
		return false, fmt.Errorf("nonce setnx: %w", err)
	}
	return !fresh, nil
}
