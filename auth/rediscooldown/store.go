// Package rediscooldown keeps passcode resend windows in Redis so every process serving
// the same users shares them.
package rediscooldown

import (
	"context"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps failures talking to Redis.
var ErrRedisUnavailable = errors.New("cooldown redis unavailable")

const keyPrefix = "cooldown:"

var _ auth.CooldownStore = (*Store)(nil)

// Store is an auth.CooldownStore using SET NX with a millisecond expiry per window.
type Store struct {
	redis redis.UniversalClient
}

func New(redisClient redis.UniversalClient) *Store {
	return &Store{redis: redisClient}
}

func (s *Store) Acquire(ctx context.Context, key string, window time.Duration) (bool, time.Duration, error) {
	ok, err := s.redis.SetNX(ctx, keyPrefix+key, 1, window).Result()
	if err != nil {
		return false, 0, errors.Wrapf(ErrRedisUnavailable, "[rediscooldown.Acquire] %v", err)
	}
	if ok {
		return true, 0, nil
	}
	remaining, err := s.Remaining(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return false, remaining, nil
}

func (s *Store) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.redis.PTTL(ctx, keyPrefix+key).Result()
	if err != nil {
		return 0, errors.Wrapf(ErrRedisUnavailable, "[rediscooldown.Remaining] %v", err)
	}
	// Missing keys and keys without expiry come back as negative sentinels.
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, keyPrefix+key).Err(); err != nil {
		return errors.Wrapf(ErrRedisUnavailable, "[rediscooldown.Release] %v", err)
	}
	return nil
}
