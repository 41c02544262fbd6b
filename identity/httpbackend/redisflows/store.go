// Package redisflows keeps pending PKCE verifiers in Redis so a code exchange can happen
// in a different process from the one that started the flow.
package redisflows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jrsteele09/go-auth-session/identity/httpbackend"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "authflow:"

var _ httpbackend.FlowStore = (*Store)(nil)

// Store is an httpbackend.FlowStore. Entries expire after ttl and are removed when taken.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces the keys, for example per application instance or project.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

func New(redisClient redis.UniversalClient, ttl time.Duration, options ...Option) *Store {
	s := &Store{redis: redisClient, prefix: defaultPrefix, ttl: ttl}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Put(ctx context.Context, key string, state *httpbackend.FlowState) error {
	if key == "" {
		return errors.New("[redisflows.Put] key cannot be empty")
	}
	if state == nil {
		return errors.New("[redisflows.Put] state cannot be nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "[redisflows.Put] marshal state")
	}
	if err := s.redis.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "[redisflows.Put]")
	}
	return nil
}

func (s *Store) Take(ctx context.Context, key string) (*httpbackend.FlowState, error) {
	data, err := s.redis.GetDel(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, httpbackend.ErrFlowStateNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[redisflows.Take]")
	}
	var state httpbackend.FlowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(err, "[redisflows.Take] unmarshal state")
	}
	return &state, nil
}
