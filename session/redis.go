package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport failures talking to Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisStore keeps the session as a JSON value under one Redis key, for
// setups where several machines share a sign-in.
type RedisStore struct {
	rdb   redis.UniversalClient
	key   string
	ttl   time.Duration
	clock clockwork.Clock
}

// NewRedisStore returns a store under "<prefix>:session:<authURL>". ttl <= 0
// keeps the key until sign-out.
func NewRedisStore(rdb redis.UniversalClient, prefix, authURL string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "campus"
	}
	return &RedisStore{
		rdb:   rdb,
		key:   prefix + ":session:" + normalizeKey(authURL),
		ttl:   ttl,
		clock: clockwork.NewRealClock(),
	}
}

func (s *RedisStore) Get(ctx context.Context) (*Session, error) {
	raw, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) SignIn(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	stored := *sess
	stored.UpdatedAt = s.clock.Now()
	raw, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *RedisStore) SignOut(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
