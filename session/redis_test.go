package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisStore(rdb, "test", "https://auth.uni.edu/", ttl), mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, 0)

	if sess, err := store.Get(ctx); err != nil || sess != nil {
		t.Fatalf("Get() on empty store = %+v, %v", sess, err)
	}

	err := store.SignIn(ctx, &Session{
		AccessToken: "redis-token",
		User:        json.RawMessage(`{"id":"u7","email":"lin@uni.edu"}`),
	})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if !mr.Exists("test:session:https://auth.uni.edu") {
		t.Fatalf("session key not written; keys = %v", mr.Keys())
	}

	sess, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.AccessToken != "redis-token" || sess.Info().ID != "u7" {
		t.Errorf("Get() = %+v", sess)
	}

	if err := store.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if sess, err := store.Get(ctx); err != nil || sess != nil {
		t.Errorf("Get() after SignOut = %+v, %v", sess, err)
	}
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t, time.Hour)

	if err := store.SignIn(ctx, &Session{AccessToken: "ttl-token"}); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if ttl := mr.TTL("test:session:https://auth.uni.edu"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if sess, err := store.Get(ctx); err != nil || sess != nil {
		t.Errorf("Get() after expiry = %+v, %v", sess, err)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	store := NewRedisStore(rdb, "test", "https://auth.uni.edu", 0)
	mr.Close()

	if _, err := store.Get(ctx); !errors.Is(err, ErrRedisUnavailable) {
		t.Errorf("Get() error = %v, want ErrRedisUnavailable", err)
	}
	if err := store.SignIn(ctx, &Session{AccessToken: "x"}); !errors.Is(err, ErrRedisUnavailable) {
		t.Errorf("SignIn() error = %v, want ErrRedisUnavailable", err)
	}
}

func TestRedisStore_CorruptValue(t *testing.T) {
	store, mr := newTestRedisStore(t, 0)
	if err := mr.Set("test:session:https://auth.uni.edu", "not-json"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(context.Background()); err == nil {
		t.Errorf("Get() on corrupt value should fail")
	}
}
