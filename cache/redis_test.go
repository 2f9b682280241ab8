package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// setupRedis подключается к Redis из REDIS_TEST_URL или пропускает тест
func setupRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	r, err := NewRedis(context.Background(), url)
	if err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisSetGetDel(t *testing.T) {
	r := setupRedis(t)
	ctx := context.Background()
	key := "pairchat-test:" + t.Name()

	if _, err := r.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Fatalf("Expected ErrMiss, got %v", err)
	}
	if err := r.Set(ctx, key, "value", time.Minute); err != nil {
		t.Fatal(err)
	}
	v, err := r.Get(ctx, key)
	if err != nil || v != "value" {
		t.Fatalf("Expected value, got %q %v", v, err)
	}

	n, err := r.Del(ctx, key, key+":missing")
	if err != nil || n != 1 {
		t.Errorf("Expected 1 key deleted, got %d %v", n, err)
	}
	if n, _ := r.Del(ctx); n != 0 {
		t.Errorf("Del without keys should be a no-op, got %d", n)
	}
}

func TestRedisTTL(t *testing.T) {
	r := setupRedis(t)
	ctx := context.Background()
	key := "pairchat-test:" + t.Name()

	if err := r.Set(ctx, key, "short", 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, err := r.Get(ctx, key); !errors.Is(err, ErrMiss) {
		t.Errorf("Expected key to expire, got %v", err)
	}
}

func TestNewRedisBadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not a url"); err == nil {
		t.Error("Expected error for malformed url")
	}
}
