package coord

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

// Integration tests are enabled when CALLS_TEST_REDIS_ADDR is set.
// This keeps local "go test ./..." fast & deterministic without requiring Redis.

func TestRedisStore_Contract(t *testing.T) {
	st := mustOpenTestRedis(t)
	defer func() { _ = st.Close() }()

	runStoreContract(t, st, nil)
}

func TestRedisStore_UnavailableWrapsCause(t *testing.T) {
	t.Parallel()

	// Port 1 is reserved; dialing it fails fast.
	st := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}))
	defer func() { _ = st.Close() }()

	_, err := st.Get(context.Background(), "k")
	if err == nil {
		t.Fatalf("expected error from unreachable redis")
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) || ue.Op != "get" {
		t.Fatalf("expected UnavailableError{Op:get}, got %#v", err)
	}
}

func mustOpenTestRedis(t *testing.T) *RedisStore {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("CALLS_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("CALLS_TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	st, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	return st
}
