package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calls/cmd/internal/coord"
)

func TestMutex_ConcurrentAcquireExactlyOneWins(t *testing.T) {
	t.Parallel()

	st := coord.NewMemoryStore()
	m := New(st)
	key := coord.NewKeys("").Lock("U1")

	const contenders = 64

	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := m.Acquire(context.Background(), key, 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestMutex_AcquireThenReleaseLeavesKeyAbsent(t *testing.T) {
	t.Parallel()

	st := coord.NewMemoryStore()
	m := New(st)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "lock:U1", time.Second)
	if err != nil || !ok || token == "" {
		t.Fatalf("acquire: token=%q ok=%v err=%v", token, ok, err)
	}

	released, err := m.Release(ctx, "lock:U1", token)
	if err != nil || !released {
		t.Fatalf("release: released=%v err=%v", released, err)
	}
	if _, err := st.Get(ctx, "lock:U1"); !errors.Is(err, coord.ErrNotFound) {
		t.Fatalf("expected key absent after release, got %v", err)
	}
}

func TestMutex_ReleaseWithForeignTokenFails(t *testing.T) {
	t.Parallel()

	st := coord.NewMemoryStore()
	m := New(st)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "lock:U1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	released, err := m.Release(ctx, "lock:U1", "not-"+token)
	if err != nil || released {
		t.Fatalf("foreign release: released=%v err=%v", released, err)
	}
	v, err := st.Get(ctx, "lock:U1")
	if err != nil || v != token {
		t.Fatalf("expected key unchanged, got v=%q err=%v", v, err)
	}
}

func TestMutex_StaleReleaseAfterExpiryIsNoop(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	st := coord.NewMemoryStore(coord.WithClock(clock))
	m := New(st)
	ctx := context.Background()

	first, ok, err := m.Acquire(ctx, "lock:U1", time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	second, ok, err := m.Acquire(ctx, "lock:U1", time.Second)
	if err != nil || !ok {
		t.Fatalf("re-acquire after expiry: ok=%v err=%v", ok, err)
	}

	released, err := m.Release(ctx, "lock:U1", first)
	if err != nil || released {
		t.Fatalf("stale release: released=%v err=%v", released, err)
	}
	if v, _ := st.Get(ctx, "lock:U1"); v != second {
		t.Fatalf("stale release must not touch the new owner's lock: got %q want %q", v, second)
	}
}

func TestMutex_InvalidInput(t *testing.T) {
	t.Parallel()

	m := New(coord.NewMemoryStore(), WithTokenSource(func() string { return "fixed" }))
	ctx := context.Background()

	if _, _, err := m.Acquire(ctx, " ", time.Second); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if _, _, err := m.Acquire(ctx, "lock:U1", 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
	token, ok, err := m.Acquire(ctx, "lock:U1", time.Second)
	if err != nil || !ok || token != "fixed" {
		t.Fatalf("acquire with fixed token: token=%q ok=%v err=%v", token, ok, err)
	}
	if released, err := m.Release(ctx, "lock:U1", ""); err != nil || released {
		t.Fatalf("empty-token release: released=%v err=%v", released, err)
	}
}
