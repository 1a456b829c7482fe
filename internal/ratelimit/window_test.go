package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisWindow(t *testing.T, limit int) *RedisWindow {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisWindow(rdb, "test:window", limit, time.Minute)
}

func exerciseWindow(t *testing.T, w Window) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, err := w.Reserve(ctx, t0.Add(time.Duration(i)*time.Second))
		if err != nil || !ok {
			t.Fatalf("reserve %d = %v, %v", i, ok, err)
		}
	}
	ok, err := w.Reserve(ctx, t0.Add(10*time.Second))
	if err != nil || ok {
		t.Fatalf("reserve over limit = %v, %v", ok, err)
	}

	st, err := w.State(ctx, t0.Add(10*time.Second))
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Used != 3 || st.Limit != 3 || !st.ResetAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("state = %+v", st)
	}

	// The oldest send ages out exactly one window later.
	ok, err = w.Reserve(ctx, t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("reserve after age-out = %v, %v", ok, err)
	}

	w.SetLimit(5)
	st, _ = w.State(ctx, t0.Add(time.Minute))
	if st.Limit != 5 || st.Used != 3 {
		t.Fatalf("state after SetLimit = %+v", st)
	}
}

func TestMemoryWindow(t *testing.T) {
	t.Parallel()
	exerciseWindow(t, NewMemoryWindow(3, time.Minute))
}

func TestRedisWindow(t *testing.T) {
	exerciseWindow(t, setupRedisWindow(t, 3))
}

func TestRedisWindowSharedAcrossInstances(t *testing.T) {
	a := setupRedisWindow(t, 2)
	b := NewRedisWindow(a.rdb, a.key, 2, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if ok, _ := a.Reserve(ctx, now); !ok {
		t.Fatal("a reserve failed")
	}
	if ok, _ := b.Reserve(ctx, now); !ok {
		t.Fatal("b reserve failed")
	}
	if ok, _ := a.Reserve(ctx, now); ok {
		t.Fatal("shared limit exceeded")
	}
}

func TestMemoryWindowDefaults(t *testing.T) {
	t.Parallel()
	w := NewMemoryWindow(0, 0)
	st, _ := w.State(context.Background(), time.Now())
	if st.Limit != DefaultLimit || st.Window != DefaultWindow {
		t.Fatalf("defaults = %+v", st)
	}
}
