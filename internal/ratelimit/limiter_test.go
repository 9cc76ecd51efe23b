package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tourneylab/matchmaking/internal/store"
)

func setupTestLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(store.NewClientFromRedis(rdb)), ctx
}

func TestAllowUpToLimit(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "p1", rule)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, err := l.Allow(ctx, "p1", rule)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatal("request over limit should be denied")
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	if ok, _ := l.Allow(ctx, "p1", rule); !ok {
		t.Fatal("p1 first request should be allowed")
	}
	if ok, _ := l.Allow(ctx, "p1", rule); ok {
		t.Fatal("p1 second request should be denied")
	}
	if ok, _ := l.Allow(ctx, "p2", rule); !ok {
		t.Fatal("p2 should be unaffected by p1's counter")
	}
}

func TestRemaining(t *testing.T) {
	l, ctx := setupTestLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	n, err := l.Remaining(ctx, "p1", rule)
	if err != nil || n != 5 {
		t.Fatalf("fresh remaining = (%d, %v), want 5", n, err)
	}

	l.Allow(ctx, "p1", rule)
	l.Allow(ctx, "p1", rule)

	n, err = l.Remaining(ctx, "p1", rule)
	if err != nil || n != 3 {
		t.Fatalf("remaining after 2 = (%d, %v), want 3", n, err)
	}
}
