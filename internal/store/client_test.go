package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestClient connects to a test Redis instance on DB 15. Tests are
// skipped if Redis is unavailable.
func setupTestClient(t *testing.T) (*Client, context.Context) {
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

	return NewClientFromRedis(rdb), ctx
}

func TestSortedSetOrdering(t *testing.T) {
	c, ctx := setupTestClient(t)

	// Insert out of score order; range must come back sorted by score.
	if err := c.ZAdd(ctx, "q", 300, "third"); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := c.ZAdd(ctx, "q", 100, "first"); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := c.ZAdd(ctx, "q", 200, "second"); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	members, err := c.ZRangeWithScores(ctx, "q")
	if err != nil {
		t.Fatalf("zrange: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(members) != len(want) {
		t.Fatalf("got %d members, want %d", len(members), len(want))
	}
	for i, w := range want {
		if members[i].Value != w {
			t.Errorf("members[%d] = %q, want %q", i, members[i].Value, w)
		}
	}

	if err := c.ZRem(ctx, "q", "second"); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	n, err := c.ZCard(ctx, "q")
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if n != 2 {
		t.Errorf("cardinality after remove = %d, want 2", n)
	}
}

func TestSetNXSemantics(t *testing.T) {
	c, ctx := setupTestClient(t)

	ok, err := c.SetNX(ctx, "lock", "owner-a", 5*time.Second)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !ok {
		t.Fatal("first SetNX should succeed")
	}

	ok, err = c.SetNX(ctx, "lock", "owner-b", 5*time.Second)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if ok {
		t.Fatal("second SetNX on existing key should fail")
	}
}

func TestCompareAndDelete(t *testing.T) {
	c, ctx := setupTestClient(t)

	if _, err := c.SetNX(ctx, "lock", "owner-a", 5*time.Second); err != nil {
		t.Fatalf("setnx: %v", err)
	}

	// Wrong token must not delete.
	deleted, err := c.CompareAndDelete(ctx, "lock", "owner-b")
	if err != nil {
		t.Fatalf("compare-and-delete: %v", err)
	}
	if deleted {
		t.Fatal("delete with wrong token should be refused")
	}

	deleted, err = c.CompareAndDelete(ctx, "lock", "owner-a")
	if err != nil {
		t.Fatalf("compare-and-delete: %v", err)
	}
	if !deleted {
		t.Fatal("delete with matching token should succeed")
	}
}

func TestHashRoundTrip(t *testing.T) {
	c, ctx := setupTestClient(t)

	fields := map[string]interface{}{
		"status": "searching",
		"round":  "3",
	}
	if err := c.HSetWithTTL(ctx, "participant:x:status", fields, time.Hour); err != nil {
		t.Fatalf("hset: %v", err)
	}

	got, err := c.HGetAll(ctx, "participant:x:status")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if got["status"] != "searching" || got["round"] != "3" {
		t.Errorf("unexpected hash contents: %v", got)
	}

	n, err := c.HIncrBy(ctx, "stats:today", "queue_joins", 1)
	if err != nil {
		t.Fatalf("hincrby: %v", err)
	}
	if n != 1 {
		t.Errorf("first increment = %d, want 1", n)
	}
}
