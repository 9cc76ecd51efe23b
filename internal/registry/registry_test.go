package registry

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/tourneylab/matchmaking/internal/store"
)

func setupTestRegistry(t *testing.T) (*Registry, context.Context) {
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

	return New(store.NewClientFromRedis(rdb)), ctx
}

func TestSearchingRecordRoundTrip(t *testing.T) {
	r, ctx := setupTestRegistry(t)

	err := r.SetSearching(ctx, "p1", 3, 7.5, "control", "Avery")
	if err != nil {
		t.Fatalf("set searching: %v", err)
	}

	rec, err := r.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Status != StatusSearching {
		t.Errorf("status = %q, want searching", rec.Status)
	}
	if rec.Round != 3 {
		t.Errorf("round = %d, want 3", rec.Round)
	}
	if rec.SkillLevel != 7.5 {
		t.Errorf("skill = %g, want 7.5", rec.SkillLevel)
	}
	if rec.Name != "Avery" {
		t.Errorf("name = %q, want Avery", rec.Name)
	}
}

func TestMatchedPreservesMetadata(t *testing.T) {
	r, ctx := setupTestRegistry(t)

	if err := r.SetSearching(ctx, "p1", 2, 5.0, "tournament", ""); err != nil {
		t.Fatalf("set searching: %v", err)
	}
	if err := r.SetMatched(ctx, "p1", "match-123"); err != nil {
		t.Fatalf("set matched: %v", err)
	}

	rec, err := r.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusMatched {
		t.Errorf("status = %q, want matched", rec.Status)
	}
	if rec.MatchID != "match-123" {
		t.Errorf("match id = %q, want match-123", rec.MatchID)
	}
	// Metadata written by SetSearching survives the partial update.
	if rec.Round != 2 {
		t.Errorf("round = %d, want 2", rec.Round)
	}
}

func TestStatusOfUnknownParticipant(t *testing.T) {
	r, ctx := setupTestRegistry(t)

	status, err := r.Status(ctx, "ghost")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != "" {
		t.Errorf("status = %q, want empty", status)
	}
}

func TestDailyStatsCounters(t *testing.T) {
	r, ctx := setupTestRegistry(t)

	r.IncrStat(ctx, StatQueueJoins)
	r.IncrStat(ctx, StatQueueJoins)
	r.IncrStat(ctx, StatHumanMatches)
	r.IncrStat(ctx, StatAIMatches)

	stats, err := r.TodayStats(ctx)
	if err != nil {
		t.Fatalf("today stats: %v", err)
	}
	if stats.QueueJoins != 2 {
		t.Errorf("queue_joins = %d, want 2", stats.QueueJoins)
	}
	if stats.HumanMatches != 1 {
		t.Errorf("human_matches = %d, want 1", stats.HumanMatches)
	}
	if stats.AIMatches != 1 {
		t.Errorf("ai_matches = %d, want 1", stats.AIMatches)
	}
}
