package registry

import (
	"context"
	"log"
	"strconv"
	"time"
)

const statsTTL = 7 * 24 * time.Hour

// Daily stats counter fields.
const (
	StatQueueJoins   = "queue_joins"
	StatHumanMatches = "human_matches"
	StatAIMatches    = "ai_matches"
)

// DailyStats holds the counters for one UTC day.
type DailyStats struct {
	QueueJoins   int64
	HumanMatches int64
	AIMatches    int64
}

func statsKey(day time.Time) string {
	return "stats:" + day.UTC().Format("2006-01-02")
}

// IncrStat bumps one of today's counters. Failures are logged and
// swallowed: stats are never worth failing a pairing operation over.
func (r *Registry) IncrStat(ctx context.Context, field string) {
	key := statsKey(time.Now())
	if _, err := r.store.HIncrBy(ctx, key, field, 1); err != nil {
		log.Printf("[registry] incr %s.%s: %v", key, field, err)
		return
	}
	if err := r.store.Expire(ctx, key, statsTTL); err != nil {
		log.Printf("[registry] expire %s: %v", key, err)
	}
}

// TodayStats reads today's counters. Missing fields read as zero.
func (r *Registry) TodayStats(ctx context.Context) (DailyStats, error) {
	m, err := r.store.HGetAll(ctx, statsKey(time.Now()))
	if err != nil {
		return DailyStats{}, err
	}

	parse := func(field string) int64 {
		n, _ := strconv.ParseInt(m[field], 10, 64)
		return n
	}
	return DailyStats{
		QueueJoins:   parse(StatQueueJoins),
		HumanMatches: parse(StatHumanMatches),
		AIMatches:    parse(StatAIMatches),
	}, nil
}
