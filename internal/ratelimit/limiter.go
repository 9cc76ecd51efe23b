// Package ratelimit provides shared-store-backed rate limiting using the
// INCR + EXPIRE fixed window algorithm, for throttling matchmaking
// requests per participant and connections per address.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/tourneylab/matchmaking/internal/store"
)

// Rule defines a rate limiting policy: the key prefix, the maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMatchmaking allows 500 matchmaking requests per 5 minutes per
	// participant. This is the development figure; no production figure
	// has been decided yet.
	RuleMatchmaking = Rule{Key: "rl:mm:", Limit: 500, Window: 5 * time.Minute}

	// RuleConnect allows 30 push connections per minute per address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against the shared store.
type Limiter struct {
	store *store.Client
}

// NewLimiter creates a Limiter backed by the shared store.
func NewLimiter(st *store.Client) *Limiter {
	return &Limiter{store: st}
}

// Allow checks whether identifier is within the limit defined by rule,
// incrementing its counter. On store errors the limiter fails open so a
// Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		log.Printf("[ratelimit] incr %s: %v (failing open)", key, err)
		return true, err
	}

	// The first increment defines the window boundary.
	if count == 1 {
		if err := l.store.Expire(ctx, key, rule.Window); err != nil {
			log.Printf("[ratelimit] expire %s: %v (failing open)", key, err)
			// The key has no TTL and would throttle forever; best effort
			// removal.
			l.store.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window. Unknown keys report the full limit; store errors fail open.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, ok, err := l.store.GetInt(ctx, key)
	if err != nil {
		log.Printf("[ratelimit] get %s: %v (failing open)", key, err)
		return rule.Limit, err
	}
	if !ok {
		return rule.Limit, nil
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
