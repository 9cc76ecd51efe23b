// Package store wraps the Redis client with the typed operations the
// matchmaking service needs: sorted sets for round queues, hashes for match
// and status records, SET NX PX for distributed locks, and a scripted
// compare-and-delete for safe lock release. All values are stored as
// strings; structured data is JSON-encoded by the caller.
package store

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const monitorInterval = 5 * time.Second

// Member pairs a sorted-set member with its score.
type Member struct {
	Value string
	Score float64
}

// Client is the shared-store client. Callers must tolerate transient
// unavailability: go-redis reconnects on its own, and Connected reports the
// last observed state so background loops can skip a tick instead of
// spamming errors.
type Client struct {
	rdb       *redis.Client
	connected atomic.Bool
	done      chan struct{}

	compareAndDelete *redis.Script
}

// compareAndDeleteLua deletes a key only when its current value equals the
// supplied token. Used for lock release so one holder cannot free a lock
// that has since expired and been re-acquired by another owner.
const compareAndDeleteLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// NewClient connects to Redis at addr and verifies the connection with a
// ping. A background monitor keeps the Connected flag current and logs
// reconnects.
func NewClient(addr string) (*Client, error) {
	c := &Client{
		done:             make(chan struct{}),
		compareAndDelete: redis.NewScript(compareAndDeleteLua),
	}

	c.rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			if !c.connected.Swap(true) {
				log.Printf("[store] connected to redis at %s", addr)
			}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}
	c.connected.Store(true)

	go c.monitor()
	return c, nil
}

// NewClientFromRedis wraps an existing go-redis client. Used by tests that
// manage their own connection and database selection.
func NewClientFromRedis(rdb *redis.Client) *Client {
	c := &Client{
		rdb:              rdb,
		done:             make(chan struct{}),
		compareAndDelete: redis.NewScript(compareAndDeleteLua),
	}
	c.connected.Store(true)
	return c
}

// monitor pings Redis periodically and flips the Connected flag on state
// changes. It is the "reconnecting" signal for callers that poll.
func (c *Client) monitor() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := c.rdb.Ping(ctx).Err()
			cancel()

			was := c.connected.Swap(err == nil)
			if was && err != nil {
				log.Printf("[store] redis unavailable, reconnecting: %v", err)
			}
		}
	}
}

// Connected reports whether the last health check succeeded.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// --- sorted sets ---

// ZAdd inserts member into the sorted set at key with the given score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeWithScores returns the full sorted set in ascending score order.
func (c *Client) ZRangeWithScores(ctx context.Context, key string) ([]Member, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(zs))
	for _, z := range zs {
		s, _ := z.Member.(string)
		members = append(members, Member{Value: s, Score: z.Score})
	}
	return members, nil
}

// ZRem removes members from the sorted set at key.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.ZRem(ctx, key, args...).Err()
}

// ZCard returns the cardinality of the sorted set at key.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

// --- hashes ---

// HSet writes the given fields into the hash at key.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return c.rdb.HSet(ctx, key, fields).Err()
}

// HSetWithTTL writes fields and refreshes the key TTL in one round trip.
func (c *Client) HSetWithTTL(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// HGetAll returns all fields of the hash at key. An empty map means the key
// does not exist.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HIncrBy atomically increments an integer hash field.
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// --- strings / locks ---

// SetNX sets key to value only if the key is absent, with expiry ttl.
// Returns true if the key was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Incr atomically increments the integer at key, creating it at 1.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

// GetInt reads an integer value. Returns (0, false, nil) when the key
// does not exist.
func (c *Client) GetInt(ctx context.Context, key string) (int64, bool, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// CompareAndDelete deletes key only if its value equals expect. Returns
// true if the key was deleted.
func (c *Client) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	n, err := c.compareAndDelete.Run(ctx, c.rdb, []string{key}, expect).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- keys ---

// Keys enumerates keys matching pattern. Only used by garbage collection;
// the key space is small enough (one queue per round) that KEYS is fine.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.rdb.Keys(ctx, pattern).Result()
}

// Expire sets the TTL on key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Close stops the monitor and closes the underlying connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.rdb.Close()
}
