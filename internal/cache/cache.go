// Package cache implements the Cache Layer (C3): a typed Redis-backed
// key-value, list, set, and sorted-set surface shared by the Market-Data
// Hub, Job System, and session tracking. It generalizes the reference
// bot's pubsub.RedisPubSub wrapper from a single publish/subscribe
// concern to the full data-structure surface the core needs, all on the
// same go-redis/v9 client.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL namespaces per spec §4.3's cache key catalog.
const (
	TTLPrice      = 30 * time.Second
	TTLOrderBook  = 10 * time.Second
	TTLTicker24h  = 300 * time.Second
	TTLSession    = 1800 * time.Second
)

// Cache wraps a redis.Client with the typed operations the rest of the
// core needs, keeping the concrete driver contained to this package.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis using addr (host:port) and db index.
func New(addr string, db int) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &Cache{rdb: client}
}

// Ping verifies connectivity, used by health checks at startup.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Set stores value (JSON-encoded) under key with the given TTL. A zero TTL
// means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Get retrieves the value at key and decodes it into dest. Returns
// redis.Nil (callers should check with errors.Is) if the key is absent.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Exists reports whether key is currently set.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Del removes one or more keys.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Expire refreshes a key's TTL without rewriting its value.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining time-to-live for key.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

// GetMany fetches multiple keys in one round trip. Missing keys are
// omitted from the result map rather than causing an error.
func (c *Cache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

// SetMany stores several key/value pairs with a shared TTL using a
// pipeline, so callers paying for N writes never pay N round trips.
func (c *Cache) SetMany(ctx context.Context, values map[string]any, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal cache value for %s: %w", k, err)
		}
		pipe.Set(ctx, k, data, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteMany removes several keys with a single multi-key DEL command.
func (c *Cache) DeleteMany(ctx context.Context, keys []string) error {
	return c.Del(ctx, keys...)
}

// ClearPrefix deletes every key matching prefix+"*", scanning in batches
// rather than issuing a blocking KEYS command against the shared Redis
// instance.
func (c *Cache) ClearPrefix(ctx context.Context, prefix string) error {
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

// ListPush appends value to the tail of a Redis list.
func (c *Cache) ListPush(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, key, data).Err()
}

// ListPop pops the head of a Redis list (FIFO), blocking is left to
// callers via ListPopBlocking.
func (c *Cache) ListPop(ctx context.Context, key string) ([]byte, error) {
	return c.rdb.LPop(ctx, key).Bytes()
}

// ListPopBlocking blocks up to timeout for an element to appear, the
// primitive the Job System's dispatch loop uses to wait on empty queues
// without busy-polling.
func (c *Cache) ListPopBlocking(ctx context.Context, timeout time.Duration, keys ...string) (key string, value []byte, err error) {
	res, err := c.rdb.BLPop(ctx, timeout, keys...).Result()
	if err != nil {
		return "", nil, err
	}
	if len(res) != 2 {
		return "", nil, fmt.Errorf("unexpected BLPOP result shape")
	}
	return res[0], []byte(res[1]), nil
}

// ListLen reports the length of a Redis list.
func (c *Cache) ListLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// ListRange returns elements [start, stop] (inclusive, Redis semantics).
func (c *Cache) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// ListTrim trims a list to [start, stop], used to bound ring-buffer-style
// lists (recent trades, recent candles) to a fixed capacity.
func (c *Cache) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return c.rdb.LTrim(ctx, key, start, stop).Err()
}

// ListRemove deletes up to count occurrences of the raw, already-encoded
// element raw from a list (count 0 removes every occurrence). The Job
// System uses this to pull a specific job back out of the dead-letter
// list by the exact bytes ListRange handed back.
func (c *Cache) ListRemove(ctx context.Context, key string, count int64, raw string) error {
	return c.rdb.LRem(ctx, key, count, raw).Err()
}

// SortedSetAdd adds member with the given score, used for the Job
// System's delayed/scheduled queue (score = due-at unix millis).
func (c *Cache) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// SortedSetRangeByScore returns members with score in [min, max].
func (c *Cache) SortedSetRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

// SortedSetRemove removes member from the sorted set.
func (c *Cache) SortedSetRemove(ctx context.Context, key string, member string) error {
	return c.rdb.ZRem(ctx, key, member).Err()
}

// SetAdd adds member(s) to a Redis set.
func (c *Cache) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SAdd(ctx, key, args...).Err()
}

// SetRemove removes member(s) from a Redis set.
func (c *Cache) SetRemove(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SRem(ctx, key, args...).Err()
}

// SetMembers returns every member of a Redis set.
func (c *Cache) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}
