// Package redisx implements the out.Cache port directly over go-redis;
// the ingest cursor store is the main consumer.
package redisx

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache implements core/port/out.Cache over a single Redis client.
type Cache struct {
	client *redis.Client
}

func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *Cache) GetString(ctx context.Context, key string) (string, error) {
	s, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return s, err
}

func (c *Cache) SetString(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (c *Cache) SetInt(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

func (c *Cache) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	return c.client.IncrBy(ctx, key, value).Result()
}

func (c *Cache) Decr(ctx context.Context, key string) (int64, error) {
	return c.client.Decr(ctx, key).Result()
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, key).Result()
}

func (c *Cache) HGet(ctx context.Context, key, field string) ([]byte, error) {
	b, err := c.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *Cache) HSet(ctx context.Context, key, field string, value []byte) error {
	return c.client.HSet(ctx, key, field, value).Err()
}

func (c *Cache) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (c *Cache) HDel(ctx context.Context, key string, fields ...string) error {
	return c.client.HDel(ctx, key, fields...).Err()
}

func (c *Cache) LPush(ctx context.Context, key string, values ...[]byte) error {
	return c.client.LPush(ctx, key, toAny(values)...).Err()
}

func (c *Cache) RPush(ctx context.Context, key string, values ...[]byte) error {
	return c.client.RPush(ctx, key, toAny(values)...).Err()
}

func (c *Cache) LPop(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.LPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *Cache) RPop(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.RPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *Cache) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := c.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toBytes(vals), nil
}

func (c *Cache) LLen(ctx context.Context, key string) (int64, error) {
	return c.client.LLen(ctx, key).Result()
}

func (c *Cache) SAdd(ctx context.Context, key string, members ...[]byte) error {
	return c.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (c *Cache) SRem(ctx context.Context, key string, members ...[]byte) error {
	return c.client.SRem(ctx, key, toAny(members)...).Err()
}

func (c *Cache) SMembers(ctx context.Context, key string) ([][]byte, error) {
	vals, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return toBytes(vals), nil
}

func (c *Cache) SIsMember(ctx context.Context, key string, member []byte) (bool, error) {
	return c.client.SIsMember(ctx, key, member).Result()
}

func (c *Cache) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *Cache) ZRem(ctx context.Context, key string, members ...[]byte) error {
	return c.client.ZRem(ctx, key, toAny(members)...).Err()
}

func (c *Cache) ZRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := c.client.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return toBytes(vals), nil
}

func (c *Cache) ZRangeByScore(ctx context.Context, key string, min, max float64) ([][]byte, error) {
	vals, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min), Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	return toBytes(vals), nil
}

func (c *Cache) Publish(ctx context.Context, channel string, message []byte) error {
	return c.client.Publish(ctx, channel, message).Err()
}

func (c *Cache) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := c.client.Subscribe(ctx, channel)
	out := make(chan []byte)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				out <- []byte(msg.Payload)
			}
		}
	}()
	return out, nil
}

func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

func (c *Cache) Unlock(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func toAny(bs [][]byte) []any {
	out := make([]any, len(bs))
	for i, b := range bs {
		out[i] = b
	}
	return out
}

func toBytes(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
