package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/recallgate/recallgate/internal/core"
)

// RueidisCache is a Redis-backed Cache[T] using rueidis with client-side
// caching on reads. Values are stored as JSON under a shared key prefix,
// so deletes issued by one instance invalidate the tracked entries of
// every other instance.
type RueidisCache[T any] struct {
	client rueidis.Client
	prefix string
}

// NewRueidisCache connects to Redis and returns a cache scoped to prefix.
func NewRueidisCache[T any](addr, username, password string, db int, prefix string) (*RueidisCache[T], error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
		Username:    username,
		Password:    password,
		SelectDB:    db,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RueidisCache[T]{client: client, prefix: prefix}, nil
}

func (c *RueidisCache[T]) key(k string) string {
	return c.prefix + ":" + k
}

func (c *RueidisCache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	resp := c.client.DoCache(ctx, c.client.B().Get().Key(c.key(key)).Cache(), 10*time.Second)
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return zero, ErrCacheMiss
		}
		return zero, fmt.Errorf("redis get: %w", err)
	}
	raw, err := resp.AsBytes()
	if err != nil {
		return zero, fmt.Errorf("redis get: %w", err)
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, fmt.Errorf("decode cached value: %w", err)
	}
	return value, nil
}

func (c *RueidisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	cmd := c.client.B().Set().Key(c.key(key)).Value(rueidis.BinaryString(raw)).Ex(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RueidisCache[T]) Delete(ctx context.Context, key string) error {
	cmd := c.client.B().Del().Key(c.key(key)).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *RueidisCache[T]) Close() error {
	c.client.Close()
	return nil
}

func (c *RueidisCache[T]) Health(ctx context.Context) error {
	if err := c.client.Do(ctx, c.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *RueidisCache[T]) GetWithFetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetchFunc func(ctx context.Context, key string) (T, error),
) (T, error) {
	if value, err := c.Get(ctx, key); err == nil {
		return value, nil
	} else if err != ErrCacheMiss {
		var zero T
		return zero, err
	}

	value, err := fetchFunc(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		// serve the fetched value even when the write-back fails
		return value, nil
	}
	return value, nil
}

var _ core.Cache[string] = (*RueidisCache[string])(nil)
