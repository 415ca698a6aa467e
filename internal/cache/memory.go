package cache

import (
	"context"
	"sync"
	"time"

	"github.com/recallgate/recallgate/internal/core"
)

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e memoryEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache is an in-process Cache[T] backed by a map. Expired entries
// are evicted lazily on read and swept by a background janitor. Suitable
// for single-instance deployments and tests; multi-instance deployments
// should use the rueidis backend so purges propagate.
type MemoryCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry[T]
	closed  bool
	stop    chan struct{}

	// single-flight guards for GetWithFetch
	fetchMu sync.Mutex
	fetches map[string]*fetchCall[T]
}

type fetchCall[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// NewMemoryCache creates a memory cache and starts its janitor.
func NewMemoryCache[T any](sweepInterval time.Duration) *MemoryCache[T] {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &MemoryCache[T]{
		entries: make(map[string]memoryEntry[T]),
		stop:    make(chan struct{}),
		fetches: make(map[string]*fetchCall[T]),
	}
	go c.janitor(sweepInterval)
	return c
}

func (c *MemoryCache[T]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *MemoryCache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return zero, ErrCacheClosed
	}
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return zero, ErrCacheMiss
	}
	if entry.expired(time.Now()) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return zero, ErrCacheMiss
	}
	return entry.value, nil
}

func (c *MemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	c.entries[key] = memoryEntry[T]{value: value, expiresAt: expiresAt}
	return nil
}

func (c *MemoryCache[T]) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCacheClosed
	}
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stop)
	c.entries = nil
	return nil
}

func (c *MemoryCache[T]) Health(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrCacheClosed
	}
	return nil
}

// GetWithFetch implements cache-aside with per-key single-flight, so a
// burst of misses on the same key performs one backing fetch.
func (c *MemoryCache[T]) GetWithFetch(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fetchFunc func(ctx context.Context, key string) (T, error),
) (T, error) {
	if value, err := c.Get(ctx, key); err == nil {
		return value, nil
	} else if err == ErrCacheClosed {
		var zero T
		return zero, err
	}

	c.fetchMu.Lock()
	if call, ok := c.fetches[key]; ok {
		c.fetchMu.Unlock()
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	call := &fetchCall[T]{done: make(chan struct{})}
	c.fetches[key] = call
	c.fetchMu.Unlock()

	call.value, call.err = fetchFunc(ctx, key)
	if call.err == nil {
		// best effort; a Set failure does not fail the fetch
		_ = c.Set(ctx, key, call.value, ttl)
	}
	close(call.done)

	c.fetchMu.Lock()
	delete(c.fetches, key)
	c.fetchMu.Unlock()

	return call.value, call.err
}

// Len reports the number of live entries. Used by tests.
func (c *MemoryCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

var _ core.Cache[string] = (*MemoryCache[string])(nil)
