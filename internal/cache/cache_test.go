package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache[string](time.Minute)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemoryCache[string](time.Minute)
	defer c.Close()

	_, err := c.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache[string](time.Minute)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache[string](time.Minute)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCacheClosed(t *testing.T) {
	c := NewMemoryCache[string](time.Minute)
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheClosed)
	assert.ErrorIs(t, c.Set(context.Background(), "k", "v", time.Minute), ErrCacheClosed)
}

func TestMemoryCacheGetWithFetchCachesResult(t *testing.T) {
	c := NewMemoryCache[int](time.Minute)
	defer c.Close()
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (int, error) {
		calls.Add(1)
		return 42, nil
	}

	got, err := c.GetWithFetch(ctx, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	got, err = c.GetWithFetch(ctx, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryCacheGetWithFetchError(t *testing.T) {
	c := NewMemoryCache[int](time.Minute)
	defer c.Close()

	wantErr := errors.New("backing store down")
	_, err := c.GetWithFetch(context.Background(), "k", time.Minute, func(ctx context.Context, key string) (int, error) {
		return 0, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// errors are not cached
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheGetWithFetchSingleFlight(t *testing.T) {
	c := NewMemoryCache[int](time.Minute)
	defer c.Close()
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, key string) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.GetWithFetch(ctx, "hot", time.Minute, fetch)
			require.NoError(t, err)
			results[i] = got
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, got := range results {
		assert.Equal(t, 7, got)
	}
}

func TestMemoryCacheJanitorSweeps(t *testing.T) {
	c := NewMemoryCache[string](20 * time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", 5*time.Millisecond))
	require.NoError(t, c.Set(ctx, "b", "2", time.Minute))

	assert.Eventually(t, func() bool {
		return c.Len() == 1
	}, time.Second, 10*time.Millisecond)
}
