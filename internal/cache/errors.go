package cache

import "errors"

var (
	// ErrCacheMiss is returned when a key is not found or has expired.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCacheClosed is returned when operating on a closed cache.
	ErrCacheClosed = errors.New("cache: closed")
)
