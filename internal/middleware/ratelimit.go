package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	libredis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/recallgate/recallgate/internal/config"
)

// NewRateLimiter builds the per-IP rate limit middleware. The memory
// store is per-instance; multi-instance deployments configure the redis
// store so limits hold across replicas.
func NewRateLimiter(cfg *config.Config) (gin.HandlerFunc, error) {
	rate := limiter.Rate{
		Period: time.Minute,
		Limit:  int64(cfg.RateLimitPerMinute),
	}

	var store limiter.Store
	switch cfg.RateLimitStore {
	case config.RateLimitStoreRedis:
		client := libredis.NewClient(&libredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		var err error
		store, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{
			Prefix: "recallgate:ratelimit",
		})
		if err != nil {
			return nil, fmt.Errorf("create redis rate limit store: %w", err)
		}
	case config.RateLimitStoreMemory:
		store = memory.NewStore()
	default:
		return nil, fmt.Errorf("unsupported rate limit store: %s", cfg.RateLimitStore)
	}

	return mgin.NewMiddleware(limiter.New(store, rate)), nil
}
