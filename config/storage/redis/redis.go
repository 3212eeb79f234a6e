// Package redis provides Redis cache server implimentation logic.
package redis

import (
	"context"
	"time"

	config "github.com/crabzie/Delegate-Task-Control-Plane/config/utils"

	"github.com/gofiber/storage/redis/v3"
	redigo "github.com/redis/go-redis/v9"
)

// Redis holds the raw universal client used by the ledger & validation cache
// adapters plus a fiber storage wrapper consumed by the rate limiter.
type Redis struct {
	Client  redigo.UniversalClient
	Storage *redis.Storage
}

// New creates a new instance of Redis
func New(ctx context.Context, config *config.Redis) (*Redis, error) {
	client := redigo.NewUniversalClient(&redigo.UniversalOptions{
		Addrs:           []string{config.Addr},
		Password:        config.Password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	storage := redis.NewFromConnection(client)

	return &Redis{client, storage}, nil
}
