package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type validationCache struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewValidationCache creates a Redis-backed connection-validation cache.
// Entries carry their own TTL so redis handles memory hygiene; an entry
// whose valid_until has passed but which redis has not evicted yet is still
// treated as a miss on read.
func NewValidationCache(client redis.UniversalClient, log *zap.Logger) port.ValidationCache {
	return &validationCache{client: client, log: log}
}

func validationKey(workerID, criteria string) string {
	return fmt.Sprintf("validation:%s:%s", workerID, criteria)
}

func (c *validationCache) Put(ctx context.Context, result *domain.ConnectionValidationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	ttl := time.Until(result.ValidUntil)
	if ttl <= 0 {
		// already expired; keep nothing
		return nil
	}
	return c.client.Set(ctx, validationKey(result.WorkerID, result.Criteria), data, ttl).Err()
}

func (c *validationCache) Get(ctx context.Context, workerID, criteria string) (*domain.ConnectionValidationResult, error) {
	val, err := c.client.Get(ctx, validationKey(workerID, criteria)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result domain.ConnectionValidationResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		c.log.Warn("Corrupt validation cache entry, treating as miss",
			zap.String("worker_id", workerID), zap.Error(err))
		return nil, nil
	}
	if result.Expired(time.Now()) {
		return nil, nil
	}
	return &result, nil
}
