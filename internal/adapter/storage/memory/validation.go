package memory

import (
	"context"
	"sync"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
)

type validationCache struct {
	mu      sync.RWMutex
	entries map[string]*domain.ConnectionValidationResult
	now     func() time.Time
}

// NewValidationCache creates an in-memory connection-validation cache.
// Expired entries are skipped on read, never swept.
func NewValidationCache() port.ValidationCache {
	return &validationCache{
		entries: make(map[string]*domain.ConnectionValidationResult),
		now:     time.Now,
	}
}

func validationKey(workerID, criteria string) string { return workerID + "|" + criteria }

func (c *validationCache) Put(ctx context.Context, result *domain.ConnectionValidationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *result
	// newest write wins
	c.entries[validationKey(result.WorkerID, result.Criteria)] = &cp
	return nil
}

func (c *validationCache) Get(ctx context.Context, workerID, criteria string) (*domain.ConnectionValidationResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[validationKey(workerID, criteria)]
	if !ok || entry.Expired(c.now()) {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}
