package redis

import (
	"context"
	"fmt"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// admitScript is the atomic check-and-increment: in-flight never exceeds
// the registered maximum, even under arbitrary concurrent callers, because
// redis runs the script single-threaded per key.
var admitScript = redis.NewScript(`
	local max = tonumber(redis.call('HGET', KEYS[1], 'max') or '-1')
	if max < 0 then
		return 0
	end
	local inflight = tonumber(redis.call('HGET', KEYS[1], 'inflight') or '0')
	if inflight >= max then
		return 0
	end
	redis.call('HINCRBY', KEYS[1], 'inflight', 1)
	return 1
`)

// releaseScript decrements in-flight, floored at zero
var releaseScript = redis.NewScript(`
	local inflight = tonumber(redis.call('HGET', KEYS[1], 'inflight') or '0')
	if inflight > 0 then
		redis.call('HINCRBY', KEYS[1], 'inflight', -1)
	end
	return 0
`)

type capacityLedger struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewCapacityLedger creates a Redis-backed admission ledger
func NewCapacityLedger(client redis.UniversalClient, log *zap.Logger) port.CapacityLedger {
	return &capacityLedger{client: client, log: log}
}

func capacityKey(key string) string { return fmt.Sprintf("capacity:%s", key) }

func (l *capacityLedger) RegisterCapacity(ctx context.Context, key string, maxConcurrent int) error {
	return l.client.HSet(ctx, capacityKey(key), "max", maxConcurrent).Err()
}

func (l *capacityLedger) TryAdmit(ctx context.Context, key string) (bool, error) {
	res, err := admitScript.Run(ctx, l.client, []string{capacityKey(key)}).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (l *capacityLedger) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{capacityKey(key)}).Err()
}

func (l *capacityLedger) Snapshot(ctx context.Context, key string) (*domain.CapacityRecord, error) {
	vals, err := l.client.HGetAll(ctx, capacityKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	rec := &domain.CapacityRecord{Key: key}
	fmt.Sscanf(vals["max"], "%d", &rec.MaxConcurrent)
	fmt.Sscanf(vals["inflight"], "%d", &rec.InFlight)
	return rec, nil
}
