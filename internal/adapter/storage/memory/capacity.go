package memory

import (
	"context"
	"sync"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
)

type capacityLedger struct {
	mu      sync.Mutex
	records map[string]*domain.CapacityRecord
}

// NewCapacityLedger creates an in-memory admission ledger
func NewCapacityLedger() port.CapacityLedger {
	return &capacityLedger{records: make(map[string]*domain.CapacityRecord)}
}

func (l *capacityLedger) RegisterCapacity(ctx context.Context, key string, maxConcurrent int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		l.records[key] = &domain.CapacityRecord{Key: key, MaxConcurrent: maxConcurrent}
		return nil
	}
	rec.MaxConcurrent = maxConcurrent
	return nil
}

func (l *capacityLedger) TryAdmit(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		// no declared capacity means no admission
		return false, nil
	}
	if rec.InFlight >= rec.MaxConcurrent {
		return false, nil
	}
	rec.InFlight++
	return true, nil
}

func (l *capacityLedger) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return nil
	}
	if rec.InFlight > 0 {
		rec.InFlight--
	}
	return nil
}

func (l *capacityLedger) Snapshot(ctx context.Context, key string) (*domain.CapacityRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}
