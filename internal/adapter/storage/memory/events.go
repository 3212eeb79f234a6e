package memory

import (
	"context"
	"sync"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
)

type eventRepository struct {
	mu     sync.Mutex
	seq    int64
	events []*domain.TaskEvent
}

// NewTaskEventRepository creates an in-memory task-event feed
func NewTaskEventRepository() port.TaskEventRepository {
	return &eventRepository{}
}

func (r *eventRepository) Append(ctx context.Context, event *domain.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *event
	cp.Seq = r.seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.events = append(r.events, &cp)
	event.Seq = cp.Seq
	return nil
}

func (r *eventRepository) HasPending(ctx context.Context, workerID, taskID string, cursor int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.WorkerID == workerID && e.TaskID == taskID && e.Seq > cursor {
			return true, nil
		}
	}
	return false, nil
}

func (r *eventRepository) ListSince(ctx context.Context, workerID string, cursor int64, syncOnly bool, limit int) ([]*domain.TaskEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.TaskEvent
	for _, e := range r.events {
		if e.WorkerID != workerID || e.Seq <= cursor {
			continue
		}
		if syncOnly && !e.Sync {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
