// Package memory provides mutex-guarded in-memory adapters used by unit
// tests and the simulation driver. The conditional-update semantics match
// the postgres adapters exactly.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
)

type taskRepository struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

// NewTaskRepository creates an in-memory task repository
func NewTaskRepository() port.TaskRepository {
	return &taskRepository{tasks: make(map[string]*domain.Task)}
}

func copyTask(t *domain.Task) *domain.Task {
	cp := *t
	cp.Selectors = append([]string(nil), t.Selectors...)
	cp.Payload = append([]byte(nil), t.Payload...)
	return &cp
}

func (r *taskRepository) Save(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = copyTask(task)
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (r *taskRepository) Acquire(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusQueued {
		// someone else got it
		return nil, nil
	}
	t.Status = domain.TaskStatusAcquired
	t.AssignedWorkerID = workerID
	return copyTask(t), nil
}

func (r *taskRepository) Transition(ctx context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, domain.ErrTaskNotFound
	}
	matched := false
	for _, f := range from {
		if t.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	t.Status = to
	if to != domain.TaskStatusAcquired && to != domain.TaskStatusExecuting {
		t.AssignedWorkerID = ""
	}
	return true, nil
}

func (r *taskRepository) Requeue(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, domain.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusAcquired {
		return false, nil
	}
	t.Status = domain.TaskStatusQueued
	t.AssignedWorkerID = ""
	t.CapacityReleased = false
	return true, nil
}

func (r *taskRepository) MarkCapacityReleased(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, domain.ErrTaskNotFound
	}
	if t.CapacityReleased {
		return false, nil
	}
	t.CapacityReleased = true
	return true, nil
}

func (r *taskRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.Status.Terminal() || !t.Overdue(now) {
			continue
		}
		out = append(out, copyTask(t))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *taskRepository) ListQueued(ctx context.Context, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.Status != domain.TaskStatusQueued {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
