package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
)

type workerRepository struct {
	mu      sync.RWMutex
	workers map[string]*domain.Worker
}

// NewWorkerRepository creates an in-memory worker repository
func NewWorkerRepository() port.WorkerRepository {
	return &workerRepository{workers: make(map[string]*domain.Worker)}
}

func workerKey(accountID, id string) string { return accountID + "/" + id }

func copyWorker(w *domain.Worker) *domain.Worker {
	cp := *w
	cp.Tags = append([]string(nil), w.Tags...)
	return &cp
}

func (r *workerRepository) Upsert(ctx context.Context, worker *domain.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[workerKey(worker.AccountID, worker.ID)] = copyWorker(worker)
	return nil
}

func (r *workerRepository) GetByID(ctx context.Context, accountID, id string) (*domain.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerKey(accountID, id)]
	if !ok {
		return nil, domain.ErrWorkerNotFound
	}
	return copyWorker(w), nil
}

func (r *workerRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Worker
	for _, w := range r.workers {
		if w.AccountID == accountID {
			out = append(out, copyWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *workerRepository) UpdateHeartbeat(ctx context.Context, accountID, id string, at time.Time, declaredCapacity int, pollingMode bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerKey(accountID, id)]
	if !ok {
		return domain.ErrWorkerNotFound
	}
	w.LastHeartbeatAt = at
	w.DeclaredCapacity = declaredCapacity
	w.PollingMode = pollingMode
	w.Status = domain.WorkerStatusActive
	return nil
}

func (r *workerRepository) SetStatus(ctx context.Context, accountID, id string, status domain.WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerKey(accountID, id)]
	if !ok {
		// unregister is idempotent
		return nil
	}
	w.Status = status
	return nil
}

func (r *workerRepository) UpdateCursor(ctx context.Context, accountID, id string, cursor int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerKey(accountID, id)]
	if !ok {
		return domain.ErrWorkerNotFound
	}
	if cursor > w.EventCursor {
		w.EventCursor = cursor
	}
	return nil
}
