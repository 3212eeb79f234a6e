package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DispatchService struct {
	tasks        port.TaskRepository
	events       port.TaskEventRepository
	workers      port.WorkerRepository
	ledger       port.CapacityLedger
	cache        port.ValidationCache
	intake       port.TaskIntake
	registry     *RegistryService
	metrics      port.Instrumentation
	expiryBuffer time.Duration
	redispatch   time.Duration
	log          *zap.Logger
}

func NewDispatchService(
	tasks port.TaskRepository,
	events port.TaskEventRepository,
	workers port.WorkerRepository,
	ledger port.CapacityLedger,
	cache port.ValidationCache,
	intake port.TaskIntake,
	registry *RegistryService,
	metrics port.Instrumentation,
	expiryBuffer time.Duration,
	redispatch time.Duration,
	log *zap.Logger,
) *DispatchService {
	return &DispatchService{
		tasks:        tasks,
		events:       events,
		workers:      workers,
		ledger:       ledger,
		cache:        cache,
		intake:       intake,
		registry:     registry,
		metrics:      metrics,
		expiryBuffer: expiryBuffer,
		redispatch:   redispatch,
		log:          log,
	}
}

// Dispatch persists a new task as QUEUED and offers it to candidate workers
func (s *DispatchService) Dispatch(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Status = domain.TaskStatusQueued
	task.ExpiresAt = task.CreatedAt.Add(task.Timeout + s.expiryBuffer)

	if err := s.tasks.Save(ctx, task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return s.Offer(ctx, task)
}

// Offer writes task-event pointers for the selected candidates. Validated
// workers are preferred; with none on record the task is broadcast to the
// whole eligible set and the first claimer that validates proceeds.
func (s *DispatchService) Offer(ctx context.Context, task *domain.Task) error {
	candidates, err := s.SelectCandidates(ctx, task)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		s.log.Warn("No eligible workers for task",
			zap.String("task_id", task.ID),
			zap.String("criteria", task.Criteria))
		return nil
	}

	offered := 0
	for _, worker := range candidates {
		// redispatch must not stack duplicate pointers on a worker that
		// simply has not polled yet
		pending, err := s.events.HasPending(ctx, worker.ID, task.ID, worker.EventCursor)
		if err != nil {
			return fmt.Errorf("check pending event: %w", err)
		}
		if pending {
			continue
		}
		event := &domain.TaskEvent{
			TaskID:    task.ID,
			AccountID: task.AccountID,
			WorkerID:  worker.ID,
			Hint:      task.Criteria,
			Sync:      task.Sync,
			CreatedAt: time.Now(),
		}
		if err := s.events.Append(ctx, event); err != nil {
			return fmt.Errorf("append task event: %w", err)
		}
		offered++
	}

	if offered > 0 {
		s.log.Info("Offered task to workers",
			zap.String("task_id", task.ID),
			zap.Int("candidates", offered))
	}
	return nil
}

// SelectCandidates returns the ordered set of workers the task should be
// offered to. Workers holding a fresh validated=true cache entry for the
// task's criteria win outright, ordered by most-recent validation and then
// by free capacity. Without any cached validation the full eligible set is
// returned (broadcast fallback).
func (s *DispatchService) SelectCandidates(ctx context.Context, task *domain.Task) ([]*domain.Worker, error) {
	all, err := s.workers.ListByAccount(ctx, task.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	now := time.Now()
	type scored struct {
		worker     *domain.Worker
		validUntil time.Time
		free       int
	}

	var eligible []*domain.Worker
	var validated []scored

	for _, worker := range all {
		if !s.registry.Eligible(worker, task, now) {
			continue
		}
		free := worker.DeclaredCapacity
		if snap, err := s.ledger.Snapshot(ctx, worker.ID); err == nil && snap != nil {
			free = snap.Available()
		}
		if free <= 0 {
			// advisory filter only; acquire re-checks authoritatively
			continue
		}
		eligible = append(eligible, worker)

		if task.Criteria == "" {
			continue
		}
		entry, err := s.cache.Get(ctx, worker.ID, task.Criteria)
		if err != nil {
			s.log.Warn("Validation cache lookup failed, treating as miss",
				zap.String("worker_id", worker.ID), zap.Error(err))
			continue
		}
		if entry != nil && entry.Validated {
			validated = append(validated, scored{worker: worker, validUntil: entry.ValidUntil, free: free})
		}
	}

	if len(validated) == 0 {
		return eligible, nil
	}

	sort.Slice(validated, func(i, j int) bool {
		if !validated[i].validUntil.Equal(validated[j].validUntil) {
			return validated[i].validUntil.After(validated[j].validUntil)
		}
		return validated[i].free > validated[j].free
	})

	out := make([]*domain.Worker, len(validated))
	for i, v := range validated {
		out[i] = v.worker
	}
	return out, nil
}

// Run consumes the task intake queue and periodically re-offers tasks that
// are still QUEUED (admission denials and validation failures land here;
// requeued work is picked up on the next cycle)
func (s *DispatchService) Run(ctx context.Context) error {
	if s.intake != nil {
		if err := s.intake.ConsumeTasks(ctx, func(task *domain.Task) error {
			return s.Dispatch(ctx, task)
		}); err != nil {
			return fmt.Errorf("start intake consumer: %w", err)
		}
	}

	ticker := time.NewTicker(s.redispatch)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping dispatch loop")
			return nil
		case <-ticker.C:
			if err := s.RedispatchQueued(ctx); err != nil {
				s.log.Error("Failed to redispatch queued tasks", zap.Error(err))
			}
		}
	}
}

// RedispatchQueued re-offers every QUEUED task to the current candidate set
func (s *DispatchService) RedispatchQueued(ctx context.Context) error {
	queued, err := s.tasks.ListQueued(ctx, 200)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, task := range queued {
		if task.Overdue(now) {
			continue // sweeper's problem
		}
		if err := s.Offer(ctx, task); err != nil {
			s.log.Error("Failed to re-offer task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return nil
}
