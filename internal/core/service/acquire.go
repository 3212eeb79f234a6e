package service

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"go.uber.org/zap"
)

type AcquisitionService struct {
	tasks         port.TaskRepository
	workers       port.WorkerRepository
	ledger        port.CapacityLedger
	cache         port.ValidationCache
	metrics       port.Instrumentation
	validationTTL time.Duration
	log           *zap.Logger
}

func NewAcquisitionService(
	tasks port.TaskRepository,
	workers port.WorkerRepository,
	ledger port.CapacityLedger,
	cache port.ValidationCache,
	metrics port.Instrumentation,
	validationTTL time.Duration,
	log *zap.Logger,
) *AcquisitionService {
	return &AcquisitionService{
		tasks:         tasks,
		workers:       workers,
		ledger:        ledger,
		cache:         cache,
		metrics:       metrics,
		validationTTL: validationTTL,
		log:           log,
	}
}

// Acquire hands the task to the first caller to win the QUEUED->ACQUIRED
// conditional update. A nil package with a nil error means the caller lost
// the race or was denied admission; both are normal outcomes under
// concurrent polling and the worker should simply poll again.
func (s *AcquisitionService) Acquire(ctx context.Context, accountID, workerID, taskID string) (*domain.TaskPackage, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err == domain.ErrTaskNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.AccountID != accountID {
		return nil, domain.ErrAccountMismatch
	}
	if task.Status != domain.TaskStatusQueued {
		s.metrics.AcquireLost()
		return nil, nil
	}
	if task.Overdue(time.Now()) {
		// the sweeper will transition it; don't hand out overdue work
		return nil, nil
	}

	// admission re-check at acquire time; a denial leaves the task QUEUED
	// for the next poll cycle
	admitted, err := s.ledger.TryAdmit(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("admission check: %w", err)
	}
	if !admitted {
		s.metrics.AdmissionDenied(workerID)
		s.log.Debug("Admission denied at acquire",
			zap.String("worker_id", workerID), zap.String("task_id", taskID))
		return nil, nil
	}

	acquired, err := s.tasks.Acquire(ctx, taskID, workerID)
	if err != nil {
		// compensate the slot we just took
		if rerr := s.ledger.Release(ctx, workerID); rerr != nil {
			s.log.Error("Failed to compensate admission after acquire error", zap.Error(rerr))
		}
		return nil, fmt.Errorf("acquire task: %w", err)
	}
	if acquired == nil {
		if rerr := s.ledger.Release(ctx, workerID); rerr != nil {
			s.log.Error("Failed to compensate admission after lost race", zap.Error(rerr))
		}
		s.metrics.AcquireLost()
		return nil, nil
	}

	s.metrics.AcquireWon()
	s.log.Info("Task acquired",
		zap.String("task_id", taskID),
		zap.String("worker_id", workerID))
	return acquired.Package(), nil
}

// ReportConnectionResults persists the validation outcomes a claiming
// worker observed. The write is advisory for routing; the one authoritative
// effect is that the assigned worker failing its own task's criteria
// returns the task to QUEUED instead of leaving it acquired-but-stuck.
// When the assigned worker validated successfully the task moves to
// EXECUTING and its package is returned as the continuation.
func (s *AcquisitionService) ReportConnectionResults(ctx context.Context, accountID, workerID, taskID string, results []*domain.ConnectionValidationResult) (*domain.TaskPackage, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil && err != domain.ErrTaskNotFound {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task != nil && task.AccountID != accountID {
		return nil, domain.ErrAccountMismatch
	}

	now := time.Now()
	criteriaFailed := false
	for _, r := range results {
		r.WorkerID = workerID
		if r.ValidUntil.IsZero() {
			r.ValidUntil = now.Add(s.validationTTL)
		}
		if err := s.cache.Put(ctx, r); err != nil {
			return nil, fmt.Errorf("store validation result: %w", err)
		}
		if task != nil && r.Criteria == task.Criteria && !r.Validated {
			criteriaFailed = true
		}
	}

	if task == nil {
		// stale id; the validation outcomes are still worth caching
		return nil, nil
	}

	assigned := task.Status == domain.TaskStatusAcquired && task.AssignedWorkerID == workerID
	if !assigned {
		return nil, nil
	}

	if criteriaFailed {
		releaseCapacityOnce(ctx, s.tasks, s.ledger, task, s.log)
		requeued, err := s.tasks.Requeue(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("requeue task: %w", err)
		}
		if requeued {
			s.metrics.TaskRequeued()
			s.log.Info("Task returned to queue after failed validation",
				zap.String("task_id", taskID), zap.String("worker_id", workerID))
		}
		return nil, nil
	}

	if _, err := s.tasks.Transition(ctx, taskID, []domain.TaskStatus{domain.TaskStatusAcquired}, domain.TaskStatusExecuting); err != nil {
		return nil, fmt.Errorf("mark executing: %w", err)
	}
	return task.Package(), nil
}

// CompleteTask finalizes an acquired/executing task. Results for tasks that
// already expired or finished are acked as no-ops: the worker has no useful
// recovery action and must not be driven into a retry storm.
func (s *AcquisitionService) CompleteTask(ctx context.Context, accountID, taskID string, failed bool) error {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err == domain.ErrTaskNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.AccountID != accountID {
		return domain.ErrAccountMismatch
	}
	if task.Status.Terminal() {
		// stale result, tolerate silently
		return nil
	}

	target := domain.TaskStatusCompleted
	if failed {
		target = domain.TaskStatusFailed
	}
	moved, err := s.tasks.Transition(ctx, taskID,
		[]domain.TaskStatus{domain.TaskStatusAcquired, domain.TaskStatusExecuting}, target)
	if err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	if !moved {
		// raced with the sweeper or an abort; stale, tolerate
		return nil
	}
	releaseCapacityOnce(ctx, s.tasks, s.ledger, task, s.log)
	s.log.Info("Task finalized",
		zap.String("task_id", taskID), zap.String("status", string(target)))
	return nil
}

// AbortTask cancels a task cooperatively. The assigned worker observes the
// abort on its next interaction; there is no preemption.
func (s *AcquisitionService) AbortTask(ctx context.Context, accountID, taskID string) error {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.AccountID != accountID {
		return domain.ErrAccountMismatch
	}
	moved, err := s.tasks.Transition(ctx, taskID,
		[]domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusAcquired}, domain.TaskStatusAborted)
	if err != nil {
		return fmt.Errorf("abort task: %w", err)
	}
	if moved {
		releaseCapacityOnce(ctx, s.tasks, s.ledger, task, s.log)
		s.log.Info("Task aborted", zap.String("task_id", taskID))
	}
	return nil
}
