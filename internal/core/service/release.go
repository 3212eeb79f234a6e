package service

import (
	"context"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"go.uber.org/zap"
)

// releaseCapacityOnce frees the admitted slot for a task exactly once. The
// per-task released flag is the guard: a sweeper expiry and a late result
// callback may both try to release, only the first wins.
func releaseCapacityOnce(ctx context.Context, tasks port.TaskRepository, ledger port.CapacityLedger, task *domain.Task, log *zap.Logger) {
	if task.AssignedWorkerID == "" {
		// never admitted, nothing to free
		return
	}
	marked, err := tasks.MarkCapacityReleased(ctx, task.ID)
	if err != nil {
		log.Error("Failed to mark capacity released", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !marked {
		return
	}
	if err := ledger.Release(ctx, task.AssignedWorkerID); err != nil {
		log.Error("Failed to release capacity slot",
			zap.String("task_id", task.ID),
			zap.String("worker_id", task.AssignedWorkerID),
			zap.Error(err))
	}
}
