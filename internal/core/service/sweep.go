package service

import (
	"context"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"go.uber.org/zap"
)

// nonTerminal is the source set for the EXPIRED transition
var nonTerminal = []domain.TaskStatus{
	domain.TaskStatusQueued,
	domain.TaskStatusAcquired,
	domain.TaskStatusExecuting,
}

type SweepService struct {
	tasks    port.TaskRepository
	ledger   port.CapacityLedger
	metrics  port.Instrumentation
	interval time.Duration
	batch    int
	log      *zap.Logger
}

func NewSweepService(
	tasks port.TaskRepository,
	ledger port.CapacityLedger,
	metrics port.Instrumentation,
	interval time.Duration,
	log *zap.Logger,
) *SweepService {
	return &SweepService{
		tasks:    tasks,
		ledger:   ledger,
		metrics:  metrics,
		interval: interval,
		batch:    100,
		log:      log,
	}
}

// Run starts the expiry polling loop
func (s *SweepService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping expiry sweep loop")
			return
		case <-ticker.C:
			expired, err := s.SweepOnce(ctx, time.Now())
			if err != nil {
				s.log.Error("Expiry sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				s.log.Info("Expired overdue tasks", zap.Int("count", expired))
			}
		}
	}
}

// SweepOnce transitions overdue non-terminal tasks to EXPIRED and releases
// their capacity slots exactly once
func (s *SweepService) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.tasks.ListOverdue(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, task := range overdue {
		moved, err := s.tasks.Transition(ctx, task.ID, nonTerminal, domain.TaskStatusExpired)
		if err != nil {
			s.log.Error("Failed to expire task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if !moved {
			continue // finished in the meantime
		}
		releaseCapacityOnce(ctx, s.tasks, s.ledger, task, s.log)
		s.metrics.TaskExpired()
		expired++
	}
	return expired, nil
}
