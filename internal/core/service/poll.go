package service

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"go.uber.org/zap"
)

// HeartbeatPollResponse is the combined answer to the single periodic call
// a worker makes: liveness ack plus a bounded batch of task-event pointers.
// An empty Events slice is the normal, frequent outcome.
type HeartbeatPollResponse struct {
	Heartbeat    *HeartbeatResponse  `json:"heartbeat"`
	Events       []*domain.TaskEvent `json:"events"`
	PollInterval time.Duration       `json:"poll_interval"`
}

type PollService struct {
	registry     *RegistryService
	events       port.TaskEventRepository
	workers      port.WorkerRepository
	batchLimit   int
	pollInterval time.Duration
	log          *zap.Logger
}

func NewPollService(
	registry *RegistryService,
	events port.TaskEventRepository,
	workers port.WorkerRepository,
	batchLimit int,
	pollInterval time.Duration,
	log *zap.Logger,
) *PollService {
	return &PollService{
		registry:     registry,
		events:       events,
		workers:      workers,
		batchLimit:   batchLimit,
		pollInterval: pollInterval,
		log:          log,
	}
}

// TaskEvents returns pending task-event pointers past the worker's cursor.
// Unfiltered polls advance the cursor to the last delivered sequence; a
// syncOnly poll leaves it untouched, since moving past a filtered-out async
// event would drop that event from the feed forever. Sync events may be
// redelivered on the next unfiltered poll; acquisition dedupes.
func (s *PollService) TaskEvents(ctx context.Context, accountID, workerID string, syncOnly bool) ([]*domain.TaskEvent, error) {
	worker, err := s.workers.GetByID(ctx, accountID, workerID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListSince(ctx, workerID, worker.EventCursor, syncOnly, s.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	if !syncOnly && len(events) > 0 {
		last := events[len(events)-1].Seq
		if err := s.workers.UpdateCursor(ctx, accountID, workerID, last); err != nil {
			return nil, fmt.Errorf("advance event cursor: %w", err)
		}
	}
	return events, nil
}

// HeartbeatWithPolling is the single combined endpoint per worker per
// interval: update liveness, then return pending events (never blocking;
// the worker calls again after its client-side delay)
func (s *PollService) HeartbeatWithPolling(ctx context.Context, accountID string, p WorkerParams) (*HeartbeatPollResponse, error) {
	hb, err := s.registry.Heartbeat(ctx, accountID, p)
	if err != nil {
		return nil, err
	}
	events, err := s.TaskEvents(ctx, accountID, p.WorkerID, false)
	if err != nil {
		return nil, err
	}
	return &HeartbeatPollResponse{
		Heartbeat:    hb,
		Events:       events,
		PollInterval: s.pollInterval,
	}, nil
}
