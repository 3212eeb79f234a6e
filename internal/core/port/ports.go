// Package port provides behavior interfaces that connect services & storage & handlers.
package port

import (
	"context"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
)

// TaskRepository defines how tasks are persisted. Acquire and Transition are
// atomic conditional updates: the backing store must guarantee that exactly
// one concurrent caller observes the status flip.
type TaskRepository interface {
	Save(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	// Acquire flips QUEUED -> ACQUIRED and stamps the worker in one
	// conditional update. Returns (nil, nil) when the race was lost.
	Acquire(ctx context.Context, taskID, workerID string) (*domain.Task, error)
	// Transition moves the task from one of the given statuses to the target
	// status. Returns false when the current status did not match.
	Transition(ctx context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus) (bool, error)
	// Requeue returns an ACQUIRED task to QUEUED, clearing the assignment
	// and resetting the capacity-released flag.
	Requeue(ctx context.Context, id string) (bool, error)
	// MarkCapacityReleased sets the released flag; returns false when it was
	// already set. Guards against double release.
	MarkCapacityReleased(ctx context.Context, id string) (bool, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)
	ListQueued(ctx context.Context, limit int) ([]*domain.Task, error)
}

// TaskEventRepository defines the per-worker task-event feed
type TaskEventRepository interface {
	Append(ctx context.Context, event *domain.TaskEvent) error
	// ListSince returns events for the worker with seq > cursor, oldest
	// first, bounded by limit. syncOnly narrows to synchronous tasks.
	ListSince(ctx context.Context, workerID string, cursor int64, syncOnly bool, limit int) ([]*domain.TaskEvent, error)
	// HasPending reports whether the worker already holds an undelivered
	// event for the task (seq past the given cursor). Keeps redispatch from
	// stacking duplicate pointers.
	HasPending(ctx context.Context, workerID, taskID string, cursor int64) (bool, error)
}

// WorkerRepository defines how worker identity & liveness are persisted.
// Workers are never hard-deleted on staleness, only excluded from
// eligibility by the services.
type WorkerRepository interface {
	Upsert(ctx context.Context, worker *domain.Worker) error
	GetByID(ctx context.Context, accountID, id string) (*domain.Worker, error)
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Worker, error)
	UpdateHeartbeat(ctx context.Context, accountID, id string, at time.Time, declaredCapacity int, pollingMode bool) error
	SetStatus(ctx context.Context, accountID, id string, status domain.WorkerStatus) error
	UpdateCursor(ctx context.Context, accountID, id string, cursor int64) error
}

// CapacityLedger defines atomic admission control. TryAdmit must never let
// in-flight exceed the registered maximum, even transiently as observed by
// a concurrent admit attempt.
type CapacityLedger interface {
	RegisterCapacity(ctx context.Context, key string, maxConcurrent int) error
	TryAdmit(ctx context.Context, key string) (bool, error)
	// Release decrements in-flight, floored at zero
	Release(ctx context.Context, key string) error
	Snapshot(ctx context.Context, key string) (*domain.CapacityRecord, error)
}

// ValidationCache defines the connection-validation lookup used for
// criteria-based routing. Get returns nil for absent or expired entries.
type ValidationCache interface {
	Put(ctx context.Context, result *domain.ConnectionValidationResult) error
	Get(ctx context.Context, workerID, criteria string) (*domain.ConnectionValidationResult, error)
}

// TaskIntake defines how new tasks enter the control plane (RabbitMQ)
type TaskIntake interface {
	PublishTask(ctx context.Context, task *domain.Task) error
	ConsumeTasks(ctx context.Context, handler func(task *domain.Task) error) error
}

// AllowlistGate is the external source-IP gate consulted for immutable
// workers. Gate failure is treated as "not allowed" (fail closed).
type AllowlistGate interface {
	Allowed(ctx context.Context, accountID, sourceIP string) (bool, error)
}

// AccountGate reports whether an account is still active. Deleted accounts
// cause registration to return a self-destruct directive.
type AccountGate interface {
	Active(ctx context.Context, accountID string) (bool, error)
}

// VersionResolver supplies the ordered acceptable worker versions for an
// account, primary version last.
type VersionResolver interface {
	AcceptableVersions(ctx context.Context, accountID string) ([]string, error)
}

// ResultHandler is an injected collaborator receiving decoded results for
// one (domain, type tag) pair. The router only decodes, classifies and
// forwards; business content is the handler's problem.
type ResultHandler interface {
	Handle(ctx context.Context, correlationID, accountID string, env *domain.Envelope) error
}

// ResultHandlerFunc adapts a function to ResultHandler
type ResultHandlerFunc func(ctx context.Context, correlationID, accountID string, env *domain.Envelope) error

func (f ResultHandlerFunc) Handle(ctx context.Context, correlationID, accountID string, env *domain.Envelope) error {
	return f(ctx, correlationID, accountID, env)
}

// Instrumentation receives protocol counters. The prometheus adapter
// implements it; tests use Noop.
type Instrumentation interface {
	AcquireWon()
	AcquireLost()
	AdmissionDenied(key string)
	TaskExpired()
	TaskRequeued()
	ResultDispatched(domainName, typeTag string, ok bool)
	SetInFlight(key string, n int)
}

// NoopInstrumentation discards every observation
type NoopInstrumentation struct{}

func (NoopInstrumentation) AcquireWon()                          {}
func (NoopInstrumentation) AcquireLost()                         {}
func (NoopInstrumentation) AdmissionDenied(string)               {}
func (NoopInstrumentation) TaskExpired()                         {}
func (NoopInstrumentation) TaskRequeued()                        {}
func (NoopInstrumentation) ResultDispatched(string, string, bool) {}
func (NoopInstrumentation) SetInFlight(string, int)              {}
