package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/adapter/storage/memory"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"go.uber.org/zap"
)

// testEnv bundles the in-memory adapters every service test needs
type testEnv struct {
	tasks   port.TaskRepository
	events  port.TaskEventRepository
	workers port.WorkerRepository
	ledger  port.CapacityLedger
	cache   port.ValidationCache
}

func newTestEnv() *testEnv {
	return &testEnv{
		tasks:   memory.NewTaskRepository(),
		events:  memory.NewTaskEventRepository(),
		workers: memory.NewWorkerRepository(),
		ledger:  memory.NewCapacityLedger(),
		cache:   memory.NewValidationCache(),
	}
}

func (e *testEnv) acquisition() *AcquisitionService {
	return NewAcquisitionService(
		e.tasks, e.workers, e.ledger, e.cache,
		port.NoopInstrumentation{}, 5*time.Minute, zap.NewNop())
}

func (e *testEnv) registry() *RegistryService {
	return NewRegistryService(
		e.workers, e.ledger, allowAll{}, activeAccounts{},
		versionRing{"1.8.0", "1.9.0"},
		30*time.Second, zap.NewNop())
}

func (e *testEnv) saveQueuedTask(t *testing.T, id, accountID string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:        id,
		AccountID: accountID,
		Criteria:  "reach-host-x",
		Payload:   []byte(`{"cmd":"probe"}`),
		Format:    domain.FormatV1,
		Timeout:   time.Minute,
		Status:    domain.TaskStatusQueued,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(2 * time.Minute),
	}
	if err := e.tasks.Save(context.Background(), task); err != nil {
		t.Fatalf("save task: %v", err)
	}
	return task
}

func (e *testEnv) grantCapacity(t *testing.T, workerID string, max int) {
	t.Helper()
	if err := e.ledger.RegisterCapacity(context.Background(), workerID, max); err != nil {
		t.Fatalf("register capacity: %v", err)
	}
}

func (e *testEnv) inFlight(t *testing.T, workerID string) int {
	t.Helper()
	snap, err := e.ledger.Snapshot(context.Background(), workerID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap == nil {
		return 0
	}
	return snap.InFlight
}

func TestAcquireExactlyOnce(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")

	const contenders = 16
	for i := 0; i < contenders; i++ {
		env.grantCapacity(t, workerName(i), 4)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			pkg, err := svc.Acquire(ctx, "acct-1", workerID, "task-1")
			if err != nil {
				t.Errorf("acquire by %s: %v", workerID, err)
				return
			}
			if pkg != nil {
				mu.Lock()
				winners = append(winners, workerID)
				mu.Unlock()
			}
		}(workerName(i))
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("got %d winners, want exactly 1", len(winners))
	}

	task, err := env.tasks.GetByID(ctx, "task-1")
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if task.Status != domain.TaskStatusAcquired {
		t.Errorf("status = %s, want ACQUIRED", task.Status)
	}
	if task.AssignedWorkerID != winners[0] {
		t.Errorf("assigned = %s, winner = %s", task.AssignedWorkerID, winners[0])
	}

	// only the winner keeps a slot; every loser's admission was compensated
	for i := 0; i < contenders; i++ {
		want := 0
		if workerName(i) == winners[0] {
			want = 1
		}
		if got := env.inFlight(t, workerName(i)); got != want {
			t.Errorf("in-flight for %s = %d, want %d", workerName(i), got, want)
		}
	}
}

func workerName(i int) string {
	return "worker-" + string(rune('a'+i))
}

func TestAcquireAdmissionDenied(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")
	env.grantCapacity(t, "worker-a", 1)

	first, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-1")
	if err != nil || first == nil {
		t.Fatalf("first acquire: pkg=%v err=%v", first, err)
	}

	env.saveQueuedTask(t, "task-2", "acct-1")
	second, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-2")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatal("expected admission denial, got a package")
	}

	// denial leaves the task queued for the next poll cycle
	task, err := env.tasks.GetByID(ctx, "task-2")
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if task.Status != domain.TaskStatusQueued {
		t.Errorf("status = %s, want QUEUED", task.Status)
	}
	if got := env.inFlight(t, "worker-a"); got != 1 {
		t.Errorf("in-flight = %d, want 1", got)
	}
}

func TestAcquireUnregisteredWorkerDenied(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()

	env.saveQueuedTask(t, "task-1", "acct-1")

	pkg, err := svc.Acquire(context.Background(), "acct-1", "ghost", "task-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if pkg != nil {
		t.Fatal("worker without registered capacity must not be admitted")
	}
}

func TestAcquireAccountMismatch(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()

	env.saveQueuedTask(t, "task-1", "acct-1")
	env.grantCapacity(t, "worker-a", 1)

	if _, err := svc.Acquire(context.Background(), "acct-2", "worker-a", "task-1"); err != domain.ErrAccountMismatch {
		t.Fatalf("err = %v, want ErrAccountMismatch", err)
	}
}

func TestAcquireUnknownTask(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()

	pkg, err := svc.Acquire(context.Background(), "acct-1", "worker-a", "nope")
	if err != nil || pkg != nil {
		t.Fatalf("unknown task: pkg=%v err=%v, want nil,nil", pkg, err)
	}
}

func TestAcquireOverdueTask(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	task := env.saveQueuedTask(t, "task-1", "acct-1")
	task.ExpiresAt = time.Now().Add(-time.Second)
	if err := env.tasks.Save(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}
	env.grantCapacity(t, "worker-a", 1)

	pkg, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if pkg != nil {
		t.Fatal("overdue task must not be handed out")
	}
	if got := env.inFlight(t, "worker-a"); got != 0 {
		t.Errorf("in-flight = %d, want 0", got)
	}
}

func TestReportFailedValidationRequeues(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")
	env.grantCapacity(t, "worker-a", 2)

	if pkg, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-1"); err != nil || pkg == nil {
		t.Fatalf("acquire: pkg=%v err=%v", pkg, err)
	}

	cont, err := svc.ReportConnectionResults(ctx, "acct-1", "worker-a", "task-1",
		[]*domain.ConnectionValidationResult{
			{Criteria: "reach-host-x", Validated: false, DurationMs: 40},
		})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if cont != nil {
		t.Fatal("failed validation must not return a continuation package")
	}

	task, err := env.tasks.GetByID(ctx, "task-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if task.Status != domain.TaskStatusQueued {
		t.Errorf("status = %s, want QUEUED", task.Status)
	}
	if task.AssignedWorkerID != "" {
		t.Errorf("assignment not cleared: %s", task.AssignedWorkerID)
	}
	if got := env.inFlight(t, "worker-a"); got != 0 {
		t.Errorf("in-flight = %d, want 0 after requeue", got)
	}

	// the negative outcome is on record so dispatch won't prefer worker-a
	entry, err := env.cache.Get(ctx, "worker-a", "reach-host-x")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if entry == nil || entry.Validated {
		t.Errorf("cache entry = %+v, want stored validated=false", entry)
	}
}

func TestReportSuccessfulValidationContinues(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")
	env.grantCapacity(t, "worker-a", 2)

	if pkg, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-1"); err != nil || pkg == nil {
		t.Fatalf("acquire: pkg=%v err=%v", pkg, err)
	}

	cont, err := svc.ReportConnectionResults(ctx, "acct-1", "worker-a", "task-1",
		[]*domain.ConnectionValidationResult{
			{Criteria: "reach-host-x", Validated: true, DurationMs: 12},
		})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if cont == nil || cont.TaskID != "task-1" {
		t.Fatalf("continuation = %+v, want package for task-1", cont)
	}

	task, _ := env.tasks.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusExecuting {
		t.Errorf("status = %s, want EXECUTING", task.Status)
	}
	if task.AssignedWorkerID != "worker-a" {
		t.Errorf("assignment = %s, want worker-a", task.AssignedWorkerID)
	}
	if got := env.inFlight(t, "worker-a"); got != 1 {
		t.Errorf("in-flight = %d, want 1 while executing", got)
	}
}

func TestReportForUnknownTaskTolerated(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	// result raced the sweeper or targets a long-gone id; the worker has no
	// recovery action, so this is a no-op rather than a hard failure
	cont, err := svc.ReportConnectionResults(ctx, "acct-1", "worker-a", "never-existed",
		[]*domain.ConnectionValidationResult{
			{Criteria: "reach-host-z", Validated: true, DurationMs: 25},
		})
	if err != nil {
		t.Fatalf("report for unknown task: %v", err)
	}
	if cont != nil {
		t.Fatalf("continuation = %+v, want none", cont)
	}

	// the measured outcome still lands in the routing cache
	entry, err := env.cache.Get(ctx, "worker-a", "reach-host-z")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if entry == nil || !entry.Validated {
		t.Fatalf("cache entry = %+v, want stored validated=true", entry)
	}
}

func TestReportByNonAssignedWorkerIsAdvisory(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")
	env.grantCapacity(t, "worker-a", 1)
	env.grantCapacity(t, "worker-b", 1)

	if pkg, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-1"); err != nil || pkg == nil {
		t.Fatalf("acquire: pkg=%v err=%v", pkg, err)
	}

	// another worker reporting a failure must not disturb the assignment
	cont, err := svc.ReportConnectionResults(ctx, "acct-1", "worker-b", "task-1",
		[]*domain.ConnectionValidationResult{
			{Criteria: "reach-host-x", Validated: false},
		})
	if err != nil || cont != nil {
		t.Fatalf("report: cont=%v err=%v", cont, err)
	}

	task, _ := env.tasks.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusAcquired || task.AssignedWorkerID != "worker-a" {
		t.Errorf("task disturbed: status=%s assigned=%s", task.Status, task.AssignedWorkerID)
	}
}

func TestReportStampsWorkerIDAndDefaultExpiry(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")

	before := time.Now()
	_, err := svc.ReportConnectionResults(ctx, "acct-1", "worker-a", "task-1",
		[]*domain.ConnectionValidationResult{
			{Criteria: "reach-host-y", Validated: true},
		})
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	entry, err := env.cache.Get(ctx, "worker-a", "reach-host-y")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if entry == nil {
		t.Fatal("entry missing")
	}
	if entry.WorkerID != "worker-a" {
		t.Errorf("worker id = %s", entry.WorkerID)
	}
	if entry.ValidUntil.Before(before.Add(4 * time.Minute)) {
		t.Errorf("valid until = %v, want ~5m from now", entry.ValidUntil)
	}
}

func TestCompleteTaskReleasesCapacityOnce(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")
	env.grantCapacity(t, "worker-a", 1)

	if pkg, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-1"); err != nil || pkg == nil {
		t.Fatalf("acquire: pkg=%v err=%v", pkg, err)
	}

	if err := svc.CompleteTask(ctx, "acct-1", "task-1", false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, _ := env.tasks.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", task.Status)
	}
	if got := env.inFlight(t, "worker-a"); got != 0 {
		t.Errorf("in-flight = %d, want 0", got)
	}

	// duplicate delivery of the same result is a tolerated no-op
	if err := svc.CompleteTask(ctx, "acct-1", "task-1", false); err != nil {
		t.Fatalf("duplicate complete: %v", err)
	}
	if got := env.inFlight(t, "worker-a"); got != 0 {
		t.Errorf("in-flight after duplicate = %d, want 0", got)
	}
}

func TestCompleteTaskFailedOutcome(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")
	env.grantCapacity(t, "worker-a", 1)
	if pkg, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-1"); err != nil || pkg == nil {
		t.Fatalf("acquire: pkg=%v err=%v", pkg, err)
	}

	if err := svc.CompleteTask(ctx, "acct-1", "task-1", true); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	task, _ := env.tasks.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusFailed {
		t.Errorf("status = %s, want FAILED", task.Status)
	}
}

func TestCompleteUnknownTaskIsNoop(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()

	if err := svc.CompleteTask(context.Background(), "acct-1", "never-existed", false); err != nil {
		t.Fatalf("complete unknown: %v", err)
	}
}

func TestCompleteExpiredTaskIsNoop(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")
	env.grantCapacity(t, "worker-a", 1)
	if pkg, err := svc.Acquire(ctx, "acct-1", "worker-a", "task-1"); err != nil || pkg == nil {
		t.Fatalf("acquire: pkg=%v err=%v", pkg, err)
	}

	// the sweeper got there first
	if _, err := env.tasks.Transition(ctx, "task-1", nonTerminal, domain.TaskStatusExpired); err != nil {
		t.Fatalf("expire: %v", err)
	}

	if err := svc.CompleteTask(ctx, "acct-1", "task-1", false); err != nil {
		t.Fatalf("stale complete: %v", err)
	}
	task, _ := env.tasks.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusExpired {
		t.Errorf("status = %s, want EXPIRED preserved", task.Status)
	}
}

func TestAbortTask(t *testing.T) {
	env := newTestEnv()
	svc := env.acquisition()
	ctx := context.Background()

	env.saveQueuedTask(t, "task-1", "acct-1")

	if err := svc.AbortTask(ctx, "acct-1", "task-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	task, _ := env.tasks.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusAborted {
		t.Errorf("status = %s, want ABORTED", task.Status)
	}

	// abort of a terminal task is a no-op, not an error
	if err := svc.AbortTask(ctx, "acct-1", "task-1"); err != nil {
		t.Fatalf("second abort: %v", err)
	}
}
