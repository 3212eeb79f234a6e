package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"go.uber.org/zap"
)

// trivial gate implementations for tests

type allowAll struct{}

func (allowAll) Allowed(ctx context.Context, accountID, sourceIP string) (bool, error) {
	return true, nil
}

type denyAll struct{}

func (denyAll) Allowed(ctx context.Context, accountID, sourceIP string) (bool, error) {
	return false, nil
}

type brokenAllowlist struct{}

func (brokenAllowlist) Allowed(ctx context.Context, accountID, sourceIP string) (bool, error) {
	return false, errors.New("gate unreachable")
}

type activeAccounts struct{}

func (activeAccounts) Active(ctx context.Context, accountID string) (bool, error) {
	return true, nil
}

type terminatedAccounts struct{}

func (terminatedAccounts) Active(ctx context.Context, accountID string) (bool, error) {
	return false, nil
}

type versionRing []string

func (v versionRing) AcceptableVersions(ctx context.Context, accountID string) ([]string, error) {
	return v, nil
}

func stdParams(workerID string) WorkerParams {
	return WorkerParams{
		WorkerID:         workerID,
		Hostname:         "host-1",
		Version:          "1.9.0",
		DeclaredCapacity: 3,
		PollingMode:      true,
		Tags:             []string{"linux"},
	}
}

func TestRegisterIssuesTokenAndVersions(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	ctx := context.Background()

	res, err := reg.Register(ctx, "acct-1", stdParams("worker-a"), "10.0.0.5")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res == nil {
		t.Fatal("registration rejected")
	}
	if res.Directive != domain.DirectiveProceed {
		t.Errorf("directive = %v", res.Directive)
	}
	if res.RandomToken == "" {
		t.Error("missing random token")
	}
	if len(res.AcceptableVersions) != 2 || res.AcceptableVersions[1] != "1.9.0" {
		t.Errorf("versions = %v, want primary last", res.AcceptableVersions)
	}

	worker, err := env.workers.GetByID(ctx, "acct-1", "worker-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if worker.Status != domain.WorkerStatusActive {
		t.Errorf("status = %s", worker.Status)
	}

	// capacity was declared for admission
	snap, err := env.ledger.Snapshot(ctx, "worker-a")
	if err != nil || snap == nil {
		t.Fatalf("snapshot: %v %v", snap, err)
	}
	if snap.MaxConcurrent != 3 {
		t.Errorf("max = %d, want 3", snap.MaxConcurrent)
	}
}

func TestRegisterRotatesTokenKeepsCursor(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	ctx := context.Background()

	first, err := reg.Register(ctx, "acct-1", stdParams("worker-a"), "")
	if err != nil || first == nil {
		t.Fatalf("first register: %v %v", first, err)
	}
	if err := env.workers.UpdateCursor(ctx, "acct-1", "worker-a", 42); err != nil {
		t.Fatalf("cursor: %v", err)
	}

	second, err := reg.Register(ctx, "acct-1", stdParams("worker-a"), "")
	if err != nil || second == nil {
		t.Fatalf("re-register: %v %v", second, err)
	}
	if second.RandomToken == first.RandomToken {
		t.Error("token not rotated on re-registration")
	}

	worker, _ := env.workers.GetByID(ctx, "acct-1", "worker-a")
	if worker.EventCursor != 42 {
		t.Errorf("cursor = %d, want preserved 42", worker.EventCursor)
	}
}

func TestRegisterTerminatedAccountSelfDestructs(t *testing.T) {
	env := newTestEnv()
	reg := NewRegistryService(env.workers, env.ledger, allowAll{}, terminatedAccounts{},
		versionRing{}, 30*time.Second, zap.NewNop())

	res, err := reg.Register(context.Background(), "acct-gone", stdParams("worker-a"), "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res == nil || res.Directive != domain.DirectiveSelfDestruct {
		t.Fatalf("result = %+v, want self-destruct directive", res)
	}

	// nothing was admitted into the registry
	if _, err := env.workers.GetByID(context.Background(), "acct-gone", "worker-a"); err != domain.ErrWorkerNotFound {
		t.Errorf("lookup err = %v, want ErrWorkerNotFound", err)
	}
}

func TestRegisterImmutableAllowlist(t *testing.T) {
	params := stdParams("worker-a")
	params.Immutable = true

	cases := []struct {
		name     string
		gate     port.AllowlistGate
		rejected bool
	}{
		{"allowed", allowAll{}, false},
		{"denied", denyAll{}, true},
		{"gate failure fails closed", brokenAllowlist{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv()
			reg := NewRegistryService(env.workers, env.ledger, tc.gate, activeAccounts{},
				versionRing{}, 30*time.Second, zap.NewNop())

			res, err := reg.Register(context.Background(), "acct-1", params, "203.0.113.9")
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if tc.rejected && res != nil {
				t.Fatalf("expected rejection, got %+v", res)
			}
			if !tc.rejected && res == nil {
				t.Fatal("expected acceptance")
			}
		})
	}
}

func TestRegisterMutableSkipsAllowlist(t *testing.T) {
	env := newTestEnv()
	reg := NewRegistryService(env.workers, env.ledger, denyAll{}, activeAccounts{},
		versionRing{}, 30*time.Second, zap.NewNop())

	res, err := reg.Register(context.Background(), "acct-1", stdParams("worker-a"), "203.0.113.9")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res == nil {
		t.Fatal("mutable worker must not be gated on source IP")
	}
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "acct-1", stdParams("worker-a"), ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	before, _ := env.workers.GetByID(ctx, "acct-1", "worker-a")

	time.Sleep(5 * time.Millisecond)
	params := stdParams("worker-a")
	params.DeclaredCapacity = 7
	hb, err := reg.Heartbeat(ctx, "acct-1", params)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if hb.Status != domain.WorkerStatusActive {
		t.Errorf("status = %s", hb.Status)
	}

	after, _ := env.workers.GetByID(ctx, "acct-1", "worker-a")
	if !after.LastHeartbeatAt.After(before.LastHeartbeatAt) {
		t.Error("heartbeat timestamp not advanced")
	}
	if after.DeclaredCapacity != 7 {
		t.Errorf("capacity = %d, want refreshed 7", after.DeclaredCapacity)
	}
	snap, _ := env.ledger.Snapshot(ctx, "worker-a")
	if snap.MaxConcurrent != 7 {
		t.Errorf("ledger max = %d, want refreshed 7", snap.MaxConcurrent)
	}
}

func TestHeartbeatIdempotent(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "acct-1", stdParams("worker-a"), ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := reg.Heartbeat(ctx, "acct-1", stdParams("worker-a")); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}

	workers, _ := env.workers.ListByAccount(ctx, "acct-1")
	if len(workers) != 1 {
		t.Fatalf("got %d worker records, want 1", len(workers))
	}
	snap, _ := env.ledger.Snapshot(ctx, "worker-a")
	if snap.InFlight != 0 {
		t.Errorf("heartbeats must not consume capacity, in-flight = %d", snap.InFlight)
	}
}

func TestHeartbeatBeforeRegistrationUpserts(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	ctx := context.Background()

	hb, err := reg.Heartbeat(ctx, "acct-1", stdParams("worker-a"))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if hb.WorkerID != "worker-a" {
		t.Errorf("worker id = %s", hb.WorkerID)
	}
	if _, err := env.workers.GetByID(ctx, "acct-1", "worker-a"); err != nil {
		t.Errorf("worker not created by heartbeat: %v", err)
	}
}

func TestHeartbeatFixedPoolReRegistersWholesale(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	ctx := context.Background()

	params := stdParams("worker-a")
	params.Type = domain.WorkerTypeFixedPool
	first, err := reg.Register(ctx, "acct-1", params, "")
	if err != nil || first == nil {
		t.Fatalf("register: %v %v", first, err)
	}
	if err := env.workers.UpdateCursor(ctx, "acct-1", "worker-a", 9); err != nil {
		t.Fatalf("cursor: %v", err)
	}

	// the whole record is replayed on every beat
	params.Hostname = "host-replaced"
	params.Tags = []string{"linux", "gpu"}
	hb, err := reg.Heartbeat(ctx, "acct-1", params)
	if err != nil {
		t.Fatalf("fixed-pool heartbeat: %v", err)
	}
	if hb.EventCursor != 9 {
		t.Errorf("cursor = %d, want preserved 9", hb.EventCursor)
	}

	worker, _ := env.workers.GetByID(ctx, "acct-1", "worker-a")
	if worker.Hostname != "host-replaced" {
		t.Errorf("hostname = %s, want replaced", worker.Hostname)
	}
	if len(worker.Tags) != 2 {
		t.Errorf("tags = %v, want replayed", worker.Tags)
	}
	if worker.RandomToken != first.RandomToken {
		t.Error("fixed-pool beat must keep the registration token")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "acct-1", stdParams("worker-a"), ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Unregister(ctx, "acct-1", "worker-a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	worker, _ := env.workers.GetByID(ctx, "acct-1", "worker-a")
	if worker.Status != domain.WorkerStatusInactive {
		t.Errorf("status = %s, want INACTIVE", worker.Status)
	}

	// never registered, still fine
	if err := reg.Unregister(ctx, "acct-1", "ghost"); err != nil {
		t.Fatalf("unregister unknown: %v", err)
	}
}

func TestRegisterCapacityRequiresOwnership(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, "acct-1", stdParams("worker-a"), ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.RegisterCapacity(ctx, "acct-2", "worker-a", 10); err != domain.ErrWorkerNotFound {
		t.Fatalf("cross-account err = %v, want ErrWorkerNotFound", err)
	}
	if err := reg.RegisterCapacity(ctx, "acct-1", "worker-a", 10); err != nil {
		t.Fatalf("register capacity: %v", err)
	}
	snap, _ := env.ledger.Snapshot(ctx, "worker-a")
	if snap.MaxConcurrent != 10 {
		t.Errorf("max = %d, want 10", snap.MaxConcurrent)
	}
}

func TestEligible(t *testing.T) {
	env := newTestEnv()
	reg := env.registry()
	now := time.Now()

	base := &domain.Worker{
		ID:              "worker-a",
		AccountID:       "acct-1",
		Status:          domain.WorkerStatusActive,
		Tags:            []string{"linux", "gpu"},
		LastHeartbeatAt: now,
	}
	task := &domain.Task{ID: "t", AccountID: "acct-1", Selectors: []string{"linux"}}

	if !reg.Eligible(base, task, now) {
		t.Error("healthy matching worker should be eligible")
	}

	stale := *base
	stale.LastHeartbeatAt = now.Add(-time.Minute)
	if reg.Eligible(&stale, task, now) {
		t.Error("stale worker must be excluded")
	}

	inactive := *base
	inactive.Status = domain.WorkerStatusInactive
	if reg.Eligible(&inactive, task, now) {
		t.Error("inactive worker must be excluded")
	}

	foreign := *base
	foreign.AccountID = "acct-2"
	if reg.Eligible(&foreign, task, now) {
		t.Error("cross-account worker must be excluded")
	}

	untagged := *base
	untagged.Tags = []string{"windows"}
	if reg.Eligible(&untagged, task, now) {
		t.Error("worker without required selector must be excluded")
	}
}
