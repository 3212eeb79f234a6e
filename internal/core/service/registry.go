package service

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkerParams is the identity/capability snapshot a worker sends on
// register and heartbeat calls
type WorkerParams struct {
	WorkerID         string
	Hostname         string
	Version          string
	Type             domain.WorkerType
	PollingMode      bool
	Immutable        bool
	ConnectedViaMTLS bool
	DeclaredCapacity int
	Tags             []string
}

// RegistrationResult is returned on successful registration. A nil result
// with a nil error means the registration was rejected (fail closed, no
// detail for the caller).
type RegistrationResult struct {
	WorkerID           string                       `json:"worker_id"`
	RandomToken        string                       `json:"random_token"`
	Directive          domain.RegistrationDirective `json:"directive"`
	AcceptableVersions []string                     `json:"acceptable_versions"` // primary last
}

// HeartbeatResponse summarizes registry state after a heartbeat
type HeartbeatResponse struct {
	WorkerID    string              `json:"worker_id"`
	Status      domain.WorkerStatus `json:"status"`
	EventCursor int64               `json:"event_cursor"`
}

type RegistryService struct {
	workers   port.WorkerRepository
	ledger    port.CapacityLedger
	allowlist port.AllowlistGate
	accounts  port.AccountGate
	versions  port.VersionResolver
	liveness  time.Duration
	log       *zap.Logger
}

func NewRegistryService(
	workers port.WorkerRepository,
	ledger port.CapacityLedger,
	allowlist port.AllowlistGate,
	accounts port.AccountGate,
	versions port.VersionResolver,
	liveness time.Duration,
	log *zap.Logger,
) *RegistryService {
	return &RegistryService{
		workers:   workers,
		ledger:    ledger,
		allowlist: allowlist,
		accounts:  accounts,
		versions:  versions,
		liveness:  liveness,
		log:       log,
	}
}

// Register admits a worker into the registry. Immutable workers pass
// through the source-IP allowlist gate first; a gate failure rejects the
// registration outright. Deleted accounts get a self-destruct directive so
// the worker can shut itself down instead of retrying forever.
func (s *RegistryService) Register(ctx context.Context, accountID string, p WorkerParams, sourceIP string) (*RegistrationResult, error) {
	active, err := s.accounts.Active(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	if !active {
		s.log.Info("Registration for terminated account, issuing self-destruct",
			zap.String("account_id", accountID), zap.String("worker_id", p.WorkerID))
		return &RegistrationResult{WorkerID: p.WorkerID, Directive: domain.DirectiveSelfDestruct}, nil
	}

	if p.Immutable {
		allowed, err := s.allowlist.Allowed(ctx, accountID, sourceIP)
		if err != nil {
			// fail closed
			s.log.Warn("Allowlist gate failed, rejecting registration",
				zap.String("worker_id", p.WorkerID), zap.Error(err))
			return nil, nil
		}
		if !allowed {
			s.log.Info("Source IP not allowlisted, rejecting registration",
				zap.String("worker_id", p.WorkerID), zap.String("source_ip", sourceIP))
			return nil, nil
		}
	}

	worker := s.workerFromParams(accountID, p)
	worker.RandomToken = uuid.NewString()

	// keep the event cursor of a known worker across re-registration
	if existing, err := s.workers.GetByID(ctx, accountID, p.WorkerID); err == nil {
		worker.EventCursor = existing.EventCursor
	}

	if err := s.workers.Upsert(ctx, worker); err != nil {
		return nil, fmt.Errorf("upsert worker: %w", err)
	}
	if err := s.ledger.RegisterCapacity(ctx, worker.ID, worker.DeclaredCapacity); err != nil {
		return nil, fmt.Errorf("register capacity: %w", err)
	}

	versions, err := s.versions.AcceptableVersions(ctx, accountID)
	if err != nil {
		s.log.Warn("Version resolution failed, returning empty ring", zap.Error(err))
		versions = nil
	}

	s.log.Info("Registered worker",
		zap.String("account_id", accountID),
		zap.String("worker_id", worker.ID),
		zap.Int("declared_capacity", worker.DeclaredCapacity))

	return &RegistrationResult{
		WorkerID:           worker.ID,
		RandomToken:        worker.RandomToken,
		Directive:          domain.DirectiveProceed,
		AcceptableVersions: versions,
	}, nil
}

// Unregister marks the worker inactive. Idempotent.
func (s *RegistryService) Unregister(ctx context.Context, accountID, workerID string) error {
	if err := s.workers.SetStatus(ctx, accountID, workerID, domain.WorkerStatusInactive); err != nil {
		return fmt.Errorf("deactivate worker: %w", err)
	}
	s.log.Info("Unregistered worker", zap.String("account_id", accountID), zap.String("worker_id", workerID))
	return nil
}

// Heartbeat refreshes liveness, capacity snapshot and polling mode. Fixed
// pool workers re-register wholesale instead of updating incrementally;
// that branch is load-bearing compatibility behavior for fleets that never
// send partial updates.
func (s *RegistryService) Heartbeat(ctx context.Context, accountID string, p WorkerParams) (*HeartbeatResponse, error) {
	if p.Type == domain.WorkerTypeFixedPool {
		return s.heartbeatFixedPool(ctx, accountID, p)
	}

	err := s.workers.UpdateHeartbeat(ctx, accountID, p.WorkerID, time.Now(), p.DeclaredCapacity, p.PollingMode)
	if err == domain.ErrWorkerNotFound {
		// registration may still be in flight; upsert a full record
		if err := s.workers.Upsert(ctx, s.workerFromParams(accountID, p)); err != nil {
			return nil, fmt.Errorf("upsert worker on heartbeat: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	if err := s.ledger.RegisterCapacity(ctx, p.WorkerID, p.DeclaredCapacity); err != nil {
		return nil, fmt.Errorf("refresh capacity: %w", err)
	}

	worker, err := s.workers.GetByID(ctx, accountID, p.WorkerID)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{
		WorkerID:    worker.ID,
		Status:      worker.Status,
		EventCursor: worker.EventCursor,
	}, nil
}

// heartbeatFixedPool replays the whole registry record on every beat
func (s *RegistryService) heartbeatFixedPool(ctx context.Context, accountID string, p WorkerParams) (*HeartbeatResponse, error) {
	worker := s.workerFromParams(accountID, p)
	if existing, err := s.workers.GetByID(ctx, accountID, p.WorkerID); err == nil {
		worker.RandomToken = existing.RandomToken
		worker.EventCursor = existing.EventCursor
	}
	if err := s.workers.Upsert(ctx, worker); err != nil {
		return nil, fmt.Errorf("fixed-pool re-register: %w", err)
	}
	if err := s.ledger.RegisterCapacity(ctx, worker.ID, worker.DeclaredCapacity); err != nil {
		return nil, fmt.Errorf("refresh capacity: %w", err)
	}
	return &HeartbeatResponse{
		WorkerID:    worker.ID,
		Status:      worker.Status,
		EventCursor: worker.EventCursor,
	}, nil
}

func (s *RegistryService) workerFromParams(accountID string, p WorkerParams) *domain.Worker {
	workerType := p.Type
	if workerType == "" {
		workerType = domain.WorkerTypeStandard
	}
	return &domain.Worker{
		ID:               p.WorkerID,
		AccountID:        accountID,
		Hostname:         p.Hostname,
		Version:          p.Version,
		Type:             workerType,
		Status:           domain.WorkerStatusActive,
		PollingMode:      p.PollingMode,
		Immutable:        p.Immutable,
		ConnectedViaMTLS: p.ConnectedViaMTLS,
		DeclaredCapacity: p.DeclaredCapacity,
		Tags:             p.Tags,
		LastHeartbeatAt:  time.Now(),
	}
}

// RegisterCapacity updates the ledger's declared maximum for a worker the
// account owns
func (s *RegistryService) RegisterCapacity(ctx context.Context, accountID, workerID string, maxConcurrent int) error {
	if _, err := s.workers.GetByID(ctx, accountID, workerID); err != nil {
		return err
	}
	return s.ledger.RegisterCapacity(ctx, workerID, maxConcurrent)
}

// Eligible is the dispatch predicate: account match, liveness, active
// status and selector coverage
func (s *RegistryService) Eligible(worker *domain.Worker, task *domain.Task, now time.Time) bool {
	if worker.AccountID != task.AccountID {
		return false
	}
	if worker.Status != domain.WorkerStatusActive {
		return false
	}
	if worker.Stale(now, s.liveness) {
		return false
	}
	return worker.HasTags(task.Selectors)
}
