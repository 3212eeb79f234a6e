package postgres

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type workerRepository struct {
	db  *pgxpool.Pool
	qb  *squirrel.StatementBuilderType
	log *zap.Logger
}

// NewWorkerRepository creates a new postgres worker repository
func NewWorkerRepository(db *pgxpool.Pool, qb *squirrel.StatementBuilderType, log *zap.Logger) port.WorkerRepository {
	return &workerRepository{db: db, qb: qb, log: log}
}

const workerColumns = `id, account_id, hostname, version, worker_type, status, polling_mode, immutable, connected_via_mtls, declared_capacity, tags, random_token, event_cursor, last_heartbeat_at`

func scanWorker(row pgx.Row) (*domain.Worker, error) {
	var w domain.Worker
	err := row.Scan(&w.ID, &w.AccountID, &w.Hostname, &w.Version, &w.Type, &w.Status,
		&w.PollingMode, &w.Immutable, &w.ConnectedViaMTLS, &w.DeclaredCapacity,
		&w.Tags, &w.RandomToken, &w.EventCursor, &w.LastHeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *workerRepository) Upsert(ctx context.Context, worker *domain.Worker) error {
	query := `
		INSERT INTO workers (id, account_id, hostname, version, worker_type, status, polling_mode, immutable, connected_via_mtls, declared_capacity, tags, random_token, event_cursor, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (account_id, id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			version = EXCLUDED.version,
			worker_type = EXCLUDED.worker_type,
			status = EXCLUDED.status,
			polling_mode = EXCLUDED.polling_mode,
			immutable = EXCLUDED.immutable,
			connected_via_mtls = EXCLUDED.connected_via_mtls,
			declared_capacity = EXCLUDED.declared_capacity,
			tags = EXCLUDED.tags,
			random_token = EXCLUDED.random_token,
			event_cursor = EXCLUDED.event_cursor,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at
	`
	_, err := r.db.Exec(ctx, query,
		worker.ID, worker.AccountID, worker.Hostname, worker.Version, worker.Type, worker.Status,
		worker.PollingMode, worker.Immutable, worker.ConnectedViaMTLS, worker.DeclaredCapacity,
		worker.Tags, worker.RandomToken, worker.EventCursor, worker.LastHeartbeatAt)
	if err != nil {
		r.log.Error("Failed to upsert worker", zap.Error(err))
	}
	return err
}

func (r *workerRepository) GetByID(ctx context.Context, accountID, id string) (*domain.Worker, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE account_id = $1 AND id = $2`, accountID, id)
	worker, err := scanWorker(row)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrWorkerNotFound
	}
	return worker, err
}

func (r *workerRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Worker, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

func (r *workerRepository) UpdateHeartbeat(ctx context.Context, accountID, id string, at time.Time, declaredCapacity int, pollingMode bool) error {
	query := `
		UPDATE workers
		SET last_heartbeat_at = $1, declared_capacity = $2, polling_mode = $3, status = $4
		WHERE account_id = $5 AND id = $6
	`
	tag, err := r.db.Exec(ctx, query, at, declaredCapacity, pollingMode, domain.WorkerStatusActive, accountID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

func (r *workerRepository) SetStatus(ctx context.Context, accountID, id string, status domain.WorkerStatus) error {
	// idempotent: zero affected rows is fine
	_, err := r.db.Exec(ctx,
		`UPDATE workers SET status = $1 WHERE account_id = $2 AND id = $3`, status, accountID, id)
	return err
}

func (r *workerRepository) UpdateCursor(ctx context.Context, accountID, id string, cursor int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE workers SET event_cursor = $1 WHERE account_id = $2 AND id = $3 AND event_cursor < $1`,
		cursor, accountID, id)
	return err
}
