package postgres

import (
	"context"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type eventRepository struct {
	db  *pgxpool.Pool
	qb  *squirrel.StatementBuilderType
	log *zap.Logger
}

// NewTaskEventRepository creates a new postgres task-event repository
func NewTaskEventRepository(db *pgxpool.Pool, qb *squirrel.StatementBuilderType, log *zap.Logger) port.TaskEventRepository {
	return &eventRepository{db: db, qb: qb, log: log}
}

func (r *eventRepository) Append(ctx context.Context, event *domain.TaskEvent) error {
	query := `
		INSERT INTO task_events (task_id, account_id, worker_id, hint, sync, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`
	return r.db.QueryRow(ctx, query,
		event.TaskID, event.AccountID, event.WorkerID, event.Hint, event.Sync, event.CreatedAt).
		Scan(&event.Seq)
}

func (r *eventRepository) HasPending(ctx context.Context, workerID, taskID string, cursor int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM task_events WHERE worker_id = $1 AND task_id = $2 AND seq > $3)`
	var pending bool
	if err := r.db.QueryRow(ctx, query, workerID, taskID, cursor).Scan(&pending); err != nil {
		return false, err
	}
	return pending, nil
}

func (r *eventRepository) ListSince(ctx context.Context, workerID string, cursor int64, syncOnly bool, limit int) ([]*domain.TaskEvent, error) {
	builder := r.qb.Select("seq", "task_id", "account_id", "worker_id", "hint", "sync", "created_at").
		From("task_events").
		Where(squirrel.Eq{"worker_id": workerID}).
		Where(squirrel.Gt{"seq": cursor}).
		OrderBy("seq").
		Limit(uint64(limit))
	if syncOnly {
		builder = builder.Where(squirrel.Eq{"sync": true})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		if err := rows.Scan(&e.Seq, &e.TaskID, &e.AccountID, &e.WorkerID, &e.Hint, &e.Sync, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
