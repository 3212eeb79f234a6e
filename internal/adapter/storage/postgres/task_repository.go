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

type taskRepository struct {
	db  *pgxpool.Pool
	qb  *squirrel.StatementBuilderType
	log *zap.Logger
}

// NewTaskRepository creates a new postgres task repository
func NewTaskRepository(db *pgxpool.Pool, qb *squirrel.StatementBuilderType, log *zap.Logger) port.TaskRepository {
	return &taskRepository{db: db, qb: qb, log: log}
}

const taskColumns = `id, account_id, criteria, selectors, payload, format, sync, timeout_ms, status, COALESCE(assigned_worker_id, ''), capacity_released, created_at, expires_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var timeoutMs int64
	err := row.Scan(&t.ID, &t.AccountID, &t.Criteria, &t.Selectors, &t.Payload, &t.Format,
		&t.Sync, &timeoutMs, &t.Status, &t.AssignedWorkerID, &t.CapacityReleased, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return &t, nil
}

func (r *taskRepository) Save(ctx context.Context, task *domain.Task) error {
	query := `
		INSERT INTO tasks (id, account_id, criteria, selectors, payload, format, sync, timeout_ms, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		task.ID, task.AccountID, task.Criteria, task.Selectors, task.Payload, task.Format,
		task.Sync, task.Timeout.Milliseconds(), task.Status, task.CreatedAt, task.ExpiresAt)
	if err != nil {
		r.log.Error("Failed to save task", zap.Error(err))
		return err
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

// Acquire is the exactly-once hand-off: the conditional update succeeds for
// a single concurrent caller, everyone else observes zero affected rows.
func (r *taskRepository) Acquire(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET status = $1, assigned_worker_id = $2
		WHERE id = $3 AND status = $4
		RETURNING ` + taskColumns
	row := r.db.QueryRow(ctx, query, domain.TaskStatusAcquired, workerID, taskID, domain.TaskStatusQueued)
	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return task, err
}

func (r *taskRepository) Transition(ctx context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus) (bool, error) {
	fromValues := make([]string, len(from))
	for i, f := range from {
		fromValues[i] = string(f)
	}
	builder := r.qb.Update("tasks").
		Set("status", string(to)).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"status": fromValues})
	if to != domain.TaskStatusAcquired && to != domain.TaskStatusExecuting {
		builder = builder.Set("assigned_worker_id", nil)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *taskRepository) Requeue(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, assigned_worker_id = NULL, capacity_released = FALSE
		WHERE id = $2 AND status = $3
	`
	tag, err := r.db.Exec(ctx, query, domain.TaskStatusQueued, id, domain.TaskStatusAcquired)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *taskRepository) MarkCapacityReleased(ctx context.Context, id string) (bool, error) {
	query := `UPDATE tasks SET capacity_released = TRUE WHERE id = $1 AND capacity_released = FALSE`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *taskRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE expires_at < $1 AND status IN ($2, $3, $4)
		LIMIT $5
	`
	rows, err := r.db.Query(ctx, query, now,
		domain.TaskStatusQueued, domain.TaskStatusAcquired, domain.TaskStatusExecuting, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *taskRepository) ListQueued(ctx context.Context, limit int) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at LIMIT $2`
	rows, err := r.db.Query(ctx, query, domain.TaskStatusQueued, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
