package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
)

const taskColumns = `id, app_target, targets, priority, status, failed_attempts,
	device_id, created_at, start_time, completed_at, last_error`

// CreateTask enqueues a pending task with a fresh uuid.
func (s *Store) CreateTask(ctx context.Context, in farmagent.NewTask) (*farmagent.Task, error) {
	app := strings.TrimSpace(in.AppTarget)
	if app == "" {
		return nil, errors.New("storage: task app target is required")
	}
	targets := in.Targets
	if targets == nil {
		targets = []string{}
	}
	raw, err := json.Marshal(targets)
	if err != nil {
		return nil, errors.Wrap(err, "storage: encode task targets failed")
	}
	task := &farmagent.Task{
		ID:        uuid.NewString(),
		AppTarget: app,
		Targets:   targets,
		Priority:  in.Priority,
		Status:    farmagent.TaskPending,
		CreatedAt: s.now(),
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, app_target, targets, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, tasksTable)
	if _, err := execLogged(ctx, s.db, query,
		task.ID, task.AppTarget, string(raw), task.Priority, string(task.Status), toNanos(task.CreatedAt)); err != nil {
		return nil, errors.Wrap(err, "storage: insert task failed")
	}
	return task, nil
}

// GetTask returns one task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*farmagent.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q querier, id string) (*farmagent.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, taskColumns, tasksTable)
	task, err := scanTask(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(farmagent.ErrNotFound, "task %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "storage: load task %s failed", id)
	}
	return task, nil
}

// ListTasks returns tasks matching filter in queue order.
func (s *Store) ListTasks(ctx context.Context, filter farmagent.TaskFilter) ([]*farmagent.Task, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if app := strings.TrimSpace(filter.AppTarget); app != "" {
		conds = append(conds, "app_target = ?")
		args = append(args, app)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, taskColumns, tasksTable)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryTasks(ctx, query, args...)
}

// FetchPendingTasks returns up to limit pending tasks with fewer than
// maxFailed failed attempts, highest priority first, oldest first on ties.
func (s *Store) FetchPendingTasks(ctx context.Context, limit, maxFailed int) ([]*farmagent.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = ? AND failed_attempts < ?
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT ?`, taskColumns, tasksTable)
	return s.queryTasks(ctx, query, string(farmagent.TaskPending), maxFailed, limit)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*farmagent.Task, error) {
	rows, err := queryLogged(ctx, s.db, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query tasks failed")
	}
	defer rows.Close()
	var tasks []*farmagent.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan task failed")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate tasks failed")
	}
	return tasks, nil
}

// ClaimTask moves a pending task to running on deviceID.
func (s *Store) ClaimTask(ctx context.Context, id, deviceID string, at time.Time) (*farmagent.Task, error) {
	var task *farmagent.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`UPDATE %s SET status = ?, device_id = ?, start_time = ?, completed_at = NULL
			WHERE id = ? AND status = ?`, tasksTable)
		res, err := execLogged(ctx, tx, query,
			string(farmagent.TaskRunning), deviceID, toNanos(at), id, string(farmagent.TaskPending))
		if err != nil {
			return errors.Wrapf(err, "storage: claim task %s failed", id)
		}
		if err := checkAffected(ctx, tx, res, tasksTable, id); err != nil {
			return err
		}
		task, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask applies patch. With ExpectStatus set the update only happens
// while the task still has that status.
func (s *Store) UpdateTask(ctx context.Context, id string, patch farmagent.TaskPatch) (*farmagent.Task, error) {
	var (
		sets []string
		args []any
	)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.FailedAttempts != nil {
		sets = append(sets, "failed_attempts = ?")
		args = append(args, *patch.FailedAttempts)
	}
	if patch.DeviceID != nil {
		sets = append(sets, "device_id = ?")
		args = append(args, *patch.DeviceID)
	}
	if patch.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, nullableNanos(patch.StartTime))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, nullableNanos(patch.CompletedAt))
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}

	var task *farmagent.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if len(sets) > 0 {
			query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, tasksTable, strings.Join(sets, ", "))
			args := append(args, id)
			if patch.ExpectStatus != nil {
				query += " AND status = ?"
				args = append(args, string(*patch.ExpectStatus))
			}
			res, err := execLogged(ctx, tx, query, args...)
			if err != nil {
				return errors.Wrapf(err, "storage: update task %s failed", id)
			}
			if err := checkAffected(ctx, tx, res, tasksTable, id); err != nil {
				return err
			}
		}
		var err error
		task, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CountTasks counts tasks in status; an empty status counts every task.
func (s *Store) CountTasks(ctx context.Context, status farmagent.TaskStatus) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, tasksTable)
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "storage: count tasks failed")
	}
	return count, nil
}

// checkAffected maps a zero-row conditional update to ErrNotFound or
// ErrClaimConflict.
func checkAffected(ctx context.Context, q querier, res sql.Result, table, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "storage: read affected rows failed")
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = q.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, table), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(farmagent.ErrNotFound, "%s %s", strings.TrimSuffix(table, "s"), id)
	}
	if err != nil {
		return errors.Wrapf(err, "storage: check %s %s failed", table, id)
	}
	return errors.Wrapf(farmagent.ErrClaimConflict, "%s %s", strings.TrimSuffix(table, "s"), id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*farmagent.Task, error) {
	var (
		task        farmagent.Task
		targets     string
		status      string
		createdAt   int64
		startTime   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&task.ID, &task.AppTarget, &targets, &task.Priority, &status, &task.FailedAttempts,
		&task.DeviceID, &createdAt, &startTime, &completedAt, &task.LastError); err != nil {
		return nil, err
	}
	if strings.TrimSpace(targets) != "" {
		if err := json.Unmarshal([]byte(targets), &task.Targets); err != nil {
			return nil, errors.Wrapf(err, "decode targets of task %s", task.ID)
		}
	}
	task.Status = farmagent.TaskStatus(status)
	task.CreatedAt = fromNanos(createdAt)
	task.StartTime = fromNullNanos(startTime)
	task.CompletedAt = fromNullNanos(completedAt)
	return &task, nil
}
