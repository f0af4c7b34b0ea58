package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
)

const defaultActivityLimit = 100

// RecordActivity appends one entry to the activity log.
func (s *Store) RecordActivity(ctx context.Context, entry farmagent.ActivityLogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	outcome := entry.Outcome
	if outcome == "" {
		outcome = farmagent.OutcomeSuccess
	}
	query := fmt.Sprintf(`INSERT INTO %s (device_id, task_id, action, outcome, detail, duration_ms, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, activityTable)
	if _, err := execLogged(ctx, s.db, query,
		entry.DeviceID, entry.TaskID, entry.Action, string(outcome), entry.Detail,
		entry.Duration.Milliseconds(), toNanos(ts)); err != nil {
		return errors.Wrap(err, "storage: insert activity failed")
	}
	return nil
}

// ListActivity returns the newest entries matching filter, newest first.
func (s *Store) ListActivity(ctx context.Context, filter farmagent.ActivityFilter) ([]farmagent.ActivityLogEntry, error) {
	var (
		conds []string
		args  []any
	)
	if id := strings.TrimSpace(filter.DeviceID); id != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, id)
	}
	if id := strings.TrimSpace(filter.TaskID); id != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, id)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, activityColumns, activityTable)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	return s.queryActivity(ctx, query, args...)
}

const activityColumns = "device_id, task_id, action, outcome, detail, duration_ms, ts"

func (s *Store) queryActivity(ctx context.Context, query string, args ...any) ([]farmagent.ActivityLogEntry, error) {
	rows, err := queryLogged(ctx, s.db, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query activity failed")
	}
	defer rows.Close()
	var entries []farmagent.ActivityLogEntry
	for rows.Next() {
		var (
			entry      farmagent.ActivityLogEntry
			outcome    string
			durationMS int64
			ts         int64
		)
		if err := rows.Scan(&entry.DeviceID, &entry.TaskID, &entry.Action, &outcome, &entry.Detail, &durationMS, &ts); err != nil {
			return nil, errors.Wrap(err, "storage: scan activity failed")
		}
		entry.Outcome = farmagent.ActivityOutcome(outcome)
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entry.Timestamp = fromNanos(ts)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate activity failed")
	}
	return entries, nil
}
