package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
)

const defaultRecentLimit = 10

// interactionActions are the activity actions counted as interactions.
var interactionActions = []string{"like", "comment", "follow"}

const viewAction = "view_content"

// Summary aggregates successful view_content and interaction entries into
// totals, per-app and per-device usage (most viewed first) and the most
// recent matching entries. The app of an entry comes from its task.
func (s *Store) Summary(ctx context.Context, filter farmagent.StatsFilter) (*farmagent.StatsSummary, error) {
	where, args := statsConditions(filter)

	byApp, err := s.usageBy(ctx, "COALESCE(t.app_target, '')", where, args)
	if err != nil {
		return nil, errors.Wrap(err, "storage: summarize by app failed")
	}
	byDevice, err := s.usageBy(ctx, "a.device_id", where, args)
	if err != nil {
		return nil, errors.Wrap(err, "storage: summarize by device failed")
	}

	summary := &farmagent.StatsSummary{ByApp: byApp, ByDevice: byDevice}
	for _, u := range byApp {
		summary.TotalViews += u.Views
		summary.TotalViewTime += u.ViewTime
		summary.TotalInteractions += u.Interactions
	}

	limit := filter.RecentLimit
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	query := fmt.Sprintf(`SELECT a.device_id, a.task_id, a.action, a.outcome, a.detail, a.duration_ms, a.ts
		FROM %s a LEFT JOIN %s t ON t.id = a.task_id
		WHERE %s
		ORDER BY a.ts DESC, a.id DESC LIMIT ?`, activityTable, tasksTable, where)
	recent, err := s.queryActivity(ctx, query, append(append([]any(nil), args...), limit)...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: load recent activity failed")
	}
	summary.Recent = recent
	return summary, nil
}

func (s *Store) usageBy(ctx context.Context, key, where string, args []any) ([]farmagent.UsageStats, error) {
	query := fmt.Sprintf(`SELECT %[1]s AS k,
			SUM(CASE WHEN a.action = '%[2]s' THEN 1 ELSE 0 END),
			SUM(CASE WHEN a.action = '%[2]s' THEN a.duration_ms ELSE 0 END),
			SUM(CASE WHEN a.action <> '%[2]s' THEN 1 ELSE 0 END)
		FROM %[3]s a LEFT JOIN %[4]s t ON t.id = a.task_id
		WHERE %[5]s
		GROUP BY k
		ORDER BY 3 DESC, k ASC`, key, viewAction, activityTable, tasksTable, where)
	rows, err := queryLogged(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []farmagent.UsageStats
	for rows.Next() {
		var (
			u          farmagent.UsageStats
			views      int64
			durationMS int64
			interacts  int64
		)
		if err := rows.Scan(&u.Key, &views, &durationMS, &interacts); err != nil {
			return nil, err
		}
		u.Views = int(views)
		u.ViewTime = time.Duration(durationMS) * time.Millisecond
		u.Interactions = int(interacts)
		out = append(out, u)
	}
	return out, rows.Err()
}

// statsConditions selects successful view and interaction entries matching
// filter. Columns are qualified with the a (activity) and t (tasks) aliases.
func statsConditions(filter farmagent.StatsFilter) (string, []any) {
	actions := append([]string{viewAction}, interactionActions...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(actions)), ", ")
	conds := []string{"a.outcome = ?", "a.action IN (" + placeholders + ")"}
	args := []any{string(farmagent.OutcomeSuccess)}
	for _, action := range actions {
		args = append(args, action)
	}
	if id := strings.TrimSpace(filter.DeviceID); id != "" {
		conds = append(conds, "a.device_id = ?")
		args = append(args, id)
	}
	if app := strings.ToLower(strings.TrimSpace(filter.AppTarget)); app != "" {
		conds = append(conds, "LOWER(t.app_target) = ?")
		args = append(args, app)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "a.ts >= ?")
		args = append(args, toNanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "a.ts < ?")
		args = append(args, toNanos(filter.Until))
	}
	return strings.Join(conds, " AND "), args
}
