package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	defaultDBDirName  = ".farmagent"
	defaultDBFileName = "farm.sqlite"

	tasksTable    = "tasks"
	devicesTable  = "devices"
	activityTable = "activity_log"
)

// Store persists tasks, devices and the activity log in one SQLite database.
// Every status transition is a single conditional UPDATE.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ farmagent.Store = (*Store)(nil)

// ResolveDatabasePath returns custom when set, otherwise ~/.farmagent/farm.sqlite.
// The parent directory is created if needed.
func ResolveDatabasePath(custom string) (string, error) {
	if custom = strings.TrimSpace(custom); custom != "" {
		if custom == ":memory:" {
			return custom, nil
		}
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

// Open opens (or creates) the database at path and prepares the schema.
func Open(path string) (*Store, error) {
	resolved, err := ResolveDatabasePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("db_path", resolved).Msg("sqlite store opened")
	return &Store{db: db, path: resolved, now: time.Now}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	// 单连接串行化所有读改写，条件更新因此天然原子。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			app_target TEXT NOT NULL,
			targets TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			device_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			start_time INTEGER,
			completed_at INTEGER,
			last_error TEXT NOT NULL DEFAULT ''
		);`, tasksTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL DEFAULT '',
			os_version TEXT NOT NULL DEFAULT '',
			battery_level INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_seen INTEGER NOT NULL DEFAULT 0,
			last_task_time INTEGER NOT NULL DEFAULT 0,
			current_task_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		);`, devicesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		);`, activityTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: init sqlite schema failed")
		}
	}
	// healthy_streak and duration_ms were added after the first schema version.
	if err := ensureSQLiteColumn(db, devicesTable, "healthy_streak", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureSQLiteColumn(db, activityTable, "duration_ms", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s(status, priority DESC, created_at ASC);`, tasksTable, tasksTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_idle ON %s(status, is_active, last_task_time);`, devicesTable, devicesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_device ON %s(device_id, ts);`, activityTable, activityTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_task ON %s(task_id, ts);`, activityTable, activityTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_action ON %s(action, outcome, ts);`, activityTable, activityTable),
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: init sqlite indexes failed")
		}
	}
	return nil
}

func ensureSQLiteColumn(db *sql.DB, table, column, columnType string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return errors.Wrapf(err, "storage: describe %s schema failed", table)
	}
	defer rows.Close()
	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return errors.Wrap(err, "storage: scan sqlite table info failed")
		}
		if strings.EqualFold(name, column) {
			exists = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "storage: iterate sqlite table info failed")
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", quoteIdent(table), quoteIdent(column), columnType)
	if _, err := db.Exec(stmt); err != nil {
		return errors.Wrapf(err, "storage: add column %s to %s failed", column, table)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside one transaction. With a single connection, every
// other caller waits until it commits.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin transaction failed")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "storage: commit transaction failed")
	}
	return nil
}

func execLogged(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	log.Trace().Str("sql", formatSQLForLog(query, args...)).Msg("sqlite exec")
	return q.ExecContext(ctx, query, args...)
}

func queryLogged(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	log.Trace().Str("sql", formatSQLForLog(query, args...)).Msg("sqlite query")
	return q.QueryContext(ctx, query, args...)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func nullableNanos(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid || n.Int64 == 0 {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
