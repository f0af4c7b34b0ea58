package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
)

const deviceColumns = `id, model, os_version, battery_level, status, is_active, last_seen,
	last_task_time, current_task_id, error_message, healthy_streak`

// UpsertDevice inserts dev or refreshes its attributes. busy and
// battery_critical survive re-registration, and a device still referencing a
// task is kept busy.
func (s *Store) UpsertDevice(ctx context.Context, dev farmagent.Device) (*farmagent.Device, error) {
	id := strings.TrimSpace(dev.ID)
	if id == "" {
		return nil, errors.New("storage: device id is required")
	}
	status := dev.Status
	if status == "" {
		status = farmagent.DeviceIdle
	}
	var stored *farmagent.Device
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`INSERT INTO %[1]s (id, model, os_version, battery_level, status, is_active, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				model = excluded.model,
				os_version = excluded.os_version,
				battery_level = excluded.battery_level,
				is_active = excluded.is_active,
				last_seen = excluded.last_seen,
				status = CASE
					WHEN %[1]s.status IN (?, ?) THEN %[1]s.status
					WHEN %[1]s.current_task_id <> '' THEN ?
					ELSE excluded.status
				END,
				error_message = CASE WHEN %[1]s.status = ? THEN %[1]s.error_message ELSE '' END`, devicesTable)
		if _, err := execLogged(ctx, tx, query,
			id, dev.Model, dev.OSVersion, dev.BatteryLevel, string(status), boolToInt(dev.IsActive), toNanos(dev.LastSeen),
			string(farmagent.DeviceBusy), string(farmagent.DeviceBatteryCritical),
			string(farmagent.DeviceBusy),
			string(farmagent.DeviceBatteryCritical),
		); err != nil {
			return errors.Wrapf(err, "storage: upsert device %s failed", id)
		}
		var err error
		stored, err = getDevice(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetDevice returns one device or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, id string) (*farmagent.Device, error) {
	return getDevice(ctx, s.db, id)
}

func getDevice(ctx context.Context, q querier, id string) (*farmagent.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, deviceColumns, devicesTable)
	dev, err := scanDevice(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(farmagent.ErrNotFound, "device %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "storage: load device %s failed", id)
	}
	return dev, nil
}

// ListDevices returns every known device ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]*farmagent.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, deviceColumns, devicesTable)
	return s.queryDevices(ctx, query)
}

// ListIdleDevices returns idle active devices, least recently used first.
// Devices that never ran a task sort first.
func (s *Store) ListIdleDevices(ctx context.Context) ([]*farmagent.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = ? AND is_active = 1
		ORDER BY last_task_time ASC, id ASC`, deviceColumns, devicesTable)
	return s.queryDevices(ctx, query, string(farmagent.DeviceIdle))
}

func (s *Store) queryDevices(ctx context.Context, query string, args ...any) ([]*farmagent.Device, error) {
	rows, err := queryLogged(ctx, s.db, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query devices failed")
	}
	defer rows.Close()
	var devices []*farmagent.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan device failed")
		}
		devices = append(devices, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate devices failed")
	}
	return devices, nil
}

// ClaimDevice moves an idle active device to busy for taskID.
func (s *Store) ClaimDevice(ctx context.Context, id, taskID string) (*farmagent.Device, error) {
	var dev *farmagent.Device
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`UPDATE %s SET status = ?, current_task_id = ?
			WHERE id = ? AND status = ? AND is_active = 1`, devicesTable)
		res, err := execLogged(ctx, tx, query,
			string(farmagent.DeviceBusy), taskID, id, string(farmagent.DeviceIdle))
		if err != nil {
			return errors.Wrapf(err, "storage: claim device %s failed", id)
		}
		if err := checkAffected(ctx, tx, res, devicesTable, id); err != nil {
			return err
		}
		dev, err = getDevice(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// ReleaseDevice turns busy into idle. Any other status is kept; the task
// reference is cleared and last_task_time refreshed either way.
func (s *Store) ReleaseDevice(ctx context.Context, id string, at time.Time) (*farmagent.Device, error) {
	var dev *farmagent.Device
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`UPDATE %s SET
				status = CASE WHEN status = ? THEN ? ELSE status END,
				current_task_id = '',
				last_task_time = ?
			WHERE id = ?`, devicesTable)
		res, err := execLogged(ctx, tx, query,
			string(farmagent.DeviceBusy), string(farmagent.DeviceIdle), toNanos(at), id)
		if err != nil {
			return errors.Wrapf(err, "storage: release device %s failed", id)
		}
		if err := checkAffected(ctx, tx, res, devicesTable, id); err != nil {
			return err
		}
		dev, err = getDevice(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// UpdateDevice applies patch, conditionally on ExpectStatus when set.
func (s *Store) UpdateDevice(ctx context.Context, id string, patch farmagent.DevicePatch) (*farmagent.Device, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Model != nil {
		add("model", *patch.Model)
	}
	if patch.OSVersion != nil {
		add("os_version", *patch.OSVersion)
	}
	if patch.BatteryLevel != nil {
		add("battery_level", *patch.BatteryLevel)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.IsActive != nil {
		add("is_active", boolToInt(*patch.IsActive))
	}
	if patch.LastSeen != nil {
		add("last_seen", toNanos(*patch.LastSeen))
	}
	if patch.LastTaskTime != nil {
		add("last_task_time", toNanos(*patch.LastTaskTime))
	}
	if patch.CurrentTaskID != nil {
		add("current_task_id", *patch.CurrentTaskID)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.HealthyStreak != nil {
		add("healthy_streak", *patch.HealthyStreak)
	}

	var dev *farmagent.Device
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if len(sets) > 0 {
			query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, devicesTable, strings.Join(sets, ", "))
			args := append(args, id)
			if patch.ExpectStatus != nil {
				query += " AND status = ?"
				args = append(args, string(*patch.ExpectStatus))
			}
			res, err := execLogged(ctx, tx, query, args...)
			if err != nil {
				return errors.Wrapf(err, "storage: update device %s failed", id)
			}
			if err := checkAffected(ctx, tx, res, devicesTable, id); err != nil {
				return err
			}
		}
		var err error
		dev, err = getDevice(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func scanDevice(row rowScanner) (*farmagent.Device, error) {
	var (
		dev          farmagent.Device
		status       string
		isActive     int
		lastSeen     int64
		lastTaskTime int64
	)
	if err := row.Scan(&dev.ID, &dev.Model, &dev.OSVersion, &dev.BatteryLevel, &status, &isActive, &lastSeen,
		&lastTaskTime, &dev.CurrentTaskID, &dev.ErrorMessage, &dev.HealthyStreak); err != nil {
		return nil, err
	}
	dev.Status = farmagent.DeviceStatus(status)
	dev.IsActive = isActive != 0
	dev.LastSeen = fromNanos(lastSeen)
	dev.LastTaskTime = fromNanos(lastTaskTime)
	return &dev, nil
}
