package farmagent

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CompleteTask applies the retry state machine to a finished pipeline and
// returns the device to the pool. The device is released even when the task
// update fails. The pairing leaves the in-flight set only after both writes.
func (s *Scheduler) CompleteTask(ctx context.Context, taskID, deviceID string, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	defer s.removeInFlight(taskID)

	task, taskErr := s.finishTask(ctx, taskID, runErr)
	var releaseErr error
	if deviceID != "" {
		releaseErr = s.releaseDevice(ctx, deviceID)
	}

	success := runErr == nil && taskErr == nil
	var outcome error
	if !success {
		outcome = stderrors.Join(runErr, taskErr)
	}
	s.activity.record(ctx, deviceID, taskID, "complete_task", outcome)

	if task != nil {
		now := s.clock.now()
		publish := func(typ EventType) {
			evt := taskEvent(typ, task, now)
			evt.DeviceID = deviceID
			s.notifier.Publish(evt)
		}
		switch task.Status {
		case TaskCompleted:
			publish(EventTaskCompleted)
		case TaskFailedPermanently:
			publish(EventTaskUpdated)
			publish(EventTaskFailedPermanently)
		default:
			publish(EventTaskUpdated)
			publish(EventTaskFailed)
		}
		log.Info().
			Str("task_id", taskID).
			Str("serial", deviceID).
			Str("status", string(task.Status)).
			Int("failed_attempts", task.FailedAttempts).
			Str("last_error", task.LastError).
			Msg("task finished")
	}
	return stderrors.Join(taskErr, releaseErr)
}

// finishTask moves a running task to its next status:
//   - success: completed
//   - unsupported application: failed_permanently, attempts unchanged
//   - other failure: attempts+1, then pending or failed_permanently
func (s *Scheduler) finishTask(ctx context.Context, taskID string, runErr error) (*Task, error) {
	now := s.clock.now()
	running := TaskRunning
	noDevice := ""
	patch := TaskPatch{ExpectStatus: &running, DeviceID: &noDevice}

	if runErr == nil {
		status := TaskCompleted
		patch.Status = &status
		patch.CompletedAt = &now
		task, err := s.tasks.UpdateTask(ctx, taskID, patch)
		if err != nil {
			return nil, errors.Wrapf(err, "mark task %s completed", taskID)
		}
		return task, nil
	}

	current, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "load task %s", taskID)
	}
	msg := runErr.Error()
	patch.LastError = &msg

	var status TaskStatus
	attempts := current.FailedAttempts
	switch {
	case errors.Is(runErr, ErrUnsupportedApplication):
		status = TaskFailedPermanently
	default:
		attempts++
		status = TaskPending
		if attempts >= s.cfg.MaxFailedAttempts {
			status = TaskFailedPermanently
		}
	}
	patch.Status = &status
	patch.FailedAttempts = &attempts

	task, err := s.tasks.UpdateTask(ctx, taskID, patch)
	if err != nil {
		return nil, errors.Wrapf(err, "mark task %s failed", taskID)
	}
	return task, nil
}

// releaseDevice retries once so a transient store error cannot strand a
// device in busy.
func (s *Scheduler) releaseDevice(ctx context.Context, deviceID string) error {
	err := s.pool.ReleaseDevice(ctx, deviceID)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("serial", deviceID).Msg("release device failed, retrying")
	if retryErr := s.pool.ReleaseDevice(context.Background(), deviceID); retryErr != nil {
		return errors.Wrapf(retryErr, "release device %s", deviceID)
	}
	return nil
}

// Reconcile repairs state left behind by a process that died mid-task. Every
// running task that is not in flight here goes through the retry path with
// ErrInterrupted, and every busy device without an in-flight task is
// released. Call it before the scheduler loop starts.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	running, err := s.tasks.ListTasks(ctx, TaskFilter{Status: TaskRunning})
	if err != nil {
		return errors.Wrap(err, "list running tasks")
	}
	var errs []error
	for _, task := range running {
		if s.isInFlight(task.ID) {
			continue
		}
		log.Warn().Str("task_id", task.ID).Str("serial", task.DeviceID).Msg("recovering task interrupted by restart")
		if err := s.CompleteTask(ctx, task.ID, task.DeviceID, ErrInterrupted); err != nil {
			errs = append(errs, err)
		}
	}

	devices, err := s.pool.Devices(ctx)
	if err != nil {
		return stderrors.Join(append(errs, errors.Wrap(err, "list devices"))...)
	}
	for _, dev := range devices {
		if dev.Status != DeviceBusy && dev.CurrentTaskID == "" {
			continue
		}
		if dev.CurrentTaskID != "" && s.isInFlight(dev.CurrentTaskID) {
			continue
		}
		log.Warn().Str("serial", dev.ID).Str("task_id", dev.CurrentTaskID).Msg("releasing device stranded by restart")
		if err := s.releaseDevice(ctx, dev.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
