package farmagent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// activityLog appends audit entries and keeps timestamps strictly
// increasing for this writer even when the wall clock stalls.
type activityLog struct {
	recorder ActivityRecorder
	clock    clock

	mu   sync.Mutex
	last time.Time
}

func newActivityLog(recorder ActivityRecorder, c clock) *activityLog {
	return &activityLog{recorder: recorder, clock: c}
}

func (a *activityLog) nextTimestamp() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.clock.now()
	if !ts.After(a.last) {
		ts = a.last.Add(time.Microsecond)
	}
	a.last = ts
	return ts
}

// record never fails the caller; recorder errors are logged.
func (a *activityLog) record(ctx context.Context, deviceID, taskID, action string, stepErr error) {
	a.write(ctx, ActivityLogEntry{DeviceID: deviceID, TaskID: taskID, Action: action}, stepErr)
}

func (a *activityLog) recordDetail(ctx context.Context, deviceID, taskID, action, detail string) {
	a.write(ctx, ActivityLogEntry{DeviceID: deviceID, TaskID: taskID, Action: action, Detail: detail}, nil)
}

// write stamps entry and stores it. A step error marks the entry failed and
// replaces its detail with the error text.
func (a *activityLog) write(ctx context.Context, entry ActivityLogEntry, stepErr error) {
	if a == nil || a.recorder == nil {
		return
	}
	entry.Outcome = OutcomeSuccess
	if stepErr != nil {
		entry.Outcome = OutcomeFailed
		entry.Detail = stepErr.Error()
	}
	entry.Timestamp = a.nextTimestamp()
	if err := a.recorder.RecordActivity(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().
			Err(err).
			Str("serial", entry.DeviceID).
			Str("task_id", entry.TaskID).
			Str("action", entry.Action).
			Msg("record activity failed")
	}
}
