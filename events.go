package farmagent

import "time"

// EventType names a lifecycle event published by the core.
type EventType string

const (
	EventDeviceAdded           EventType = "device_added"
	EventDeviceRemoved         EventType = "device_removed"
	EventDeviceUpdated         EventType = "device_updated"
	EventTaskAdded             EventType = "task_added"
	EventTaskUpdated           EventType = "task_updated"
	EventTaskCompleted         EventType = "task_completed"
	EventTaskFailed            EventType = "task_failed"
	EventTaskFailedPermanently EventType = "task_failed_permanently"
)

// Event is one outbound lifecycle notification. Host is stamped by the
// event bus when the publisher leaves it empty.
type Event struct {
	Type     EventType      `json:"type"`
	DeviceID string         `json:"device_id,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
	Status   string         `json:"status,omitempty"`
	Error    string         `json:"error,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Host     string         `json:"host,omitempty"`
	At       time.Time      `json:"at"`
}

// Notifier receives lifecycle events. Publish must not block; delivery is
// best-effort.
type Notifier interface {
	Publish(evt Event)
}

type noopNotifier struct{}

func (noopNotifier) Publish(Event) {}

func deviceEvent(typ EventType, dev *Device, at time.Time) Event {
	evt := Event{Type: typ, At: at}
	if dev == nil {
		return evt
	}
	evt.DeviceID = dev.ID
	evt.Status = string(dev.Status)
	evt.TaskID = dev.CurrentTaskID
	evt.Payload = map[string]any{
		"battery_level": dev.BatteryLevel,
		"is_active":     dev.IsActive,
		"model":         dev.Model,
	}
	return evt
}

func taskEvent(typ EventType, task *Task, at time.Time) Event {
	evt := Event{Type: typ, At: at}
	if task == nil {
		return evt
	}
	evt.TaskID = task.ID
	evt.DeviceID = task.DeviceID
	evt.Status = string(task.Status)
	evt.Error = task.LastError
	evt.Payload = map[string]any{
		"app":             task.AppTarget,
		"priority":        task.Priority,
		"failed_attempts": task.FailedAttempts,
	}
	return evt
}
