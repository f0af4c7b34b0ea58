package farmagent

import (
	"context"
	"time"
)

// DeviceStatus 描述设备在调度中的状态。
type DeviceStatus string

const (
	DeviceIdle            DeviceStatus = "idle"
	DeviceBusy            DeviceStatus = "busy"
	DeviceDisconnected    DeviceStatus = "disconnected"
	DeviceError           DeviceStatus = "error"
	DeviceBatteryCritical DeviceStatus = "battery_critical"
)

// TaskStatus 描述任务生命周期状态。
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"
	TaskRunning           TaskStatus = "running"
	TaskCompleted         TaskStatus = "completed"
	TaskFailed            TaskStatus = "failed"
	TaskFailedPermanently TaskStatus = "failed_permanently"
)

// Terminal reports whether no further scheduling can happen for the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailedPermanently
}

// Device 保存设备身份、健康与可用性信息。
type Device struct {
	ID            string
	Model         string
	OSVersion     string
	BatteryLevel  int
	Status        DeviceStatus
	IsActive      bool
	LastSeen      time.Time
	LastTaskTime  time.Time
	CurrentTaskID string
	ErrorMessage  string
	HealthyStreak int
}

// Eligible reports whether the device can be handed a new task.
func (d *Device) Eligible() bool {
	return d != nil && d.Status == DeviceIdle && d.IsActive
}

// Task 表示单个待执行的交互任务。
type Task struct {
	ID             string
	AppTarget      string
	Targets        []string
	Priority       int
	Status         TaskStatus
	FailedAttempts int
	DeviceID       string
	CreatedAt      time.Time
	StartTime      *time.Time
	CompletedAt    *time.Time
	LastError      string
}

// TaskPatch lists the task columns to overwrite; nil fields are left alone.
// ExpectStatus turns the update into a conditional transition.
type TaskPatch struct {
	ExpectStatus   *TaskStatus
	Status         *TaskStatus
	FailedAttempts *int
	DeviceID       *string
	StartTime      *time.Time
	CompletedAt    *time.Time
	LastError      *string
}

// DevicePatch lists the device columns to overwrite; nil fields are left alone.
// When ExpectStatus is set the patch only applies if the current status still
// matches, otherwise the store returns ErrClaimConflict.
type DevicePatch struct {
	ExpectStatus  *DeviceStatus
	Model         *string
	OSVersion     *string
	BatteryLevel  *int
	Status        *DeviceStatus
	IsActive      *bool
	LastSeen      *time.Time
	LastTaskTime  *time.Time
	CurrentTaskID *string
	ErrorMessage  *string
	HealthyStreak *int
}

// ActivityOutcome is the result recorded for one pipeline step.
type ActivityOutcome string

const (
	OutcomeSuccess ActivityOutcome = "success"
	OutcomeFailed  ActivityOutcome = "failed"
)

// ActivityLogEntry is an append-only audit record written per significant step.
// Duration is only set on view_content entries.
type ActivityLogEntry struct {
	DeviceID  string
	TaskID    string
	Action    string
	Outcome   ActivityOutcome
	Detail    string
	Duration  time.Duration
	Timestamp time.Time
}

// ActivityFilter narrows ListActivity results.
type ActivityFilter struct {
	DeviceID string
	TaskID   string
	Limit    int
}

// StatsFilter narrows a usage summary. Zero values mean no restriction.
type StatsFilter struct {
	DeviceID  string
	AppTarget string
	Since     time.Time
	Until     time.Time
	// RecentLimit caps Recent; 0 uses 10.
	RecentLimit int
}

// UsageStats aggregates successful view and interaction entries of one app
// or one device.
type UsageStats struct {
	Key          string
	Views        int
	ViewTime     time.Duration
	Interactions int
}

// StatsSummary 汇总观看时长与互动次数，按应用和设备分组，附最近活动。
type StatsSummary struct {
	TotalViews        int
	TotalViewTime     time.Duration
	TotalInteractions int
	ByApp             []UsageStats
	ByDevice          []UsageStats
	Recent            []ActivityLogEntry
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status    TaskStatus
	AppTarget string
	Limit     int
}

// NewTask carries the caller supplied fields of a task to enqueue.
type NewTask struct {
	AppTarget string
	Targets   []string
	Priority  int
}

// TaskStore 定义任务持久化需要实现的能力。
type TaskStore interface {
	CreateTask(ctx context.Context, in NewTask) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// FetchPendingTasks returns pending tasks ordered by priority desc then
	// creation asc, excluding those with failedAttempts >= maxFailed.
	FetchPendingTasks(ctx context.Context, limit, maxFailed int) ([]*Task, error)
	// ClaimTask moves a pending task to running; ErrClaimConflict when the
	// task is no longer pending.
	ClaimTask(ctx context.Context, id, deviceID string, at time.Time) (*Task, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error)
	CountTasks(ctx context.Context, status TaskStatus) (int, error)
}

// DeviceStore 定义设备持久化需要实现的能力。
type DeviceStore interface {
	// UpsertDevice inserts the device or refreshes its attributes. An existing
	// busy or battery_critical status is preserved.
	UpsertDevice(ctx context.Context, dev Device) (*Device, error)
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	// ListIdleDevices returns idle active devices, least recently used first.
	ListIdleDevices(ctx context.Context) ([]*Device, error)
	// ClaimDevice moves an idle active device to busy; ErrClaimConflict otherwise.
	ClaimDevice(ctx context.Context, id, taskID string) (*Device, error)
	// ReleaseDevice moves a busy device back to idle. Devices that left busy
	// keep their status; the task reference is cleared either way.
	ReleaseDevice(ctx context.Context, id string, at time.Time) (*Device, error)
	UpdateDevice(ctx context.Context, id string, patch DevicePatch) (*Device, error)
}

// ActivityRecorder persists activity log entries.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, entry ActivityLogEntry) error
	ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityLogEntry, error)
}

// Store bundles the persistence collaborators used by the agent.
type Store interface {
	TaskStore
	DeviceStore
	ActivityRecorder
	Close() error
}

// Capability abstracts the transport that drives a device.
type Capability interface {
	// RunCommand executes a shell command; failures wrap ErrConnectivity.
	RunCommand(ctx context.Context, deviceID, command string) (string, error)
	Connect(ctx context.Context, deviceID string) bool
	// Screenshot captures the screen and returns a local artifact path;
	// failures wrap ErrCapture.
	Screenshot(ctx context.Context, deviceID string) (string, error)
	ListDevices(ctx context.Context) ([]string, error)
}

// JobRequest bundles the execution details for a device.
type JobRequest struct {
	DeviceID string
	Task     *Task
}

// JobRunner executes one task on a concrete device.
type JobRunner interface {
	RunJob(ctx context.Context, req JobRequest) error
}

// clock lets tests freeze time.
type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
