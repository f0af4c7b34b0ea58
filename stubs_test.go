package farmagent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same conditional semantics as the
// SQLite store.
type memStore struct {
	mu       sync.Mutex
	seq      int
	tasks    map[string]*Task
	order    map[string]int
	devices  map[string]*Device
	activity []ActivityLogEntry
	now      func() time.Time

	// claimTaskErr is returned once by the next ClaimTask call.
	claimTaskErr error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:   make(map[string]*Task),
		order:   make(map[string]int),
		devices: make(map[string]*Device),
		now:     time.Now,
	}
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.Targets = append([]string(nil), t.Targets...)
	if t.StartTime != nil {
		v := *t.StartTime
		cp.StartTime = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

func cloneDevice(d *Device) *Device {
	cp := *d
	return &cp
}

func (s *memStore) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if strings.TrimSpace(in.AppTarget) == "" {
		return nil, fmt.Errorf("app target is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("T%d", s.seq)
	task := &Task{
		ID:        id,
		AppTarget: in.AppTarget,
		Targets:   append([]string(nil), in.Targets...),
		Priority:  in.Priority,
		Status:    TaskPending,
		CreatedAt: s.now().Add(time.Duration(s.seq) * time.Millisecond),
	}
	s.tasks[id] = task
	s.order[id] = s.seq
	return cloneTask(task), nil
}

func (s *memStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *memStore) sortedTasksLocked() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out
}

func (s *memStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, task := range s.sortedTasksLocked() {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.AppTarget != "" && task.AppTarget != filter.AppTarget {
			continue
		}
		out = append(out, cloneTask(task))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) FetchPendingTasks(ctx context.Context, limit, maxFailed int) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, task := range s.sortedTasksLocked() {
		if task.Status != TaskPending || task.FailedAttempts >= maxFailed {
			continue
		}
		out = append(out, cloneTask(task))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) ClaimTask(ctx context.Context, id, deviceID string, at time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimTaskErr; err != nil {
		s.claimTaskErr = nil
		return nil, err
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != TaskPending {
		return nil, ErrClaimConflict
	}
	task.Status = TaskRunning
	task.DeviceID = deviceID
	start := at
	task.StartTime = &start
	return cloneTask(task), nil
}

func (s *memStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.ExpectStatus != nil && task.Status != *patch.ExpectStatus {
		return nil, ErrClaimConflict
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.FailedAttempts != nil {
		task.FailedAttempts = *patch.FailedAttempts
	}
	if patch.DeviceID != nil {
		task.DeviceID = *patch.DeviceID
	}
	if patch.StartTime != nil {
		v := *patch.StartTime
		task.StartTime = &v
	}
	if patch.CompletedAt != nil {
		v := *patch.CompletedAt
		task.CompletedAt = &v
	}
	if patch.LastError != nil {
		task.LastError = *patch.LastError
	}
	return cloneTask(task), nil
}

func (s *memStore) CountTasks(ctx context.Context, status TaskStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		if status == "" || task.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *memStore) UpsertDevice(ctx context.Context, dev Device) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.devices[dev.ID]
	if !ok {
		stored := dev
		s.devices[dev.ID] = &stored
		return cloneDevice(&stored), nil
	}
	existing.Model = dev.Model
	existing.OSVersion = dev.OSVersion
	existing.BatteryLevel = dev.BatteryLevel
	existing.IsActive = dev.IsActive
	existing.LastSeen = dev.LastSeen
	switch {
	case existing.Status == DeviceBatteryCritical:
	case existing.Status == DeviceBusy || existing.CurrentTaskID != "":
		existing.Status = DeviceBusy
	default:
		existing.Status = dev.Status
		existing.ErrorMessage = ""
	}
	return cloneDevice(existing), nil
}

func (s *memStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDevice(dev), nil
}

func (s *memStore) ListDevices(ctx context.Context) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Device, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, cloneDevice(dev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListIdleDevices(ctx context.Context) ([]*Device, error) {
	all, _ := s.ListDevices(ctx)
	var out []*Device
	for _, dev := range all {
		if dev.Status == DeviceIdle && dev.IsActive {
			out = append(out, dev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastTaskTime.Before(out[j].LastTaskTime) })
	return out, nil
}

func (s *memStore) ClaimDevice(ctx context.Context, id, taskID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if dev.Status != DeviceIdle || !dev.IsActive {
		return nil, ErrClaimConflict
	}
	dev.Status = DeviceBusy
	dev.CurrentTaskID = taskID
	return cloneDevice(dev), nil
}

func (s *memStore) ReleaseDevice(ctx context.Context, id string, at time.Time) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if dev.Status == DeviceBusy {
		dev.Status = DeviceIdle
	}
	dev.CurrentTaskID = ""
	dev.LastTaskTime = at
	return cloneDevice(dev), nil
}

func (s *memStore) UpdateDevice(ctx context.Context, id string, patch DevicePatch) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.ExpectStatus != nil && dev.Status != *patch.ExpectStatus {
		return nil, ErrClaimConflict
	}
	if patch.Model != nil {
		dev.Model = *patch.Model
	}
	if patch.OSVersion != nil {
		dev.OSVersion = *patch.OSVersion
	}
	if patch.BatteryLevel != nil {
		dev.BatteryLevel = *patch.BatteryLevel
	}
	if patch.Status != nil {
		dev.Status = *patch.Status
	}
	if patch.IsActive != nil {
		dev.IsActive = *patch.IsActive
	}
	if patch.LastSeen != nil {
		dev.LastSeen = *patch.LastSeen
	}
	if patch.LastTaskTime != nil {
		dev.LastTaskTime = *patch.LastTaskTime
	}
	if patch.CurrentTaskID != nil {
		dev.CurrentTaskID = *patch.CurrentTaskID
	}
	if patch.ErrorMessage != nil {
		dev.ErrorMessage = *patch.ErrorMessage
	}
	if patch.HealthyStreak != nil {
		dev.HealthyStreak = *patch.HealthyStreak
	}
	return cloneDevice(dev), nil
}

func (s *memStore) RecordActivity(ctx context.Context, entry ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, entry)
	return nil
}

func (s *memStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ActivityLogEntry
	for i := len(s.activity) - 1; i >= 0; i-- {
		e := s.activity[i]
		if filter.DeviceID != "" && e.DeviceID != filter.DeviceID {
			continue
		}
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

// actions returns the recorded action names for a task in order.
func (s *memStore) actions(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.activity {
		if e.TaskID == taskID {
			out = append(out, e.Action)
		}
	}
	return out
}

func (s *memStore) failedActions(taskID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.activity {
		if e.TaskID == taskID && e.Outcome == OutcomeFailed {
			out = append(out, e.Action)
		}
	}
	return out
}

func (s *memStore) addIdleDevice(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[id] = &Device{ID: id, Status: DeviceIdle, IsActive: true, BatteryLevel: 80}
}

// stubCapability fakes an adb transport.
type stubCapability struct {
	mu           sync.Mutex
	devices      []string
	battery      map[string]int
	offline      map[string]bool
	failContains map[string]error
	commands     map[string][]string
	screenshots  int
	screenshotEr error
}

func newStubCapability(devices ...string) *stubCapability {
	c := &stubCapability{
		devices:      devices,
		battery:      make(map[string]int),
		offline:      make(map[string]bool),
		failContains: make(map[string]error),
		commands:     make(map[string][]string),
	}
	for _, id := range devices {
		c.battery[id] = 80
	}
	return c
}

func (c *stubCapability) setBattery(id string, level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.battery[id] = level
}

func (c *stubCapability) failOn(substr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failContains[substr] = err
}

func (c *stubCapability) RunCommand(ctx context.Context, deviceID, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[deviceID] = append(c.commands[deviceID], command)
	for substr, err := range c.failContains {
		if strings.Contains(command, substr) {
			return "", err
		}
	}
	switch command {
	case cmdBattery:
		return fmt.Sprintf("Current Battery Service state:\n  AC powered: false\n  level: %d\n  scale: 100\n", c.battery[deviceID]), nil
	case cmdModel:
		return "Pixel 7\n", nil
	case cmdOSVersion:
		return "14\n", nil
	}
	return "", nil
}

func (c *stubCapability) Connect(ctx context.Context, deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.offline[deviceID]
}

func (c *stubCapability) Screenshot(ctx context.Context, deviceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screenshotEr != nil {
		return "", c.screenshotEr
	}
	c.screenshots++
	return fmt.Sprintf("/tmp/%s_%d.png", deviceID, c.screenshots), nil
}

func (c *stubCapability) ListDevices(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.devices...), nil
}

func (c *stubCapability) commandsFor(deviceID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands[deviceID]...)
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, evt := range n.events {
		out = append(out, evt.Type)
	}
	return out
}

// seqRand returns scripted values; exhausted scripts fall back to zero.
type seqRand struct {
	mu     sync.Mutex
	ints   []int
	floats []float64
}

func (r *seqRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ints) == 0 {
		return 0
	}
	v := r.ints[0]
	r.ints = r.ints[1:]
	if v >= n {
		v = n - 1
	}
	return v
}

func (r *seqRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.floats) == 0 {
		return 0.99
	}
	v := r.floats[0]
	r.floats = r.floats[1:]
	return v
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
