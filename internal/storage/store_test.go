package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/pkg/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "farm.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// tickingClock returns strictly increasing timestamps so creation order is
// deterministic.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func TestFetchPendingTasksOrdersByPriorityThenCreation(t *testing.T) {
	store := openTestStore(t)
	store.now = tickingClock(time.Unix(1700000000, 0))
	ctx := context.Background()

	low, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "youtube", Priority: 3})
	firstHigh, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "youtube", Priority: 8})
	secondHigh, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "tiktok", Priority: 8})

	tasks, err := store.FetchPendingTasks(ctx, 5, 3)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	want := []string{firstHigh.ID, secondHigh.ID, low.ID}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, tasks[i].ID)
		}
	}

	limited, err := store.FetchPendingTasks(ctx, 1, 3)
	if err != nil {
		t.Fatalf("fetch limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != firstHigh.ID {
		t.Fatalf("expected only the first high priority task, got %+v", limited)
	}
}

func TestFetchPendingTasksExcludesExhaustedAttempts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	exhausted, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "youtube", Priority: 10})
	attempts := 3
	if _, err := store.UpdateTask(ctx, exhausted.ID, farmagent.TaskPatch{FailedAttempts: &attempts}); err != nil {
		t.Fatalf("update attempts: %v", err)
	}
	fresh, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "youtube", Priority: 1})

	tasks, err := store.FetchPendingTasks(ctx, 5, 3)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh task, got %+v", tasks)
	}
}

func TestCreateTaskRoundTripsTargets(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "instagram", Targets: []string{"cats", "dogs"}, Priority: 2})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	got, err := store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != farmagent.TaskPending || got.AppTarget != "instagram" || got.Priority != 2 {
		t.Fatalf("unexpected task %+v", got)
	}
	if len(got.Targets) != 2 || got.Targets[0] != "cats" || got.Targets[1] != "dogs" {
		t.Fatalf("unexpected targets %v", got.Targets)
	}
	if got.StartTime != nil || got.CompletedAt != nil {
		t.Fatalf("expected no start/completion time, got %+v", got)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, farmagent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.CreateTask(ctx, farmagent.NewTask{}); err == nil {
		t.Fatalf("expected error for empty app target")
	}
}

func TestClaimTaskIsConditional(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "youtube"})

	at := time.Unix(1700000000, 0)
	claimed, err := store.ClaimTask(ctx, task.ID, "D1", at)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if claimed.Status != farmagent.TaskRunning || claimed.DeviceID != "D1" {
		t.Fatalf("unexpected claimed task %+v", claimed)
	}
	if claimed.StartTime == nil || !claimed.StartTime.Equal(at) {
		t.Fatalf("unexpected start time %v", claimed.StartTime)
	}
	if _, err := store.ClaimTask(ctx, task.ID, "D2", at); !errors.Is(err, farmagent.ErrClaimConflict) {
		t.Fatalf("expected ErrClaimConflict on second claim, got %v", err)
	}
	if _, err := store.ClaimTask(ctx, "missing", "D2", at); !errors.Is(err, farmagent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateTaskExpectStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "youtube"})

	running := farmagent.TaskRunning
	completed := farmagent.TaskCompleted
	if _, err := store.UpdateTask(ctx, task.ID, farmagent.TaskPatch{ExpectStatus: &running, Status: &completed}); !errors.Is(err, farmagent.ErrClaimConflict) {
		t.Fatalf("expected ErrClaimConflict for a pending task, got %v", err)
	}

	if _, err := store.ClaimTask(ctx, task.ID, "D1", time.Now()); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	now := time.Now()
	empty := ""
	updated, err := store.UpdateTask(ctx, task.ID, farmagent.TaskPatch{
		ExpectStatus: &running,
		Status:       &completed,
		CompletedAt:  &now,
		DeviceID:     &empty,
	})
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if updated.Status != farmagent.TaskCompleted || updated.DeviceID != "" || updated.CompletedAt == nil {
		t.Fatalf("unexpected task %+v", updated)
	}

	count, err := store.CountTasks(ctx, farmagent.TaskCompleted)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 completed task, got %d (%v)", count, err)
	}
	total, err := store.CountTasks(ctx, "")
	if err != nil || total != 1 {
		t.Fatalf("expected 1 task in total, got %d (%v)", total, err)
	}
}

func TestListTasksFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.CreateTask(ctx, farmagent.NewTask{AppTarget: "youtube"})
	store.CreateTask(ctx, farmagent.NewTask{AppTarget: "tiktok"})
	third, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "tiktok"})
	store.ClaimTask(ctx, third.ID, "D1", time.Now())

	tiktok, err := store.ListTasks(ctx, farmagent.TaskFilter{AppTarget: "tiktok"})
	if err != nil || len(tiktok) != 2 {
		t.Fatalf("expected 2 tiktok tasks, got %d (%v)", len(tiktok), err)
	}
	running, err := store.ListTasks(ctx, farmagent.TaskFilter{Status: farmagent.TaskRunning})
	if err != nil || len(running) != 1 || running[0].ID != third.ID {
		t.Fatalf("expected the claimed task, got %+v (%v)", running, err)
	}
	limited, err := store.ListTasks(ctx, farmagent.TaskFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected 1 task, got %d (%v)", len(limited), err)
	}
}

func TestUpsertDeviceIsIdempotentAndPreservesBusy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seen := time.Unix(1700000000, 0)

	dev := farmagent.Device{ID: "D1", Model: "Pixel", OSVersion: "14", BatteryLevel: 80, Status: farmagent.DeviceIdle, IsActive: true, LastSeen: seen}
	if _, err := store.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	dev.BatteryLevel = 70
	again, err := store.UpsertDevice(ctx, dev)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if again.Status != farmagent.DeviceIdle || again.BatteryLevel != 70 {
		t.Fatalf("unexpected device after re-upsert %+v", again)
	}
	all, _ := store.ListDevices(ctx)
	if len(all) != 1 {
		t.Fatalf("expected one device record, got %d", len(all))
	}

	if _, err := store.ClaimDevice(ctx, "D1", "T1"); err != nil {
		t.Fatalf("claim device: %v", err)
	}
	busy, err := store.UpsertDevice(ctx, dev)
	if err != nil {
		t.Fatalf("upsert busy device: %v", err)
	}
	if busy.Status != farmagent.DeviceBusy || busy.CurrentTaskID != "T1" {
		t.Fatalf("re-registration must keep busy, got %+v", busy)
	}

	// a busy device that was marked disconnected comes back busy while its task runs
	disconnected := farmagent.DeviceDisconnected
	inactive := false
	if _, err := store.UpdateDevice(ctx, "D1", farmagent.DevicePatch{Status: &disconnected, IsActive: &inactive}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	back, err := store.UpsertDevice(ctx, dev)
	if err != nil {
		t.Fatalf("upsert reconnected device: %v", err)
	}
	if back.Status != farmagent.DeviceBusy || !back.IsActive {
		t.Fatalf("expected busy active device, got %+v", back)
	}
}

func TestUpsertDeviceKeepsBatteryCritical(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	dev := farmagent.Device{ID: "D1", Status: farmagent.DeviceIdle, IsActive: true}
	store.UpsertDevice(ctx, dev)

	critical := farmagent.DeviceBatteryCritical
	if _, err := store.UpdateDevice(ctx, "D1", farmagent.DevicePatch{Status: &critical}); err != nil {
		t.Fatalf("mark critical: %v", err)
	}
	got, err := store.UpsertDevice(ctx, dev)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got.Status != farmagent.DeviceBatteryCritical {
		t.Fatalf("expected battery_critical to survive, got %s", got.Status)
	}
}

func TestClaimAndReleaseDevice(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.UpsertDevice(ctx, farmagent.Device{ID: "D1", Status: farmagent.DeviceIdle, IsActive: true})

	if _, err := store.ClaimDevice(ctx, "D1", "T1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.ClaimDevice(ctx, "D1", "T2"); !errors.Is(err, farmagent.ErrClaimConflict) {
		t.Fatalf("expected ErrClaimConflict, got %v", err)
	}
	if _, err := store.ClaimDevice(ctx, "missing", "T2"); !errors.Is(err, farmagent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	at := time.Unix(1700000100, 0)
	released, err := store.ReleaseDevice(ctx, "D1", at)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != farmagent.DeviceIdle || released.CurrentTaskID != "" || !released.LastTaskTime.Equal(at) {
		t.Fatalf("unexpected released device %+v", released)
	}

	// release keeps statuses other than busy
	store.ClaimDevice(ctx, "D1", "T3")
	critical := farmagent.DeviceBatteryCritical
	store.UpdateDevice(ctx, "D1", farmagent.DevicePatch{Status: &critical})
	kept, err := store.ReleaseDevice(ctx, "D1", at)
	if err != nil {
		t.Fatalf("release critical: %v", err)
	}
	if kept.Status != farmagent.DeviceBatteryCritical || kept.CurrentTaskID != "" {
		t.Fatalf("expected battery_critical without task, got %+v", kept)
	}
}

func TestConcurrentClaimDeviceHasOneWinner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.UpsertDevice(ctx, farmagent.Device{ID: "D1", Status: farmagent.DeviceIdle, IsActive: true})

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.ClaimDevice(ctx, "D1", "T"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, farmagent.ErrClaimConflict) {
				t.Errorf("worker %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}
}

func TestListIdleDevicesLeastRecentlyUsedFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"D1", "D2", "D3", "D4"} {
		store.UpsertDevice(ctx, farmagent.Device{ID: id, Status: farmagent.DeviceIdle, IsActive: true})
	}
	base := time.Unix(1700000000, 0)
	for i, id := range []string{"D1", "D2"} {
		store.ClaimDevice(ctx, id, "T")
		store.ReleaseDevice(ctx, id, base.Add(time.Duration(2-i)*time.Minute))
	}
	inactive := false
	store.UpdateDevice(ctx, "D4", farmagent.DevicePatch{IsActive: &inactive})

	idle, err := store.ListIdleDevices(ctx)
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	var got []string
	for _, dev := range idle {
		got = append(got, dev.ID)
	}
	want := []string{"D3", "D2", "D1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestUpdateDeviceExpectStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.UpsertDevice(ctx, farmagent.Device{ID: "D1", Status: farmagent.DeviceIdle, IsActive: true})

	critical := farmagent.DeviceBatteryCritical
	streak := 2
	if _, err := store.UpdateDevice(ctx, "D1", farmagent.DevicePatch{ExpectStatus: &critical, HealthyStreak: &streak}); !errors.Is(err, farmagent.ErrClaimConflict) {
		t.Fatalf("expected ErrClaimConflict, got %v", err)
	}
	store.UpdateDevice(ctx, "D1", farmagent.DevicePatch{Status: &critical})
	got, err := store.UpdateDevice(ctx, "D1", farmagent.DevicePatch{ExpectStatus: &critical, HealthyStreak: &streak})
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if got.HealthyStreak != 2 {
		t.Fatalf("expected streak 2, got %d", got.HealthyStreak)
	}
}

func TestActivityLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	entries := []farmagent.ActivityLogEntry{
		{DeviceID: "D1", TaskID: "T1", Action: "unlock_device", Outcome: farmagent.OutcomeSuccess, Timestamp: base},
		{DeviceID: "D1", TaskID: "T1", Action: "search_content", Outcome: farmagent.OutcomeFailed, Detail: "boom", Timestamp: base.Add(time.Second)},
		{DeviceID: "D2", TaskID: "T2", Action: "unlock_device", Outcome: farmagent.OutcomeSuccess, Timestamp: base.Add(2 * time.Second)},
	}
	for _, entry := range entries {
		if err := store.RecordActivity(ctx, entry); err != nil {
			t.Fatalf("record activity: %v", err)
		}
	}

	d1, err := store.ListActivity(ctx, farmagent.ActivityFilter{DeviceID: "D1"})
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(d1) != 2 || d1[0].Action != "search_content" || d1[0].Outcome != farmagent.OutcomeFailed || d1[0].Detail != "boom" {
		t.Fatalf("unexpected device activity %+v", d1)
	}
	latest, err := store.ListActivity(ctx, farmagent.ActivityFilter{Limit: 1})
	if err != nil || len(latest) != 1 || latest[0].DeviceID != "D2" {
		t.Fatalf("expected newest entry from D2, got %+v (%v)", latest, err)
	}
	byTask, err := store.ListActivity(ctx, farmagent.ActivityFilter{TaskID: "T2"})
	if err != nil || len(byTask) != 1 {
		t.Fatalf("expected one entry for T2, got %+v (%v)", byTask, err)
	}
}

func TestFormatSQLForLog(t *testing.T) {
	got := formatSQLForLog("SELECT * FROM tasks\n\tWHERE id = ? AND priority > ?", "it's", 3)
	want := "SELECT * FROM tasks WHERE id = 'it''s' AND priority > 3"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := formatSQLForLog("SELECT 1", nil); got != "SELECT 1 /* extra args: NULL */" {
		t.Fatalf("unexpected extra args rendering %q", got)
	}
}

func TestSummaryAggregatesViewsAndInteractions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	yt, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "youtube", Targets: []string{"lofi"}})
	tk, _ := store.CreateTask(ctx, farmagent.NewTask{AppTarget: "tiktok", Targets: []string{"cats"}})

	base := time.Unix(1700000000, 0)
	entries := []farmagent.ActivityLogEntry{
		{DeviceID: "D1", TaskID: yt.ID, Action: "view_content", Duration: 90 * time.Second},
		{DeviceID: "D1", TaskID: yt.ID, Action: "like", Detail: "like"},
		{DeviceID: "D1", TaskID: yt.ID, Action: "comment", Detail: "comment: nice"},
		{DeviceID: "D2", TaskID: tk.ID, Action: "view_content", Duration: 30 * time.Second},
		{DeviceID: "D2", TaskID: tk.ID, Action: "follow", Detail: "follow"},
		// ignored: failed interaction and non-statistics actions
		{DeviceID: "D2", TaskID: tk.ID, Action: "like", Outcome: farmagent.OutcomeFailed, Detail: "tap rejected"},
		{DeviceID: "D2", TaskID: tk.ID, Action: "simulate_human", Detail: "scroll"},
		{DeviceID: "D1", TaskID: yt.ID, Action: "return_home"},
	}
	for i, entry := range entries {
		entry.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := store.RecordActivity(ctx, entry); err != nil {
			t.Fatalf("record activity: %v", err)
		}
	}

	summary, err := store.Summary(ctx, farmagent.StatsFilter{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalViews != 2 || summary.TotalViewTime != 2*time.Minute || summary.TotalInteractions != 3 {
		t.Fatalf("unexpected totals %+v", summary)
	}
	if len(summary.ByApp) != 2 || summary.ByApp[0].Key != "youtube" || summary.ByApp[0].ViewTime != 90*time.Second || summary.ByApp[0].Interactions != 2 {
		t.Fatalf("unexpected per-app stats %+v", summary.ByApp)
	}
	if summary.ByApp[1].Key != "tiktok" || summary.ByApp[1].Interactions != 1 {
		t.Fatalf("unexpected per-app stats %+v", summary.ByApp)
	}
	if len(summary.ByDevice) != 2 || summary.ByDevice[0].Key != "D1" || summary.ByDevice[1].ViewTime != 30*time.Second {
		t.Fatalf("unexpected per-device stats %+v", summary.ByDevice)
	}
	if len(summary.Recent) != 5 || summary.Recent[0].Action != "follow" {
		t.Fatalf("expected recent statistics entries newest first, got %+v", summary.Recent)
	}
	if summary.Recent[1].Duration != 30*time.Second {
		t.Fatalf("expected the view duration to round-trip, got %s", summary.Recent[1].Duration)
	}

	onlyTikTok, err := store.Summary(ctx, farmagent.StatsFilter{AppTarget: "TikTok", RecentLimit: 1})
	if err != nil {
		t.Fatalf("summary by app: %v", err)
	}
	if onlyTikTok.TotalViewTime != 30*time.Second || len(onlyTikTok.ByDevice) != 1 || onlyTikTok.ByDevice[0].Key != "D2" || len(onlyTikTok.Recent) != 1 {
		t.Fatalf("unexpected filtered summary %+v", onlyTikTok)
	}

	windowed, err := store.Summary(ctx, farmagent.StatsFilter{Since: base.Add(3 * time.Second)})
	if err != nil {
		t.Fatalf("summary since: %v", err)
	}
	if windowed.TotalViews != 1 || windowed.TotalInteractions != 1 {
		t.Fatalf("expected only entries after the window start, got %+v", windowed)
	}

	empty, err := store.Summary(ctx, farmagent.StatsFilter{DeviceID: "D9"})
	if err != nil || empty.TotalViews != 0 || len(empty.ByApp) != 0 || len(empty.Recent) != 0 {
		t.Fatalf("expected an empty summary for an unknown device, got %+v (%v)", empty, err)
	}
}
