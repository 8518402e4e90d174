package scheduler

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

type fakePublisher struct {
	envs []bus.Envelope
}

func (f *fakePublisher) PublishInbound(_ context.Context, env bus.Envelope) (storage.PublishOutcome, error) {
	f.envs = append(f.envs, env)
	return storage.PublishEnqueued, nil
}

func newTestService(t *testing.T) (*Service, *storage.Store, *fakePublisher, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "sched.sqlite"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	pub := &fakePublisher{}
	svc := NewService(store, pub, config.SchedulerConfig{TickMs: 1000})
	svc.now = func() time.Time { return now }
	svc.stopChan = make(chan struct{})
	return svc, store, pub, &now
}

func mustChat(t *testing.T, store *storage.Store) *storage.Chat {
	t.Helper()
	chat, err := store.GetOrCreateChat(context.Background(), "cli", "local")
	if err != nil {
		t.Fatalf("GetOrCreateChat: %v", err)
	}
	return chat
}

func TestFirstRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		scheduleType  string
		scheduleValue string
		wantErr       bool
	}{
		{"valid cron", storage.ScheduleCron, "*/5 * * * *", false},
		{"invalid cron", storage.ScheduleCron, "every friday", true},
		{"interval", storage.ScheduleInterval, "60000", false},
		{"zero interval", storage.ScheduleInterval, "0", true},
		{"interval not a number", storage.ScheduleInterval, "5m", true},
		{"once rfc3339", storage.ScheduleOnce, "2026-03-02T08:00:00Z", false},
		{"once unix ms", storage.ScheduleOnce, "1770000000000", false},
		{"once garbage", storage.ScheduleOnce, "tomorrow", true},
		{"unknown type", "hourly", "1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, err := FirstRun(tt.scheduleType, tt.scheduleValue, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("FirstRun: %v", err)
			}
			if first.IsZero() {
				t.Fatal("expected non-zero first run")
			}
		})
	}

	first, err := FirstRun(storage.ScheduleInterval, "60000", now)
	if err != nil {
		t.Fatalf("FirstRun: %v", err)
	}
	if want := now.Add(time.Minute); !first.Equal(want) {
		t.Fatalf("interval first run = %v, want %v", first, want)
	}
}

func TestTickFiresDueTask(t *testing.T) {
	svc, store, pub, now := newTestService(t)
	ctx := context.Background()
	chat := mustChat(t, store)

	due := now.Add(-time.Second)
	id, err := store.CreateTask(ctx, chat.ID, "check the weather", storage.ScheduleInterval, "60000", ContextGroup, due)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	svc.Tick(ctx)

	if len(pub.envs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.envs))
	}
	env := pub.envs[0]
	if env.Channel != "cli" || env.ChatID != "local" || env.SenderID != "scheduler" {
		t.Fatalf("envelope: %+v", env)
	}
	if env.Content != "check the weather" {
		t.Fatalf("content: %q", env.Content)
	}
	if !env.MetaBool("isScheduledTask") || env.MetaString("contextMode") != ContextGroup {
		t.Fatalf("metadata: %+v", env.Metadata)
	}

	// Same due time always yields the same envelope id.
	wantID := "task:1:" + strconv.FormatInt(due.UnixMilli(), 10)
	if env.ID != wantID {
		t.Fatalf("envelope id = %q, want %q", env.ID, wantID)
	}

	task, _ := store.GetTask(ctx, id)
	if task.NextRunAt == nil || !task.NextRunAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("next run = %v, want %v", task.NextRunAt, now.Add(time.Minute))
	}

	runs, _ := store.ListTaskRuns(ctx, id, 10)
	if len(runs) != 1 || runs[0].Status != storage.TaskRunSuccess {
		t.Fatalf("runs: %+v", runs)
	}
}

func TestMissedFiringsCollapse(t *testing.T) {
	svc, store, pub, now := newTestService(t)
	ctx := context.Background()
	chat := mustChat(t, store)

	// The process was down for an hour of minutely firings.
	due := now.Add(-time.Hour)
	store.CreateTask(ctx, chat.ID, "p", storage.ScheduleInterval, "60000", ContextGroup, due)

	svc.Tick(ctx)
	svc.Tick(ctx)

	if len(pub.envs) != 1 {
		t.Fatalf("expected a single catch-up firing, got %d", len(pub.envs))
	}
	task, _ := store.GetTask(ctx, 1)
	if !task.NextRunAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("next run = %v, want %v", task.NextRunAt, now.Add(time.Minute))
	}
}

func TestOnceTaskCompletes(t *testing.T) {
	svc, store, pub, now := newTestService(t)
	ctx := context.Background()
	chat := mustChat(t, store)

	store.CreateTask(ctx, chat.ID, "one shot", storage.ScheduleOnce, "2026-03-01T11:00:00Z", ContextIsolated, now.Add(-time.Minute))
	svc.Tick(ctx)

	if len(pub.envs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.envs))
	}
	task, _ := store.GetTask(ctx, 1)
	if task.Status != storage.TaskDone || task.NextRunAt != nil {
		t.Fatalf("task after one-shot: %+v", task)
	}

	svc.Tick(ctx)
	if len(pub.envs) != 1 {
		t.Fatal("done task must not fire again")
	}
}

func TestPausedTaskDoesNotFire(t *testing.T) {
	svc, store, pub, now := newTestService(t)
	ctx := context.Background()
	chat := mustChat(t, store)

	task, err := svc.CreateTask(ctx, chat.ID, "p", storage.ScheduleInterval, "60000", "")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ContextMode != ContextGroup {
		t.Fatalf("default context mode: %q", task.ContextMode)
	}

	if err := svc.PauseTask(ctx, task.ID); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	*now = now.Add(2 * time.Minute)
	svc.Tick(ctx)
	if len(pub.envs) != 0 {
		t.Fatal("paused task fired")
	}

	if err := svc.ResumeTask(ctx, task.ID); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	*now = now.Add(2 * time.Minute)
	svc.Tick(ctx)
	if len(pub.envs) != 1 {
		t.Fatalf("expected resumed task to fire, got %d", len(pub.envs))
	}
}

func TestCreateTaskValidation(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	chat := mustChat(t, store)

	if _, err := svc.CreateTask(ctx, chat.ID, "", storage.ScheduleInterval, "1000", ""); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	if _, err := svc.CreateTask(ctx, chat.ID, "p", storage.ScheduleCron, "bad expr", ""); err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if _, err := svc.CreateTask(ctx, chat.ID, "p", storage.ScheduleInterval, "1000", "shared"); err == nil {
		t.Fatal("expected error for bad context mode")
	}
}
