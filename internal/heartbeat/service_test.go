package heartbeat

import (
	"context"
	"path/filepath"
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

func testConfig() config.HeartbeatConfig {
	return config.HeartbeatConfig{
		Enabled:             true,
		IntervalMs:          1800000,
		WakeDebounceMs:      15000,
		WakeRetryMs:         60000,
		SkipWhenInboundBusy: true,
		AckToken:            "HEARTBEAT_OK",
		SuppressAck:         true,
		DedupeWindowMs:      3600000,
		MaxDispatchPerRun:   5,
	}
}

func newTestService(t *testing.T, cfg config.HeartbeatConfig) (*Service, *storage.Store, *fakePublisher, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "hb.sqlite"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	pub := &fakePublisher{}
	svc := NewService(store, pub, cfg)
	svc.now = func() time.Time { return now }
	return svc, store, pub, &now
}

func TestWakeDebounced(t *testing.T) {
	svc, _, pub, now := newTestService(t, testConfig())
	ctx := context.Background()

	svc.Wake("cli", "local")
	svc.Flush(ctx)
	if len(pub.envs) != 0 {
		t.Fatal("wake inside debounce window must not dispatch")
	}

	// A second request restarts the window.
	*now = now.Add(10 * time.Second)
	svc.Wake("cli", "local")
	*now = now.Add(10 * time.Second)
	svc.Flush(ctx)
	if len(pub.envs) != 0 {
		t.Fatal("latest wake restarted the debounce window")
	}

	*now = now.Add(6 * time.Second)
	svc.Flush(ctx)
	if len(pub.envs) != 1 {
		t.Fatalf("expected 1 dispatch after debounce, got %d", len(pub.envs))
	}

	env := pub.envs[0]
	if env.SenderID != "heartbeat" || !env.MetaBool("isHeartbeat") {
		t.Fatalf("envelope: %+v", env)
	}
	if env.Content == "" {
		t.Fatal("expected non-empty wake prompt")
	}

	// The pending wake is consumed.
	svc.Flush(ctx)
	if len(pub.envs) != 1 {
		t.Fatal("wake dispatched twice")
	}
}

func TestBusyChatDeferred(t *testing.T) {
	svc, store, pub, now := newTestService(t, testConfig())
	ctx := context.Background()

	// The chat has inbound work in flight.
	_, _, err := store.PublishEnvelope(ctx, storage.PublishParams{
		Direction: storage.DirectionInbound, MessageID: "busy-1",
		Channel: "cli", ChatID: "local", MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("PublishEnvelope: %v", err)
	}

	svc.Wake("cli", "local")
	*now = now.Add(20 * time.Second)
	svc.Flush(ctx)
	if len(pub.envs) != 0 {
		t.Fatal("busy chat must defer the wake")
	}

	// Not yet past the retry delay.
	*now = now.Add(30 * time.Second)
	svc.Flush(ctx)
	if len(pub.envs) != 0 {
		t.Fatal("deferred wake fired before wake_retry_ms")
	}

	// Drain the queue and pass the retry delay.
	due, _ := store.DueQueueRecords(ctx, storage.DirectionInbound, 10)
	store.ClaimQueueRecord(ctx, due[0].ID)
	store.MarkQueueProcessed(ctx, due[0].ID)

	*now = now.Add(40 * time.Second)
	svc.Flush(ctx)
	if len(pub.envs) != 1 {
		t.Fatalf("expected deferred wake to fire, got %d", len(pub.envs))
	}
}

func TestActiveHoursGate(t *testing.T) {
	cfg := testConfig()
	cfg.ActiveHours = "08:00-22:00"
	svc, _, pub, now := newTestService(t, cfg)
	ctx := context.Background()

	// 23:30 is outside the window.
	*now = time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	svc.Wake("cli", "local")
	*now = now.Add(20 * time.Second)
	svc.Flush(ctx)
	if len(pub.envs) != 0 {
		t.Fatal("wake outside active hours dispatched")
	}

	*now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.Flush(ctx)
	if len(pub.envs) != 1 {
		t.Fatalf("expected wake inside active hours, got %d", len(pub.envs))
	}
}

func TestActiveHoursCrossMidnight(t *testing.T) {
	cfg := testConfig()
	cfg.ActiveHours = "22:00-06:00"
	svc, _, _, now := newTestService(t, cfg)

	*now = time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	if !svc.withinActiveHours(*now) {
		t.Fatal("23:00 should be inside 22:00-06:00")
	}
	*now = time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	if !svc.withinActiveHours(*now) {
		t.Fatal("05:00 should be inside 22:00-06:00")
	}
	*now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	if svc.withinActiveHours(*now) {
		t.Fatal("12:00 should be outside 22:00-06:00")
	}
}

func TestMaxDispatchPerRun(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDispatchPerRun = 2
	svc, _, pub, now := newTestService(t, cfg)
	ctx := context.Background()

	for _, chat := range []string{"a", "b", "c", "d"} {
		svc.Wake("cli", chat)
	}
	*now = now.Add(20 * time.Second)
	svc.Flush(ctx)
	if len(pub.envs) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(pub.envs))
	}
	svc.Flush(ctx)
	if len(pub.envs) != 4 {
		t.Fatalf("expected remaining wakes on next run, got %d", len(pub.envs))
	}
}

func TestIntervalWakesTrackedChats(t *testing.T) {
	svc, _, pub, now := newTestService(t, testConfig())
	ctx := context.Background()

	svc.TrackChat("cli", "local")
	svc.TrackChat("webhook", "w1")
	svc.wakeAll()
	*now = now.Add(20 * time.Second)
	svc.Flush(ctx)
	if len(pub.envs) != 2 {
		t.Fatalf("expected 2 wakes, got %d", len(pub.envs))
	}
}

func TestShouldSuppress(t *testing.T) {
	svc, store, _, now := newTestService(t, testConfig())
	ctx := context.Background()

	ok, reason, err := svc.ShouldSuppress(ctx, "cli", "local", "HEARTBEAT_OK")
	if err != nil || !ok || reason != "ack token" {
		t.Fatalf("ack: ok=%v reason=%q err=%v", ok, reason, err)
	}
	ok, _, _ = svc.ShouldSuppress(ctx, "cli", "local", "  HEARTBEAT_OK\n")
	if !ok {
		t.Fatal("whitespace-padded ack token should suppress")
	}

	ok, _, err = svc.ShouldSuppress(ctx, "cli", "local", "something happened")
	if err != nil || ok {
		t.Fatalf("fresh content: ok=%v err=%v", ok, err)
	}

	// Identical content inside the dedupe window suppresses.
	store.PublishEnvelope(ctx, storage.PublishParams{
		Direction: storage.DirectionOutbound, MessageID: "o1",
		Channel: "cli", ChatID: "local", Content: "something happened", MaxAttempts: 3,
	})
	*now = now.Add(30 * time.Minute)
	ok, reason, _ = svc.ShouldSuppress(ctx, "cli", "local", "something happened")
	if !ok || reason != "duplicate content" {
		t.Fatalf("dup: ok=%v reason=%q", ok, reason)
	}

	// Outside the window it goes through.
	*now = now.Add(2 * time.Hour)
	ok, _, _ = svc.ShouldSuppress(ctx, "cli", "local", "something happened")
	if ok {
		t.Fatal("content outside dedupe window suppressed")
	}
}
