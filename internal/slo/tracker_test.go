package slo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/config"
)

func TestSnapshotAggregates(t *testing.T) {
	tr := NewTracker(config.SLOConfig{})

	tr.ObserveTool("shell.exec", "ok", 40*time.Millisecond)
	tr.ObserveTool("shell.exec", "error", 100*time.Millisecond)
	tr.ObserveMCP("files", "ok")
	tr.ObserveMCP("files", "error")
	tr.ObserveBusDispatch("inbound", "processed", 5*time.Millisecond)
	tr.ObserveBusDispatch("inbound", "retry", 5*time.Millisecond)
	tr.ObserveQueueDepth("inbound", 7, 2)
	tr.ObserveSchedulerFiring(250*time.Millisecond, "enqueued")
	tr.ObserveSchedulerFiring(100*time.Millisecond, "error")
	tr.ObserveWorker("web.fetch", "timeout", time.Second)

	snap := tr.Snapshot()
	tool := snap.Tools["shell.exec"]
	if tool.Calls != 2 || tool.Failures != 1 || tool.MaxLatencyMs != 100 || tool.TotalLatencyMs != 140 {
		t.Fatalf("tool stats = %+v", tool)
	}
	if got := snap.MCP["files"].FailureRate(); got != 0.5 {
		t.Fatalf("mcp failure rate = %v", got)
	}
	busStats := snap.Bus["inbound"]
	if busStats.Dispatches != 2 || busStats.Failures != 1 || busStats.Pending != 7 || busStats.DeadLetter != 2 {
		t.Fatalf("bus stats = %+v", busStats)
	}
	if snap.Scheduler.Dispatches != 2 || snap.Scheduler.Failures != 1 || snap.Scheduler.MaxDelayMs != 250 {
		t.Fatalf("scheduler stats = %+v", snap.Scheduler)
	}
	if snap.Workers.Spawns != 1 || snap.Workers.Failures != 1 {
		t.Fatalf("worker stats = %+v", snap.Workers)
	}
}

func TestCheckThresholdsFindsBreaches(t *testing.T) {
	tr := NewTracker(config.SLOConfig{
		MaxPendingQueue:     5,
		MaxDeadLetterQueue:  1,
		MaxToolFailureRate:  0.4,
		MaxSchedulerDelayMs: 100,
		MaxMcpFailureRate:   0.4,
	})

	tr.ObserveQueueDepth("inbound", 10, 3)
	tr.ObserveTool("flaky", "error", time.Millisecond)
	tr.ObserveSchedulerFiring(500*time.Millisecond, "enqueued")
	tr.ObserveMCP("files", "error")

	alerts := tr.CheckThresholds(context.Background())
	kinds := map[string]bool{}
	for _, a := range alerts {
		kinds[a.Kind] = true
	}
	for _, want := range []string{"pending_queue", "dead_letter_queue", "tool_failure_rate", "scheduler_delay", "mcp_failure_rate"} {
		if !kinds[want] {
			t.Fatalf("missing alert kind %s in %v", want, alerts)
		}
	}
}

func TestCheckThresholdsQuietWhenHealthy(t *testing.T) {
	tr := NewTracker(config.SLOConfig{MaxPendingQueue: 100, MaxToolFailureRate: 0.5})
	tr.ObserveQueueDepth("inbound", 3, 0)
	tr.ObserveTool("fine", "ok", time.Millisecond)

	if alerts := tr.CheckThresholds(context.Background()); len(alerts) != 0 {
		t.Fatalf("alerts = %+v, want none", alerts)
	}
}

func TestAlertWebhookCooldown(t *testing.T) {
	var received []Alert
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var a Alert
		if err := json.Unmarshal(body, &a); err != nil {
			t.Errorf("bad alert payload: %v", err)
		}
		received = append(received, a)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	tr := NewTracker(config.SLOConfig{
		MaxPendingQueue: 1,
		AlertWebhookURL: hook.URL,
		AlertCooldownMs: 60000,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	tr.ObserveQueueDepth("inbound", 5, 0)

	tr.CheckThresholds(context.Background())
	tr.CheckThresholds(context.Background())
	if len(received) != 1 {
		t.Fatalf("alerts delivered = %d, want 1 within cooldown", len(received))
	}

	now = now.Add(2 * time.Minute)
	tr.CheckThresholds(context.Background())
	if len(received) != 2 {
		t.Fatalf("alerts delivered = %d, want 2 after cooldown", len(received))
	}
}

func TestServerEndpoints(t *testing.T) {
	tr := NewTracker(config.SLOConfig{})
	tr.ObserveTool("shell.exec", "ok", time.Millisecond)

	readyErr := error(nil)
	srv := NewServer(config.ObservabilityHTTPConfig{}, tr, func(context.Context) error { return readyErr })
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	get := func(path string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, string(body)
	}

	if resp, _ := get("/health/live"); resp.StatusCode != http.StatusOK {
		t.Fatalf("live = %d", resp.StatusCode)
	}
	if resp, _ := get("/health/startup"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("startup before MarkStarted = %d", resp.StatusCode)
	}
	if resp, _ := get("/health/ready"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready before MarkStarted = %d", resp.StatusCode)
	}

	srv.MarkStarted()
	if resp, _ := get("/health/startup"); resp.StatusCode != http.StatusOK {
		t.Fatalf("startup = %d", resp.StatusCode)
	}
	if resp, _ := get("/health/ready"); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready = %d", resp.StatusCode)
	}

	readyErr = context.DeadlineExceeded
	if resp, _ := get("/health/ready"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing check = %d", resp.StatusCode)
	}

	resp, body := get("/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Snapshot Snapshot `json:"snapshot"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Snapshot.Tools["shell.exec"].Calls != 1 {
		t.Fatalf("status snapshot = %+v", payload.Snapshot)
	}

	resp, metricsBody := get("/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(metricsBody, "coreclaw_tool_calls_total") {
		t.Fatalf("metrics missing counter: %s", metricsBody)
	}
}
