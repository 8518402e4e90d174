// Package slo aggregates runtime telemetry, checks alert thresholds, and
// serves the observability endpoints.
package slo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coreclaw/coreclaw/internal/config"
)

// ToolStats aggregates per-tool execution telemetry.
type ToolStats struct {
	Calls          int64 `json:"calls"`
	Failures       int64 `json:"failures"`
	TotalLatencyMs int64 `json:"totalLatencyMs"`
	MaxLatencyMs   int64 `json:"maxLatencyMs"`
}

// FailureRate returns failures/calls in [0,1].
func (t ToolStats) FailureRate() float64 {
	if t.Calls <= 0 {
		return 0
	}
	return float64(t.Failures) / float64(t.Calls)
}

// SchedulerStats aggregates task firing telemetry.
type SchedulerStats struct {
	Dispatches   int64 `json:"dispatches"`
	Failures     int64 `json:"failures"`
	TotalDelayMs int64 `json:"totalDelayMs"`
	MaxDelayMs   int64 `json:"maxDelayMs"`
}

// BusStats aggregates per-direction queue telemetry.
type BusStats struct {
	Dispatches int64 `json:"dispatches"`
	Failures   int64 `json:"failures"`
	Pending    int   `json:"pending"`
	DeadLetter int   `json:"deadLetter"`
}

// MCPStats aggregates per-server MCP call telemetry.
type MCPStats struct {
	Calls    int64 `json:"calls"`
	Failures int64 `json:"failures"`
}

// FailureRate returns failures/calls in [0,1].
func (m MCPStats) FailureRate() float64 {
	if m.Calls <= 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Calls)
}

// WorkerStats aggregates isolated-worker telemetry.
type WorkerStats struct {
	Spawns   int64 `json:"spawns"`
	Failures int64 `json:"failures"`
}

// Snapshot is a point-in-time copy of every aggregate.
type Snapshot struct {
	UpdatedAt time.Time            `json:"updatedAt"`
	Tools     map[string]ToolStats `json:"tools"`
	Scheduler SchedulerStats       `json:"scheduler"`
	Bus       map[string]BusStats  `json:"bus"`
	MCP       map[string]MCPStats  `json:"mcp"`
	Workers   WorkerStats          `json:"workers"`
}

// Alert is one threshold breach.
type Alert struct {
	Kind     string    `json:"kind"`
	Detail   string    `json:"detail"`
	Value    float64   `json:"value"`
	Limit    float64   `json:"limit"`
	RaisedAt time.Time `json:"raisedAt"`
}

// Tracker collects telemetry from the bus, scheduler, sandbox, and tool
// registry, and periodically checks the configured thresholds.
type Tracker struct {
	cfg config.SLOConfig

	mu        sync.Mutex
	tools     map[string]*ToolStats
	scheduler SchedulerStats
	bus       map[string]*BusStats
	mcp       map[string]*MCPStats
	workers   WorkerStats
	updatedAt time.Time
	lastAlert map[string]time.Time

	registry       *prometheus.Registry
	promTool       *prometheus.CounterVec
	promBus        *prometheus.CounterVec
	promPending    *prometheus.GaugeVec
	promDead       *prometheus.GaugeVec
	promSchedDelay prometheus.Gauge
	promWorker     *prometheus.CounterVec

	httpClient *http.Client
	now        func() time.Time

	running  bool
	stopChan chan struct{}
	stopped  chan struct{}
}

// NewTracker creates a tracker with its own prometheus registry.
func NewTracker(cfg config.SLOConfig) *Tracker {
	t := &Tracker{
		cfg:        cfg,
		tools:      make(map[string]*ToolStats),
		bus:        make(map[string]*BusStats),
		mcp:        make(map[string]*MCPStats),
		lastAlert:  make(map[string]time.Time),
		registry:   prometheus.NewRegistry(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}

	t.promTool = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coreclaw_tool_calls_total",
		Help: "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})
	t.promBus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coreclaw_bus_dispatch_total",
		Help: "Bus dispatches by direction and outcome.",
	}, []string{"direction", "outcome"})
	t.promPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coreclaw_queue_pending",
		Help: "Pending queue records per direction.",
	}, []string{"direction"})
	t.promDead = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coreclaw_queue_dead_letter",
		Help: "Dead-lettered queue records per direction.",
	}, []string{"direction"})
	t.promSchedDelay = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coreclaw_scheduler_last_delay_ms",
		Help: "Delay of the most recent scheduler firing in milliseconds.",
	})
	t.promWorker = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coreclaw_worker_spawns_total",
		Help: "Isolated worker spawns by tool and outcome.",
	}, []string{"tool", "outcome"})
	t.registry.MustRegister(t.promTool, t.promBus, t.promPending, t.promDead, t.promSchedDelay, t.promWorker)

	return t
}

// Registry exposes the prometheus registry for the metrics endpoint.
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// ObserveTool implements the registry observer.
func (t *Tracker) ObserveTool(name, outcome string, elapsed time.Duration) {
	t.promTool.WithLabelValues(name, outcome).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.tools[name]
	if s == nil {
		s = &ToolStats{}
		t.tools[name] = s
	}
	s.Calls++
	if outcome != "ok" {
		s.Failures++
	}
	ms := elapsed.Milliseconds()
	s.TotalLatencyMs += ms
	if ms > s.MaxLatencyMs {
		s.MaxLatencyMs = ms
	}
	t.updatedAt = t.now()
}

// ObserveMCP implements the registry MCP observer.
func (t *Tracker) ObserveMCP(server, outcome string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.mcp[server]
	if s == nil {
		s = &MCPStats{}
		t.mcp[server] = s
	}
	s.Calls++
	if outcome != "ok" {
		s.Failures++
	}
	t.updatedAt = t.now()
}

// ObserveBusDispatch implements the bus observer.
func (t *Tracker) ObserveBusDispatch(direction, outcome string, _ time.Duration) {
	t.promBus.WithLabelValues(direction, outcome).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.busStatsLocked(direction)
	s.Dispatches++
	if outcome != "processed" {
		s.Failures++
	}
	t.updatedAt = t.now()
}

// ObserveQueueDepth implements the bus depth observer.
func (t *Tracker) ObserveQueueDepth(direction string, pending, deadLetter int) {
	t.promPending.WithLabelValues(direction).Set(float64(pending))
	t.promDead.WithLabelValues(direction).Set(float64(deadLetter))

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.busStatsLocked(direction)
	s.Pending = pending
	s.DeadLetter = deadLetter
	t.updatedAt = t.now()
}

// ObserveSchedulerFiring implements the scheduler observer.
func (t *Tracker) ObserveSchedulerFiring(delay time.Duration, outcome string) {
	ms := delay.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	t.promSchedDelay.Set(float64(ms))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduler.Dispatches++
	switch outcome {
	case "enqueued", "duplicate":
	default:
		t.scheduler.Failures++
	}
	t.scheduler.TotalDelayMs += ms
	if ms > t.scheduler.MaxDelayMs {
		t.scheduler.MaxDelayMs = ms
	}
	t.updatedAt = t.now()
}

// ObserveWorker implements the sandbox observer.
func (t *Tracker) ObserveWorker(tool, outcome string, _ time.Duration) {
	t.promWorker.WithLabelValues(tool, outcome).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers.Spawns++
	if outcome != "ok" {
		t.workers.Failures++
	}
	t.updatedAt = t.now()
}

func (t *Tracker) busStatsLocked(direction string) *BusStats {
	s := t.bus[direction]
	if s == nil {
		s = &BusStats{}
		t.bus[direction] = s
	}
	return s
}

// Snapshot copies every aggregate.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		UpdatedAt: t.updatedAt,
		Tools:     make(map[string]ToolStats, len(t.tools)),
		Scheduler: t.scheduler,
		Bus:       make(map[string]BusStats, len(t.bus)),
		MCP:       make(map[string]MCPStats, len(t.mcp)),
		Workers:   t.workers,
	}
	for name, s := range t.tools {
		snap.Tools[name] = *s
	}
	for direction, s := range t.bus {
		snap.Bus[direction] = *s
	}
	for server, s := range t.mcp {
		snap.MCP[server] = *s
	}
	return snap
}

// Start launches the periodic threshold check.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("slo tracker already running")
	}
	t.running = true
	t.stopChan = make(chan struct{})
	t.stopped = make(chan struct{})
	t.mu.Unlock()

	interval := time.Duration(t.cfg.CheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	go t.loop(interval)
	slog.Info("slo tracker started", "check_interval", interval)
	return nil
}

// Stop halts the periodic check.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopChan)
	t.mu.Unlock()
	<-t.stopped
}

func (t *Tracker) loop(interval time.Duration) {
	defer close(t.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.CheckThresholds(context.Background())
		}
	}
}

// CheckThresholds evaluates every configured limit against the current
// snapshot and dispatches alerts for fresh breaches.
func (t *Tracker) CheckThresholds(ctx context.Context) []Alert {
	snap := t.Snapshot()
	now := t.now()
	var alerts []Alert

	for direction, s := range snap.Bus {
		if t.cfg.MaxPendingQueue > 0 && s.Pending > t.cfg.MaxPendingQueue {
			alerts = append(alerts, Alert{
				Kind:   "pending_queue",
				Detail: direction,
				Value:  float64(s.Pending),
				Limit:  float64(t.cfg.MaxPendingQueue),
			})
		}
		if t.cfg.MaxDeadLetterQueue > 0 && s.DeadLetter > t.cfg.MaxDeadLetterQueue {
			alerts = append(alerts, Alert{
				Kind:   "dead_letter_queue",
				Detail: direction,
				Value:  float64(s.DeadLetter),
				Limit:  float64(t.cfg.MaxDeadLetterQueue),
			})
		}
	}
	if t.cfg.MaxToolFailureRate > 0 {
		for name, s := range snap.Tools {
			if rate := s.FailureRate(); rate > t.cfg.MaxToolFailureRate {
				alerts = append(alerts, Alert{
					Kind:   "tool_failure_rate",
					Detail: name,
					Value:  rate,
					Limit:  t.cfg.MaxToolFailureRate,
				})
			}
		}
	}
	if t.cfg.MaxSchedulerDelayMs > 0 && snap.Scheduler.MaxDelayMs > int64(t.cfg.MaxSchedulerDelayMs) {
		alerts = append(alerts, Alert{
			Kind:  "scheduler_delay",
			Value: float64(snap.Scheduler.MaxDelayMs),
			Limit: float64(t.cfg.MaxSchedulerDelayMs),
		})
	}
	if t.cfg.MaxMcpFailureRate > 0 {
		for server, s := range snap.MCP {
			if rate := s.FailureRate(); rate > t.cfg.MaxMcpFailureRate {
				alerts = append(alerts, Alert{
					Kind:   "mcp_failure_rate",
					Detail: server,
					Value:  rate,
					Limit:  t.cfg.MaxMcpFailureRate,
				})
			}
		}
	}

	for i := range alerts {
		alerts[i].RaisedAt = now
		t.dispatchAlert(ctx, alerts[i])
	}
	return alerts
}

// dispatchAlert POSTs a breach to the alert webhook, rate-limited per breach
// key by the cooldown.
func (t *Tracker) dispatchAlert(ctx context.Context, a Alert) {
	slog.Warn("slo threshold breached",
		"kind", a.Kind, "detail", a.Detail, "value", a.Value, "limit", a.Limit)
	if t.cfg.AlertWebhookURL == "" {
		return
	}

	key := a.Kind + ":" + a.Detail
	cooldown := time.Duration(t.cfg.AlertCooldownMs) * time.Millisecond

	t.mu.Lock()
	last, seen := t.lastAlert[key]
	if seen && cooldown > 0 && t.now().Sub(last) < cooldown {
		t.mu.Unlock()
		return
	}
	t.lastAlert[key] = t.now()
	t.mu.Unlock()

	body, err := json.Marshal(a)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Error("build alert request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		slog.Error("send alert", "kind", a.Kind, "error", err)
		return
	}
	resp.Body.Close()
}
