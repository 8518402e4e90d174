// Package scheduler fires persisted tasks onto the inbound queue. A task
// survives restarts; a firing missed while the process was down collapses
// into a single catch-up firing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/storage"
)

// Context modes for scheduled prompts.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Publisher is the slice of the message bus the scheduler needs.
type Publisher interface {
	PublishInbound(ctx context.Context, env bus.Envelope) (storage.PublishOutcome, error)
}

// Observer receives firing telemetry. Implemented by the SLO tracker.
type Observer interface {
	ObserveSchedulerFiring(delay time.Duration, outcome string)
}

// Service polls the task table and publishes due prompts as synthetic
// inbound messages. The schedule is checkpointed before the publish so a
// crash never double-fires.
type Service struct {
	store     *storage.Store
	publisher Publisher
	cfg       config.SchedulerConfig
	observer  Observer

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopped  chan struct{}

	now func() time.Time
}

// NewService creates a scheduler over an opened store.
func NewService(store *storage.Store, publisher Publisher, cfg config.SchedulerConfig) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetObserver wires firing telemetry.
func (s *Service) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Start begins the polling loop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.loop()
	slog.Info("scheduler started", "tick_ms", s.cfg.TickMs)
	return nil
}

// Stop gracefully shuts down the polling loop.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	<-s.stopped
	slog.Info("scheduler stopped")
}

func (s *Service) loop() {
	defer close(s.stopped)

	ticker := time.NewTicker(time.Duration(s.cfg.TickMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires every due task once. Exported for tests.
func (s *Service) Tick(ctx context.Context) {
	due, err := s.store.DueTasks(ctx)
	if err != nil {
		slog.Error("scheduler poll failed", "error", err)
		return
	}

	for _, task := range due {
		select {
		case <-s.stopChan:
			return
		default:
		}
		s.fire(ctx, task)
	}
}

func (s *Service) fire(ctx context.Context, task storage.Task) {
	now := s.now()
	delay := now.Sub(*task.NextRunAt)

	// Advance the schedule first. Next run is computed from now, so a
	// backlog of missed firings collapses into this one.
	next, done := s.nextRun(task, now)
	won, err := s.store.CheckpointTask(ctx, task.ID, *task.NextRunAt, next, done)
	if err != nil {
		slog.Error("task checkpoint failed", "task_id", task.ID, "error", err)
		return
	}
	if !won {
		return
	}

	runID, err := s.store.StartTaskRun(ctx, task.ID)
	if err != nil {
		slog.Error("task run record failed", "task_id", task.ID, "error", err)
	}

	chat, err := s.store.GetChatByID(ctx, task.ChatFk)
	if err != nil {
		s.finishRun(ctx, runID, storage.TaskRunFailure, fmt.Sprintf("chat lookup: %v", err))
		s.observe(delay, "error")
		return
	}

	// The envelope id is derived from the due time, so a crash between
	// checkpoint and publish that later replays the same firing dedupes.
	env := bus.Envelope{
		ID:        fmt.Sprintf("task:%d:%d", task.ID, task.NextRunAt.UnixMilli()),
		Channel:   chat.Channel,
		ChatID:    chat.ChatID,
		SenderID:  "scheduler",
		Content:   task.Prompt,
		CreatedAt: now,
		Metadata: map[string]any{
			"isScheduledTask": true,
			"taskId":          strconv.FormatInt(task.ID, 10),
			"contextMode":     task.ContextMode,
		},
	}

	outcome, err := s.publisher.PublishInbound(ctx, env)
	if err != nil {
		slog.Error("task publish failed", "task_id", task.ID, "error", err)
		s.finishRun(ctx, runID, storage.TaskRunFailure, err.Error())
		s.observe(delay, "error")
		return
	}

	slog.Info("task fired",
		"task_id", task.ID, "chat", env.SessionKey(),
		"delay_ms", delay.Milliseconds(), "outcome", outcome)
	s.finishRun(ctx, runID, storage.TaskRunSuccess, "")
	s.observe(delay, string(outcome))
}

func (s *Service) finishRun(ctx context.Context, runID int64, status, errText string) {
	if runID == 0 {
		return
	}
	if err := s.store.FinishTaskRun(ctx, runID, status, errText); err != nil {
		slog.Error("task run update failed", "run_id", runID, "error", err)
	}
}

func (s *Service) observe(delay time.Duration, outcome string) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.ObserveSchedulerFiring(delay, outcome)
	}
}

// nextRun computes the firing after now, or done for one-shot tasks.
func (s *Service) nextRun(task storage.Task, now time.Time) (*time.Time, bool) {
	switch task.ScheduleType {
	case storage.ScheduleCron:
		next, err := gronx.NextTickAfter(task.ScheduleValue, now, false)
		if err != nil {
			slog.Warn("invalid cron expression, task parked",
				"task_id", task.ID, "expr", task.ScheduleValue, "error", err)
			return nil, true
		}
		return &next, false
	case storage.ScheduleInterval:
		intervalMs, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
		if err != nil || intervalMs <= 0 {
			slog.Warn("invalid interval, task parked", "task_id", task.ID, "value", task.ScheduleValue)
			return nil, true
		}
		next := now.Add(time.Duration(intervalMs) * time.Millisecond)
		return &next, false
	case storage.ScheduleOnce:
		return nil, true
	default:
		slog.Warn("unknown schedule type, task parked", "task_id", task.ID, "type", task.ScheduleType)
		return nil, true
	}
}

// CreateTask validates the schedule, computes the first firing, and persists
// the task.
func (s *Service) CreateTask(ctx context.Context, chatFk int64, prompt, scheduleType, scheduleValue, contextMode string) (*storage.Task, error) {
	if prompt == "" {
		return nil, fmt.Errorf("task prompt is required")
	}
	if contextMode == "" {
		contextMode = ContextGroup
	}
	if contextMode != ContextGroup && contextMode != ContextIsolated {
		return nil, fmt.Errorf("invalid context mode %q", contextMode)
	}

	first, err := FirstRun(scheduleType, scheduleValue, s.now())
	if err != nil {
		return nil, err
	}

	id, err := s.store.CreateTask(ctx, chatFk, prompt, scheduleType, scheduleValue, contextMode, first)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	slog.Info("task created", "task_id", id, "schedule", scheduleType+" "+scheduleValue)
	return s.store.GetTask(ctx, id)
}

// FirstRun validates a schedule and returns its first firing time.
func FirstRun(scheduleType, scheduleValue string, now time.Time) (time.Time, error) {
	switch scheduleType {
	case storage.ScheduleCron:
		if !gronx.New().IsValid(scheduleValue) {
			return time.Time{}, fmt.Errorf("invalid cron expression %q", scheduleValue)
		}
		next, err := gronx.NextTickAfter(scheduleValue, now, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
		return next, nil
	case storage.ScheduleInterval:
		intervalMs, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || intervalMs <= 0 {
			return time.Time{}, fmt.Errorf("interval must be a positive millisecond count, got %q", scheduleValue)
		}
		return now.Add(time.Duration(intervalMs) * time.Millisecond), nil
	case storage.ScheduleOnce:
		if at, err := time.Parse(time.RFC3339, scheduleValue); err == nil {
			return at, nil
		}
		if unixMs, err := strconv.ParseInt(scheduleValue, 10, 64); err == nil && unixMs > 0 {
			return time.UnixMilli(unixMs), nil
		}
		return time.Time{}, fmt.Errorf("once schedule must be RFC3339 or unix milliseconds, got %q", scheduleValue)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// PauseTask stops a task from firing without losing it.
func (s *Service) PauseTask(ctx context.Context, id int64) error {
	return s.store.SetTaskStatus(ctx, id, storage.TaskPaused)
}

// ResumeTask reactivates a paused task and recomputes its next firing.
func (s *Service) ResumeTask(ctx context.Context, id int64) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == storage.TaskDone {
		return fmt.Errorf("task %d is done", id)
	}
	first, err := FirstRun(task.ScheduleType, task.ScheduleValue, s.now())
	if err != nil {
		return err
	}
	if err := s.store.SetTaskStatus(ctx, id, storage.TaskActive); err != nil {
		return err
	}
	return s.store.RescheduleTask(ctx, id, &first)
}

// DeleteTask removes a task and its run history.
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	return s.store.DeleteTask(ctx, id)
}

// ListTasks returns tasks for a chat, or all tasks when chatFk is zero.
func (s *Service) ListTasks(ctx context.Context, chatFk int64) ([]storage.Task, error) {
	return s.store.ListTasks(ctx, chatFk)
}
