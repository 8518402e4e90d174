package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreclaw/coreclaw/internal/storage"
)

type taskView struct {
	ID            int64  `json:"id"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
	Status        string `json:"status"`
	NextRunAt     string `json:"nextRunAt,omitempty"`
}

func viewTask(t storage.Task) taskView {
	v := taskView{
		ID:            t.ID,
		Prompt:        t.Prompt,
		ScheduleType:  t.ScheduleType,
		ScheduleValue: t.ScheduleValue,
		ContextMode:   t.ContextMode,
		Status:        t.Status,
	}
	if t.NextRunAt != nil {
		v.NextRunAt = t.NextRunAt.UTC().Format(time.RFC3339)
	}
	return v
}

func taskID(args map[string]any) (int64, error) {
	raw, ok := args["taskId"].(float64)
	if !ok {
		return 0, fmt.Errorf("taskId is required")
	}
	return int64(raw), nil
}

// NewTaskCreateTool builds task.create, scheduling a prompt for the current
// chat.
func NewTaskCreateTool(d Deps) *Tool {
	return &Tool{
		Name:        "task.create",
		Description: "Schedule a recurring or one-shot agent task for this chat.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":        map[string]any{"type": "string", "description": "Prompt dispatched on each firing"},
				"scheduleType":  map[string]any{"type": "string", "enum": []string{"cron", "interval", "once"}, "description": "Schedule kind"},
				"scheduleValue": map[string]any{"type": "string", "description": "Cron expression, interval in milliseconds, or RFC3339 time"},
				"contextMode":   map[string]any{"type": "string", "enum": []string{"group", "isolated"}, "description": "Conversation context for the run"},
			},
			"required": []string{"prompt", "scheduleType", "scheduleValue"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			inv := InvocationFromContext(ctx)
			if inv.ChatFk == 0 {
				return "", fmt.Errorf("task.create requires a chat-bound invocation")
			}
			prompt, _ := args["prompt"].(string)
			scheduleType, _ := args["scheduleType"].(string)
			scheduleValue, _ := args["scheduleValue"].(string)
			contextMode, _ := args["contextMode"].(string)

			task, err := d.Scheduler.CreateTask(ctx, inv.ChatFk, prompt, scheduleType, scheduleValue, contextMode)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(viewTask(*task))
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

// NewTaskListTool builds task.list for the current chat.
func NewTaskListTool(d Deps) *Tool {
	return &Tool{
		Name:        "task.list",
		Description: "List scheduled tasks for this chat.",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			inv := InvocationFromContext(ctx)
			tasks, err := d.Scheduler.ListTasks(ctx, inv.ChatFk)
			if err != nil {
				return "", err
			}
			views := make([]taskView, 0, len(tasks))
			for _, t := range tasks {
				views = append(views, viewTask(t))
			}
			out, err := json.Marshal(views)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

func taskIDSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId": map[string]any{"type": "integer", "description": "Task id"},
		},
		"required": []string{"taskId"},
	}
}

// NewTaskPauseTool builds task.pause.
func NewTaskPauseTool(d Deps) *Tool {
	return &Tool{
		Name:        "task.pause",
		Description: "Pause a scheduled task.",
		Schema:      taskIDSchema(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := taskID(args)
			if err != nil {
				return "", err
			}
			if err := d.Scheduler.PauseTask(ctx, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("task %d paused", id), nil
		},
	}
}

// NewTaskResumeTool builds task.resume, recomputing the next firing from now.
func NewTaskResumeTool(d Deps) *Tool {
	return &Tool{
		Name:        "task.resume",
		Description: "Resume a paused task.",
		Schema:      taskIDSchema(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := taskID(args)
			if err != nil {
				return "", err
			}
			if err := d.Scheduler.ResumeTask(ctx, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("task %d resumed", id), nil
		},
	}
}

// NewTaskDeleteTool builds task.delete. Admin-only, enforced by policy.
func NewTaskDeleteTool(d Deps) *Tool {
	return &Tool{
		Name:        "task.delete",
		Description: "Delete a scheduled task and its run history.",
		Schema:      taskIDSchema(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := taskID(args)
			if err != nil {
				return "", err
			}
			if err := d.Scheduler.DeleteTask(ctx, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("task %d deleted", id), nil
		},
	}
}
