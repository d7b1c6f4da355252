package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rahul/concierge/internal/store"
)

type CronStore interface {
	AddTask(chatID string, description string, intervalSeconds int) error
	ClearTasks(chatID string) error
}

// ReminderTool schedules reminders the scheduler later delivers to the chat.
type ReminderTool struct {
	Store CronStore
}

func NewReminderTool(store CronStore) *ReminderTool {
	return &ReminderTool{Store: store}
}

func (c *ReminderTool) Name() string {
	return "reminder.create"
}

func (c *ReminderTool) Description() string {
	return "Schedule a reminder for the user. interval_seconds=0 fires once as soon as possible; otherwise it repeats."
}

func (c *ReminderTool) Kind() store.StepKind { return store.KindWrite }

func (c *ReminderTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_description": map[string]any{
				"type":        "string",
				"description": "What the user should be reminded of",
			},
			"interval_seconds": map[string]any{
				"type":        "integer",
				"description": "Repeat interval in seconds (0 for once, otherwise minimum 60s)",
			},
		},
		"required": []string{"task_description"},
	}
}

func (c *ReminderTool) Preview(params map[string]any) string {
	desc := stringParam(params, "task_description")
	interval := stringParam(params, "interval_seconds")
	if interval == "" || interval == "0" {
		return fmt.Sprintf("Create a one-time reminder: %q", desc)
	}
	return fmt.Sprintf("Create a reminder every %s seconds: %q", interval, desc)
}

func (c *ReminderTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Desc     string `json:"task_description"`
		Interval int    `json:"interval_seconds"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}

	auth, ok := AuthFrom(ctx)
	if !ok {
		return "", fmt.Errorf("missing session in context")
	}
	if args.Desc == "" {
		return "", InvalidInput("task_description is required")
	}
	if args.Interval != 0 && args.Interval < 60 {
		return "", InvalidInput("minimum interval is 60 seconds to prevent spamming")
	}

	if err := c.Store.AddTask(auth.SessionID, args.Desc, args.Interval); err != nil {
		return "", fmt.Errorf("failed to schedule task: %w", err)
	}
	if args.Interval == 0 {
		return fmt.Sprintf("Successfully scheduled a one-time reminder: '%s'.", args.Desc), nil
	}
	return fmt.Sprintf("Successfully scheduled task: '%s' every %d seconds.", args.Desc, args.Interval), nil
}

// ReminderClearTool removes all of the user's reminders.
type ReminderClearTool struct {
	Store CronStore
}

func NewReminderClearTool(store CronStore) *ReminderClearTool {
	return &ReminderClearTool{Store: store}
}

func (c *ReminderClearTool) Name() string { return "reminder.clear" }

func (c *ReminderClearTool) Description() string {
	return "Clear all of the user's scheduled reminders."
}

func (c *ReminderClearTool) Kind() store.StepKind { return store.KindWrite }

func (c *ReminderClearTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (c *ReminderClearTool) Preview(map[string]any) string {
	return "Delete ALL of your scheduled reminders"
}

func (c *ReminderClearTool) Execute(ctx context.Context, input string) (string, error) {
	auth, ok := AuthFrom(ctx)
	if !ok {
		return "", fmt.Errorf("missing session in context")
	}
	if err := c.Store.ClearTasks(auth.SessionID); err != nil {
		return "", fmt.Errorf("failed to clear tasks: %w", err)
	}
	return "Successfully cleared all your scheduled tasks.", nil
}
