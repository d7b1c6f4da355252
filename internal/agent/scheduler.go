package agent

import (
	"context"
	"log"
	"time"
)

// Messenger delivers text to a chat.
type Messenger interface {
	Send(chatID string, text string) error
}

type TaskStore interface {
	GetPendingTasks() ([]map[string]any, error)
	UpdateTaskLastRun(id int) error
	DeleteTask(chatID string, taskID int) error
}

type DraftCollector interface {
	DeleteTerminalDrafts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler delivers due reminders and purges old finished drafts.
// Reminders are sent as-is; they never start a workflow.
type Scheduler struct {
	Tasks     TaskStore
	Drafts    DraftCollector
	Gateway   Messenger
	Retention time.Duration
	Interval  time.Duration
	Now       func() time.Time
}

func NewScheduler(tasks TaskStore, drafts DraftCollector, gateway Messenger, retention time.Duration) *Scheduler {
	return &Scheduler{
		Tasks:     tasks,
		Drafts:    drafts,
		Gateway:   gateway,
		Retention: retention,
		Interval:  30 * time.Second,
		Now:       time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Task scheduler started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndDeliver()
			if _, err := s.CollectDrafts(ctx); err != nil {
				log.Printf("Error collecting drafts: %v", err)
			}
		}
	}
}

func (s *Scheduler) pollAndDeliver() {
	if s.Gateway == nil {
		return
	}
	tasks, err := s.Tasks.GetPendingTasks()
	if err != nil {
		log.Printf("Error polling tasks: %v", err)
		return
	}

	for _, t := range tasks {
		id := t["id"].(int)
		chatID := t["chat_id"].(string)
		desc := t["task_description"].(string)

		log.Printf("Delivering reminder %d for chat %s: %s", id, chatID, desc)

		if err := s.Gateway.Send(chatID, "⏰ *Reminder*\n\n"+desc); err != nil {
			log.Printf("Error delivering reminder %d: %v", id, err)
			continue
		}

		if err := s.Tasks.UpdateTaskLastRun(id); err != nil {
			log.Printf("Error updating last run for task %d: %v", id, err)
		}

		// One-time reminders (interval = 0) are removed after delivery.
		if t["interval_seconds"].(int) == 0 {
			if err := s.Tasks.DeleteTask(chatID, id); err != nil {
				log.Printf("Error deleting one-time task %d: %v", id, err)
			}
		}
	}
}

// CollectDrafts deletes executed and cancelled drafts older than the
// retention window.
func (s *Scheduler) CollectDrafts(ctx context.Context) (int64, error) {
	if s.Drafts == nil || s.Retention <= 0 {
		return 0, nil
	}
	n, err := s.Drafts.DeleteTerminalDrafts(ctx, s.Now().Add(-s.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("Collected %d finished drafts", n)
	}
	return n, nil
}
