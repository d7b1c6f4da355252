package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTaskStore struct {
	tasks   []map[string]any
	ran     []int
	deleted []int
}

func (f *fakeTaskStore) GetPendingTasks() ([]map[string]any, error) { return f.tasks, nil }
func (f *fakeTaskStore) UpdateTaskLastRun(id int) error {
	f.ran = append(f.ran, id)
	return nil
}
func (f *fakeTaskStore) DeleteTask(chatID string, taskID int) error {
	f.deleted = append(f.deleted, taskID)
	return nil
}

type fakeMessenger struct {
	sent map[string][]string
	fail string
}

func (f *fakeMessenger) Send(chatID string, text string) error {
	if chatID == f.fail {
		return errors.New("chat unreachable")
	}
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[chatID] = append(f.sent[chatID], text)
	return nil
}

type fakeCollector struct {
	cutoff time.Time
	n      int64
}

func (f *fakeCollector) DeleteTerminalDrafts(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, nil
}

func TestSchedulerDeliversReminders(t *testing.T) {
	tasks := &fakeTaskStore{tasks: []map[string]any{
		{"id": 1, "chat_id": "a", "task_description": "stand up", "interval_seconds": 0},
		{"id": 2, "chat_id": "b", "task_description": "drink water", "interval_seconds": 3600},
		{"id": 3, "chat_id": "down", "task_description": "unreachable", "interval_seconds": 0},
	}}
	msgr := &fakeMessenger{fail: "down"}
	s := NewScheduler(tasks, nil, msgr, 0)

	s.pollAndDeliver()

	assert.Equal(t, []string{"⏰ *Reminder*\n\nstand up"}, msgr.sent["a"])
	assert.Len(t, msgr.sent["b"], 1)
	assert.Equal(t, []int{1, 2}, tasks.ran)
	assert.Equal(t, []int{1}, tasks.deleted, "only delivered one-time reminders are removed")
}

func TestSchedulerCollectDrafts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	collector := &fakeCollector{n: 4}
	s := NewScheduler(&fakeTaskStore{}, collector, nil, 24*time.Hour)
	s.Now = func() time.Time { return now }

	n, err := s.CollectDrafts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, now.Add(-24*time.Hour), collector.cutoff)

	s.Retention = 0
	n, err = s.CollectDrafts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
