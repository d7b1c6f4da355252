package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newWorkflow(id, session string) *Workflow {
	return &Workflow{
		ID:              id,
		SessionID:       session,
		OriginalRequest: "check my calendar",
		Status:          StatusPlanning,
		MaxSteps:        10,
	}
}

func TestStartWorkflow_OneActivePerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StartWorkflow(ctx, newWorkflow("wf-1", "chat-1")))
	err := s.StartWorkflow(ctx, newWorkflow("wf-2", "chat-1"))
	assert.ErrorIs(t, err, ErrSessionBusy)

	// Other sessions are independent.
	require.NoError(t, s.StartWorkflow(ctx, newWorkflow("wf-3", "chat-2")))

	active, err := s.ActiveWorkflow(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", active.ID)

	_, err = s.GetWorkflow(ctx, "wf-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartWorkflow_ConcurrentClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wf := newWorkflow("wf-"+string(rune('a'+i)), "chat-1")
			if err := s.StartWorkflow(ctx, wf); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrSessionBusy)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestUpdateWorkflow_VersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := newWorkflow("wf-1", "chat-1")
	require.NoError(t, s.StartWorkflow(ctx, wf))

	stale, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)

	wf.Steps = append(wf.Steps, Step{Index: 0, Operation: "calendar.list", Kind: KindRead, Outcome: OutcomeSucceeded, Result: "nothing"})
	wf.StepCount = 1
	require.NoError(t, s.UpdateWorkflow(ctx, wf))
	assert.Equal(t, int64(2), wf.Version)

	stale.StepCount = 5
	assert.ErrorIs(t, s.UpdateWorkflow(ctx, stale), ErrConflict)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.StepCount)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "nothing", got.Steps[0].Result)
}

func TestUpdateWorkflow_TerminalReleasesSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := newWorkflow("wf-1", "chat-1")
	require.NoError(t, s.StartWorkflow(ctx, wf))

	wf.Status = StatusCompleted
	wf.Explanation = "done"
	require.NoError(t, s.UpdateWorkflow(ctx, wf))

	_, err := s.ActiveWorkflow(ctx, "chat-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Terminal workflows are immutable.
	wf.Status = StatusPlanning
	assert.ErrorIs(t, s.UpdateWorkflow(ctx, wf), ErrImmutable)

	// The session can start a new workflow.
	require.NoError(t, s.StartWorkflow(ctx, newWorkflow("wf-2", "chat-1")))

	list, err := s.ListWorkflows(ctx, WorkflowFilter{SessionID: "chat-1", Statuses: []WorkflowStatus{StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wf-1", list[0].ID)
}

func TestDraftTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Draft{
		ID:          "d-1",
		WorkflowID:  "wf-1",
		SessionID:   "chat-1",
		Operation:   "email.send",
		Parameters:  map[string]any{"to": "alice@example.com"},
		PreviewText: "Send email to alice@example.com",
		Status:      DraftPendingConfirmation,
	}
	require.NoError(t, s.CreateDraft(ctx, d))

	ok, err := s.ModifyDraft(ctx, "d-1", map[string]any{"to": "alice@example.com", "subject": "Hello"}, "new preview")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SwapDraftStatus(ctx, "d-1", []DraftStatus{DraftPendingConfirmation, DraftModified}, DraftExecuting)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SwapDraftStatus(ctx, "d-1", []DraftStatus{DraftPendingConfirmation, DraftModified}, DraftExecuting)
	require.NoError(t, err)
	assert.False(t, ok, "second swap must lose")

	ok, err = s.ModifyDraft(ctx, "d-1", map[string]any{}, "x")
	require.NoError(t, err)
	assert.False(t, ok, "executing drafts are not modifiable")

	ok, err = s.FinishDraft(ctx, "d-1", "sent", "", DraftModified)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetDraft(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, DraftExecuted, got.Status)
	assert.Equal(t, "sent", got.Result)
	assert.Equal(t, "Hello", got.Parameters["subject"])
	assert.Equal(t, "new preview", got.PreviewText)

	n, err := s.DeleteTerminalDrafts(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetDraft(ctx, "d-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishDraft_FailureReverts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDraft(ctx, &Draft{ID: "d-1", WorkflowID: "wf", SessionID: "c", Operation: "email.send", Status: DraftModified}))
	ok, err := s.SwapDraftStatus(ctx, "d-1", []DraftStatus{DraftModified}, DraftExecuting)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.FinishDraft(ctx, "d-1", "", "smtp unavailable", DraftModified)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetDraft(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, DraftModified, got.Status)
	assert.Equal(t, "smtp unavailable", got.LastError)
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.AddEvent(ctx, &Event{ChatID: "c", Title: "standup", Start: base, End: base.Add(15 * time.Minute)}))
	require.NoError(t, s.AddEvent(ctx, &Event{ChatID: "c", Title: "lunch", Start: base.Add(3 * time.Hour), End: base.Add(4 * time.Hour), Attendees: []string{"bob@example.com"}}))
	require.NoError(t, s.AddEvent(ctx, &Event{ChatID: "other", Title: "hidden", Start: base, End: base.Add(time.Hour)}))

	events, err := s.ListEvents(ctx, "c", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "standup", events[0].Title)
	assert.Equal(t, []string{"bob@example.com"}, events[1].Attendees)

	events, err = s.ListEvents(ctx, "c", base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHistoryAndTasks(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddMessage("c", "human", "hi"))
	require.NoError(t, s.AddMessage("c", "ai", "hello"))
	history, err := s.GetHistory("c", 5)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "human", string(history[0].Role))

	require.NoError(t, s.AddTask("c", "drink water", 3600))
	pending, err := s.GetPendingTasks()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	id := pending[0]["id"].(int)
	require.NoError(t, s.UpdateTaskLastRun(id))
	pending, err = s.GetPendingTasks()
	require.NoError(t, err)
	assert.Empty(t, pending)

	tasks, err := s.ListTasks("c")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, s.DeleteTask("c", id))
	tasks, err = s.ListTasks("c")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCanonical(t *testing.T) {
	a := Canonical(map[string]any{"b": 1, "a": "x"})
	b := Canonical(map[string]any{"a": "x", "b": 1.0})
	assert.Equal(t, a, b)
	assert.Equal(t, "{}", Canonical(nil))
}
