package drafts

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rahul/concierge/internal/store"
	"github.com/rahul/concierge/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaps counts executions and can hold them until released.
type fakeCaps struct {
	calls   atomic.Int32
	release chan struct{}
	fail    atomic.Bool
	last    atomic.Value
}

func (f *fakeCaps) Classify(op string) (store.StepKind, error) {
	switch op {
	case "email.send", "calendar.create":
		return store.KindWrite, nil
	case "calendar.list":
		return store.KindRead, nil
	}
	return "", tools.ErrUnknownOperation
}

func (f *fakeCaps) Preview(op string, params map[string]any) string {
	return tools.DefaultPreview(op, params)
}

func (f *fakeCaps) Execute(ctx context.Context, op string, params map[string]any, auth tools.AuthContext) tools.Result {
	n := f.calls.Add(1)
	f.last.Store(store.CloneParams(params))
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return tools.Result{Err: &tools.ExecError{Kind: tools.ErrKindTimeout, Message: ctx.Err().Error()}}
		}
	}
	if f.fail.Load() {
		return tools.Result{Err: &tools.ExecError{Kind: tools.ErrKindFailed, Message: "relay down"}}
	}
	return tools.Result{Success: true, Output: "sent #" + string(rune('0'+n)) + " to " + auth.SessionID}
}

func newTestManager(t *testing.T) (*Manager, *fakeCaps, *store.Store) {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "drafts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	caps := &fakeCaps{}
	m := NewManager(s, caps)
	m.PollInterval = 5 * time.Millisecond
	return m, caps, s
}

func emailSpec() Spec {
	return Spec{
		WorkflowID: "wf-1",
		SessionID:  "chat-1",
		StepIndex:  0,
		Operation:  "email.send",
		Parameters: map[string]any{"to": "alice@example.com", "body": "hi"},
	}
}

func TestCreate_RejectsReadOperations(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Create(context.Background(), Spec{Operation: "calendar.list"})
	assert.ErrorIs(t, err, ErrInvalidOperationKind)

	_, err = m.Create(context.Background(), Spec{Operation: "rocket.launch"})
	assert.ErrorIs(t, err, tools.ErrUnknownOperation)
}

func TestCreate_Preview(t *testing.T) {
	m, _, _ := newTestManager(t)
	d, err := m.Create(context.Background(), emailSpec())
	require.NoError(t, err)
	assert.Equal(t, store.DraftPendingConfirmation, d.Status)
	assert.Equal(t, "email.send\n  body: hi\n  to: alice@example.com", d.PreviewText)
	assert.NotEmpty(t, d.ID)
}

func TestExecute_ConcurrentCallersRunOnce(t *testing.T) {
	m, caps, _ := newTestManager(t)
	caps.release = make(chan struct{})
	ctx := context.Background()

	d, err := m.Create(ctx, emailSpec())
	require.NoError(t, err)

	const n = 10
	results := make([]ExecutionResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Execute(ctx, d.ID)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Let every caller reach the draft before the write completes.
	require.Eventually(t, func() bool { return caps.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(caps.release)
	wg.Wait()

	assert.Equal(t, int32(1), caps.calls.Load())
	replayed := 0
	for _, res := range results {
		assert.True(t, res.Success)
		assert.Equal(t, results[0].Output, res.Output)
		if res.Replayed {
			replayed++
		}
	}
	assert.Equal(t, n-1, replayed)

	got, err := m.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DraftExecuted, got.Status)

	// Later callers get the cached result.
	res, err := m.Execute(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, results[0].Output, res.Output)
	assert.Equal(t, int32(1), caps.calls.Load())
}

// modifyBeforeClaim lands a Modify between Execute's read and its claim.
type modifyBeforeClaim struct {
	*store.Store
	m     *Manager
	delta map[string]any
	once  sync.Once
}

func (s *modifyBeforeClaim) SwapDraftStatus(ctx context.Context, id string, from []store.DraftStatus, to store.DraftStatus) (bool, error) {
	if to == store.DraftExecuting {
		s.once.Do(func() {
			_, err := s.m.Modify(ctx, id, s.delta)
			if err != nil {
				panic(err)
			}
		})
	}
	return s.Store.SwapDraftStatus(ctx, id, from, to)
}

func TestExecute_RunsParametersFrozenByClaim(t *testing.T) {
	_, caps, s := newTestManager(t)
	racing := &modifyBeforeClaim{Store: s, delta: map[string]any{"subject": "v2"}}
	m := NewManager(racing, caps)
	racing.m = m
	ctx := context.Background()

	d, err := m.Create(ctx, emailSpec())
	require.NoError(t, err)
	_, err = m.Modify(ctx, d.ID, map[string]any{"subject": "v1"})
	require.NoError(t, err)

	res, err := m.Execute(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	stored, err := m.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DraftExecuted, stored.Status)
	assert.Equal(t, "v2", stored.Parameters["subject"])
	assert.Contains(t, stored.PreviewText, "subject: v2")

	executed := caps.last.Load().(map[string]any)
	assert.Equal(t, "v2", executed["subject"])
	assert.Equal(t, int32(1), caps.calls.Load())
}

func TestExecute_WaitsOnOtherProcess(t *testing.T) {
	m1, caps, s := newTestManager(t)
	caps.release = make(chan struct{})
	m2 := NewManager(s, caps)
	m2.PollInterval = 5 * time.Millisecond
	ctx := context.Background()

	d, err := m1.Create(ctx, emailSpec())
	require.NoError(t, err)

	first := make(chan ExecutionResult)
	go func() {
		res, _ := m1.Execute(ctx, d.ID)
		first <- res
	}()
	require.Eventually(t, func() bool { return caps.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan ExecutionResult)
	go func() {
		res, err := m2.Execute(ctx, d.ID)
		assert.NoError(t, err)
		second <- res
	}()

	close(caps.release)
	r1, r2 := <-first, <-second
	assert.Equal(t, int32(1), caps.calls.Load())
	assert.Equal(t, r1.Output, r2.Output)
	assert.True(t, r2.Replayed)
}

func TestExecute_FailureLeavesDraftOpen(t *testing.T) {
	m, caps, _ := newTestManager(t)
	caps.fail.Store(true)
	ctx := context.Background()

	d, err := m.Create(ctx, emailSpec())
	require.NoError(t, err)

	res, err := m.Execute(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, tools.ErrKindFailed, res.Err.Kind)

	got, err := m.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DraftPendingConfirmation, got.Status)
	assert.Contains(t, got.LastError, "relay down")

	// A later explicit retry runs the write again.
	caps.fail.Store(false)
	res, err = m.Execute(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), caps.calls.Load())
}

func TestModify_Idempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	d, err := m.Create(ctx, emailSpec())
	require.NoError(t, err)

	delta := map[string]any{"subject": "Hello"}
	once, err := m.Modify(ctx, d.ID, delta)
	require.NoError(t, err)
	twice, err := m.Modify(ctx, d.ID, delta)
	require.NoError(t, err)

	assert.Equal(t, store.DraftModified, twice.Status)
	assert.Equal(t, once.Parameters, twice.Parameters)
	assert.Equal(t, once.PreviewText, twice.PreviewText)
	assert.Contains(t, twice.PreviewText, "subject: Hello")

	stored, err := m.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, twice.Parameters, stored.Parameters)
	assert.Equal(t, twice.PreviewText, stored.PreviewText)
}

func TestModify_TerminalDraft(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	d, err := m.Create(ctx, emailSpec())
	require.NoError(t, err)
	_, err = m.Execute(ctx, d.ID)
	require.NoError(t, err)

	_, err = m.Modify(ctx, d.ID, map[string]any{"subject": "late"})
	assert.ErrorIs(t, err, ErrDraftNotModifiable)
	assert.ErrorIs(t, m.Cancel(ctx, d.ID), ErrDraftNotCancellable)
}

func TestCancel(t *testing.T) {
	m, caps, _ := newTestManager(t)
	ctx := context.Background()

	d, err := m.Create(ctx, emailSpec())
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, d.ID))
	require.NoError(t, m.Cancel(ctx, d.ID), "cancelling twice is a no-op")

	_, err = m.Execute(ctx, d.ID)
	assert.ErrorIs(t, err, ErrDraftCancelled)
	assert.Equal(t, int32(0), caps.calls.Load())

	_, err = m.Modify(ctx, d.ID, map[string]any{"subject": "x"})
	assert.ErrorIs(t, err, ErrDraftNotModifiable)
}

func TestMerge(t *testing.T) {
	base := map[string]any{"to": "a@example.com", "cc": "b@example.com"}
	out := Merge(base, map[string]any{"cc": nil, "subject": "Hi"})
	assert.Equal(t, map[string]any{"to": "a@example.com", "subject": "Hi"}, out)
	assert.Equal(t, "b@example.com", base["cc"], "input is not mutated")
}
