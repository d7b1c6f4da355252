// Package drafts holds pending write operations until the user confirms
// them. Execute is the only path to running a write, and each draft's
// write runs at most once no matter how many callers race on it.
package drafts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/concierge/internal/store"
	"github.com/rahul/concierge/internal/tools"
)

var (
	ErrInvalidOperationKind = errors.New("drafts: operation is not a write")
	ErrDraftNotModifiable   = errors.New("drafts: draft is no longer modifiable")
	ErrDraftNotCancellable  = errors.New("drafts: draft has started executing")
	ErrDraftCancelled       = errors.New("drafts: draft was cancelled")
)

// Capabilities is the slice of the capability registry drafts need.
type Capabilities interface {
	Classify(operation string) (store.StepKind, error)
	Preview(operation string, params map[string]any) string
	Execute(ctx context.Context, operation string, params map[string]any, auth tools.AuthContext) tools.Result
}

type Store interface {
	CreateDraft(ctx context.Context, d *store.Draft) error
	GetDraft(ctx context.Context, id string) (*store.Draft, error)
	SwapDraftStatus(ctx context.Context, id string, from []store.DraftStatus, to store.DraftStatus) (bool, error)
	ModifyDraft(ctx context.Context, id string, params map[string]any, preview string) (bool, error)
	FinishDraft(ctx context.Context, id string, result string, execErr string, revertTo store.DraftStatus) (bool, error)
}

// ExecutionResult is what every caller of Execute for a draft observes.
type ExecutionResult struct {
	DraftID string
	Success bool
	Output  string
	Err     *tools.ExecError
	// Replayed is true when this caller did not run the write itself.
	Replayed bool
}

type call struct {
	done     chan struct{}
	res      ExecutionResult
	finished time.Time
}

type Manager struct {
	store Store
	caps  Capabilities

	// PollInterval paces waiting on a draft another process is executing.
	PollInterval time.Duration
	// maxRaces bounds re-reads when a status changes under us.
	maxRaces int

	mu       sync.Mutex
	inflight map[string]*call
	// failed keeps the last failed attempt per draft so callers that raced
	// with it observe its result instead of retrying the write.
	failed map[string]*call
}

func NewManager(s Store, caps Capabilities) *Manager {
	return &Manager{
		store:        s,
		caps:         caps,
		PollInterval: 100 * time.Millisecond,
		maxRaces:     5,
		inflight:     make(map[string]*call),
		failed:       make(map[string]*call),
	}
}

// Spec describes a draft to create.
type Spec struct {
	WorkflowID string
	SessionID  string
	StepIndex  int
	Operation  string
	Parameters map[string]any
}

func (m *Manager) Create(ctx context.Context, spec Spec) (*store.Draft, error) {
	kind, err := m.caps.Classify(spec.Operation)
	if err != nil {
		return nil, err
	}
	if kind != store.KindWrite {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidOperationKind, spec.Operation, kind)
	}

	params := store.CloneParams(spec.Parameters)
	d := &store.Draft{
		ID:          uuid.NewString(),
		WorkflowID:  spec.WorkflowID,
		SessionID:   spec.SessionID,
		StepIndex:   spec.StepIndex,
		Operation:   spec.Operation,
		Parameters:  params,
		PreviewText: m.caps.Preview(spec.Operation, params),
		Status:      store.DraftPendingConfirmation,
	}
	if err := m.store.CreateDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("drafts: create: %w", err)
	}
	return d, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*store.Draft, error) {
	return m.store.GetDraft(ctx, id)
}

// Merge applies a partial-parameter patch. A nil value removes the key.
// Applying the same delta twice yields the same result as applying it once.
func Merge(params, delta map[string]any) map[string]any {
	out := store.CloneParams(params)
	for k, v := range store.CloneParams(delta) {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Modify patches an open draft, regenerates its preview and marks it MODIFIED.
func (m *Manager) Modify(ctx context.Context, id string, delta map[string]any) (*store.Draft, error) {
	for i := 0; i < m.maxRaces; i++ {
		d, err := m.store.GetDraft(ctx, id)
		if err != nil {
			return nil, err
		}
		if !d.Status.Open() {
			return nil, fmt.Errorf("%w: %s is %s", ErrDraftNotModifiable, id, d.Status)
		}

		params := Merge(d.Parameters, delta)
		preview := m.caps.Preview(d.Operation, params)
		ok, err := m.store.ModifyDraft(ctx, id, params, preview)
		if err != nil {
			return nil, fmt.Errorf("drafts: modify: %w", err)
		}
		if ok {
			d.Parameters, d.PreviewText, d.Status = params, preview, store.DraftModified
			return d, nil
		}
	}
	return nil, fmt.Errorf("drafts: modify %s: %w", id, store.ErrConflict)
}

// Cancel discards an open draft. Cancelling a cancelled draft is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	for i := 0; i < m.maxRaces; i++ {
		d, err := m.store.GetDraft(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case d.Status == store.DraftCancelled:
			return nil
		case !d.Status.Open():
			return fmt.Errorf("%w: %s is %s", ErrDraftNotCancellable, id, d.Status)
		}
		ok, err := m.store.SwapDraftStatus(ctx, id, []store.DraftStatus{d.Status}, store.DraftCancelled)
		if err != nil {
			return fmt.Errorf("drafts: cancel: %w", err)
		}
		if ok {
			m.mu.Lock()
			delete(m.failed, id)
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("drafts: cancel %s: %w", id, store.ErrConflict)
}

// Execute runs the draft's write exactly once. The winner of the
// open -> EXECUTING swap calls the capability; concurrent callers wait for
// and return its result, and later callers get the cached result.
// A failed write leaves the draft open with the error recorded.
func (m *Manager) Execute(ctx context.Context, id string) (ExecutionResult, error) {
	started := time.Now()
	for i := 0; i < m.maxRaces; i++ {
		d, err := m.store.GetDraft(ctx, id)
		if err != nil {
			return ExecutionResult{}, err
		}

		switch {
		case d.Status == store.DraftExecuted:
			return ExecutionResult{DraftID: id, Success: true, Output: d.Result, Replayed: true}, nil
		case d.Status == store.DraftCancelled:
			return ExecutionResult{}, fmt.Errorf("%w: %s", ErrDraftCancelled, id)
		case d.Status == store.DraftExecuting:
			return m.await(ctx, id)
		}

		m.mu.Lock()
		if c := m.inflight[id]; c != nil {
			m.mu.Unlock()
			return waitCall(ctx, c)
		}
		if c := m.failed[id]; c != nil && c.finished.After(started) {
			m.mu.Unlock()
			return waitCall(ctx, c)
		}
		won, err := m.store.SwapDraftStatus(ctx, id, []store.DraftStatus{d.Status}, store.DraftExecuting)
		if err != nil {
			m.mu.Unlock()
			return ExecutionResult{}, fmt.Errorf("drafts: claim: %w", err)
		}
		if !won {
			m.mu.Unlock()
			continue
		}
		c := &call{done: make(chan struct{})}
		m.inflight[id] = c
		delete(m.failed, id)
		m.mu.Unlock()

		// A Modify can land between the read above and the claim without
		// changing the open status, so the write runs the parameters frozen
		// by the claim, not the ones read before it.
		frozen, err := m.store.GetDraft(context.WithoutCancel(ctx), id)
		if err != nil {
			m.release(ctx, d, c, fmt.Errorf("drafts: reload claimed draft: %w", err))
			return c.res, nil
		}
		return m.run(ctx, frozen, d.Status, c), nil
	}
	return ExecutionResult{}, fmt.Errorf("drafts: execute %s: %w", id, store.ErrConflict)
}

// release reopens a claimed draft whose write never started.
func (m *Manager) release(ctx context.Context, d *store.Draft, c *call, cause error) {
	defer m.settle(d.ID, c)
	c.res = ExecutionResult{
		DraftID: d.ID,
		Err:     &tools.ExecError{Kind: tools.ErrKindFailed, Message: cause.Error()},
	}
	if _, err := m.store.FinishDraft(context.WithoutCancel(ctx), d.ID, "", cause.Error(), d.Status); err != nil {
		c.res.Err.Message = fmt.Sprintf("%v; reopening draft: %v", cause, err)
	}
}

func (m *Manager) settle(id string, c *call) {
	m.mu.Lock()
	delete(m.inflight, id)
	c.finished = time.Now()
	if !c.res.Success {
		m.failed[id] = c
	}
	m.mu.Unlock()
	close(c.done)
}

// run executes a claimed draft and reverts it to revertTo on failure.
func (m *Manager) run(ctx context.Context, d *store.Draft, revertTo store.DraftStatus, c *call) ExecutionResult {
	defer m.settle(d.ID, c)

	res := m.caps.Execute(ctx, d.Operation, d.Parameters, tools.AuthContext{SessionID: d.SessionID})

	out := ExecutionResult{DraftID: d.ID, Success: res.Success, Output: res.Output, Err: res.Err}
	execErr := ""
	if !res.Success {
		if res.Err == nil {
			res.Err = &tools.ExecError{Kind: tools.ErrKindFailed, Message: "unknown failure"}
			out.Err = res.Err
		}
		execErr = res.Err.Error()
	}

	// The outcome must be recorded even if the caller's context is gone.
	if _, err := m.store.FinishDraft(context.WithoutCancel(ctx), d.ID, res.Output, execErr, revertTo); err != nil {
		out.Success = false
		out.Err = &tools.ExecError{Kind: tools.ErrKindFailed, Message: fmt.Sprintf("recording outcome: %v", err)}
	}
	c.res = out
	return out
}

// await waits for an execution this process did not start.
func (m *Manager) await(ctx context.Context, id string) (ExecutionResult, error) {
	m.mu.Lock()
	c := m.inflight[id]
	m.mu.Unlock()
	if c != nil {
		return waitCall(ctx, c)
	}

	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ExecutionResult{}, ctx.Err()
		case <-ticker.C:
		}
		d, err := m.store.GetDraft(ctx, id)
		if err != nil {
			return ExecutionResult{}, err
		}
		switch {
		case d.Status == store.DraftExecuted:
			return ExecutionResult{DraftID: id, Success: true, Output: d.Result, Replayed: true}, nil
		case d.Status.Open():
			return ExecutionResult{
				DraftID:  id,
				Err:      &tools.ExecError{Kind: tools.ErrKindFailed, Message: d.LastError},
				Replayed: true,
			}, nil
		case d.Status == store.DraftCancelled:
			return ExecutionResult{}, fmt.Errorf("%w: %s", ErrDraftCancelled, id)
		}
	}
}

func waitCall(ctx context.Context, c *call) (ExecutionResult, error) {
	select {
	case <-c.done:
		res := c.res
		res.Replayed = true
		return res, nil
	case <-ctx.Done():
		return ExecutionResult{}, ctx.Err()
	}
}
