package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/concierge/internal/drafts"
	"github.com/rahul/concierge/internal/governance"
	"github.com/rahul/concierge/internal/observability"
	"github.com/rahul/concierge/internal/progress"
	"github.com/rahul/concierge/internal/store"
	"github.com/rahul/concierge/internal/tools"
	"github.com/rahul/concierge/pkg/config"
)

// Brain is what a chat gateway talks to.
type Brain interface {
	HandleMessage(ctx context.Context, in Inbound) (Reply, error)
	EndSession(ctx context.Context, sessionID string) error
}

// WorkflowStore persists workflows and the per-session registry.
type WorkflowStore interface {
	StartWorkflow(ctx context.Context, wf *store.Workflow) error
	UpdateWorkflow(ctx context.Context, wf *store.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	ActiveWorkflow(ctx context.Context, sessionID string) (*store.Workflow, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	AddMessage(chatID string, role string, content string) error
}

// Capabilities is the manifest and executor used for read steps. Writes
// only ever run through the draft manager.
type Capabilities interface {
	Classify(operation string) (store.StepKind, error)
	Execute(ctx context.Context, operation string, params map[string]any, auth tools.AuthContext) tools.Result
}

// Inbound is one normalised user message. DraftID is set when the channel
// knows which draft the reply targets (a button, a webhook retry). Delta is
// a modification the channel already extracted.
type Inbound struct {
	SessionID string
	Text      string
	DraftID   string
	Delta     map[string]any
}

// Reply is what the user should be told. Draft is set while a write is
// waiting for confirmation.
type Reply struct {
	Text       string
	WorkflowID string
	Status     store.WorkflowStatus
	Draft      *store.Draft
}

const (
	msgBusy           = "I'm still working on your previous request. Send /cancel to stop it."
	msgStepCap        = "I've reached the maximum number of steps for this task. Please try a simpler request."
	msgPlanner        = "I'm having trouble thinking right now... Please try again in a moment."
	msgPlannerTimeout = "Planning took too long, so I stopped working on this request. Please try again."
	msgReadTimeout    = "A lookup took too long, so I stopped working on this request."
	msgWriteTimeout   = "The action took too long to confirm, so I stopped. Please check whether it went through before asking again."
	msgInternal       = "Something went wrong on my side, so I stopped working on this request."
	msgInterrupted    = "I was interrupted before finishing this request."
	msgDenied         = "Okay, I won't do that."
	msgCancelled      = "Okay, I've cancelled that request."
	msgSetAside       = "I dropped the pending action to work on your new request."
	msgStale          = "That action is no longer pending."
	msgTooLate        = "That action has already started and can't be changed or cancelled."
	msgAmbiguous      = "Sorry, I didn't catch that."
	msgConfirmSuffix  = "Reply yes to confirm, no to cancel, or tell me what to change."
	msgRetrySuffix    = "Reply yes to try again or no to cancel."
	msgRestarted      = "I was restarted while working on this request, so I stopped. Please send it again."
	msgUnknownOutcome = "I was restarted while this action was running, so I can't tell whether it went through:"
)

// Orchestrator owns the workflow state machine. It is the only component
// that changes a workflow or the status of a draft.
type Orchestrator struct {
	Store       WorkflowStore
	Planner     Planner
	Caps        Capabilities
	Drafts      *drafts.Manager
	Analyzer    *progress.Analyzer
	Interpreter *Interpreter
	Policy      governance.PolicyEngine
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Config      config.WorkflowConfig
}

func NewOrchestrator(
	s WorkflowStore,
	planner Planner,
	caps Capabilities,
	dm *drafts.Manager,
	interpreter *Interpreter,
	policy governance.PolicyEngine,
	logger *observability.Logger,
	cfg config.WorkflowConfig,
) *Orchestrator {
	if policy == nil {
		policy = governance.NewDefaultPolicyEngine()
	}
	if interpreter == nil {
		interpreter = NewInterpreter(nil)
	}
	cfg = cfg.WithDefaults()
	return &Orchestrator{
		Store:       s,
		Planner:     planner,
		Caps:        caps,
		Drafts:      dm,
		Analyzer:    progress.New(progress.Config{LoopWindow: cfg.LoopWindow, StuckWindow: cfg.StuckWindow}),
		Interpreter: interpreter,
		Policy:      policy,
		Logger:      logger,
		Config:      cfg,
	}
}

// HandleMessage routes one user message: a new request when the session is
// idle, a confirmation turn when a draft is pending, a busy notice
// otherwise.
func (o *Orchestrator) HandleMessage(ctx context.Context, in Inbound) (Reply, error) {
	reply, err := o.handle(ctx, in)
	if err != nil {
		return Reply{}, err
	}
	if err := o.Store.AddMessage(in.SessionID, "human", in.Text); err != nil {
		log.Printf("Warning: Failed to store message for %s: %v", in.SessionID, err)
	}
	if err := o.Store.AddMessage(in.SessionID, "ai", reply.Text); err != nil {
		log.Printf("Warning: Failed to store reply for %s: %v", in.SessionID, err)
	}
	return reply, nil
}

func (o *Orchestrator) handle(ctx context.Context, in Inbound) (Reply, error) {
	if in.DraftID != "" {
		return o.handleTargeted(ctx, in)
	}
	wf, err := o.Store.ActiveWorkflow(ctx, in.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return o.start(ctx, in)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("load active workflow: %w", err)
	}
	return o.route(ctx, wf, in)
}

func (o *Orchestrator) route(ctx context.Context, wf *store.Workflow, in Inbound) (Reply, error) {
	if wf.Status == store.StatusConfirmationPending {
		return o.confirm(ctx, wf, in)
	}
	return replyFor(wf, msgBusy), nil
}

// handleTargeted serves a reply that names its draft. Replies for a draft
// that already ran get the cached result and never start new work.
func (o *Orchestrator) handleTargeted(ctx context.Context, in Inbound) (Reply, error) {
	d, err := o.Drafts.Get(ctx, in.DraftID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && d.SessionID != in.SessionID) {
		return Reply{Text: msgStale}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("load draft: %w", err)
	}

	switch d.Status {
	case store.DraftExecuted:
		return Reply{Text: doneText(d.Result), WorkflowID: d.WorkflowID, Draft: d}, nil
	case store.DraftCancelled:
		return Reply{Text: msgStale, WorkflowID: d.WorkflowID}, nil
	}

	wf, err := o.Store.ActiveWorkflow(ctx, in.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{Text: msgStale}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("load active workflow: %w", err)
	}
	switch {
	case wf.PendingDraftID == d.ID && wf.Status == store.StatusConfirmationPending:
		return o.confirm(ctx, wf, in)
	case wf.PendingDraftID == d.ID || d.Status == store.DraftExecuting:
		return replyFor(wf, msgBusy), nil
	}
	return replyFor(wf, msgStale), nil
}

func (o *Orchestrator) start(ctx context.Context, in Inbound) (Reply, error) {
	wf := &store.Workflow{
		ID:              uuid.NewString(),
		SessionID:       in.SessionID,
		OriginalRequest: in.Text,
		Status:          store.StatusPlanning,
		Steps:           []store.Step{},
		MaxSteps:        o.Config.MaxSteps,
	}
	if err := o.Store.StartWorkflow(ctx, wf); err != nil {
		if errors.Is(err, store.ErrSessionBusy) {
			// Another message of this session got there first.
			return Reply{Text: msgBusy}, nil
		}
		return Reply{}, fmt.Errorf("start workflow: %w", err)
	}
	o.Logger.LogWorkflow(wf.SessionID, wf.ID, "", string(wf.Status), "")
	return o.advance(ctx, wf, "")
}

// advance runs the planning loop until the workflow needs the user or
// reaches a terminal status. prefix is prepended to the reply.
func (o *Orchestrator) advance(ctx context.Context, wf *store.Workflow, prefix string) (Reply, error) {
	observability.Track(wf.ID, observability.RolePlanning, wf.OriginalRequest)

	for {
		if ctx.Err() != nil {
			return o.finish(ctx, wf, store.StatusFailed, prefix+msgInterrupted)
		}

		verdict := o.Analyzer.Check(wf.Steps, wf.StepCount, wf.MaxSteps)
		if verdict.Verdict != progress.Continue {
			o.Logger.LogVerdict(wf.SessionID, wf.ID, string(verdict.Verdict), verdict.Reason)
			o.Metrics.Verdict(string(verdict.Verdict))
		}
		if verdict.Halts() {
			return o.finish(ctx, wf, store.StatusFailed, prefix+explainVerdict(wf, verdict))
		}

		wf.StepCount++
		if err := o.save(ctx, wf); err != nil {
			return o.lost(ctx, wf, err)
		}

		decision, err := o.plan(ctx, wf)
		if err != nil {
			log.Printf("[Orchestrator] workflow %s: planner failed: %v", wf.ID, err)
			msg := msgPlanner
			if errors.Is(err, ErrPlannerTimeout) {
				msg = msgPlannerTimeout
			}
			return o.finish(ctx, wf, store.StatusFailed, prefix+msg)
		}

		switch decision.Kind {
		case DecisionDone:
			text := decision.Message
			if text == "" {
				text = "Done."
			}
			return o.finish(ctx, wf, store.StatusCompleted, prefix+text)
		case DecisionAbort:
			text := decision.Message
			if text == "" {
				text = "I stopped working on this request."
			}
			return o.finish(ctx, wf, store.StatusAborted, prefix+text)
		}

		reply, stop, err := o.step(ctx, wf, decision)
		if err != nil {
			return Reply{}, err
		}
		if stop {
			reply.Text = prefix + reply.Text
			return reply, nil
		}
	}
}

// step handles one proposed step. It reports stop when the loop must hand
// control back to the user.
func (o *Orchestrator) step(ctx context.Context, wf *store.Workflow, d Decision) (Reply, bool, error) {
	step := store.Step{
		Index:      len(wf.Steps),
		Operation:  d.Operation,
		Parameters: store.CloneParams(d.Parameters),
	}

	// Write-ness comes from the manifest, never from the planner.
	kind, err := o.Caps.Classify(d.Operation)
	if err != nil {
		step.Outcome = store.OutcomeFailed
		step.Error = fmt.Sprintf("unknown operation %q", d.Operation)
		return o.record(ctx, wf, step)
	}
	step.Kind = kind

	if red := o.Analyzer.CheckProposed(wf.Steps, step.Operation, step.Parameters); red.Verdict == progress.RedundantStep {
		prior := red.Prior.Index
		step.Outcome = store.OutcomeSkipped
		step.Result = red.Prior.Result
		step.ReusedFrom = &prior
		o.Logger.LogVerdict(wf.SessionID, wf.ID, string(red.Verdict), red.Reason)
		o.Metrics.Verdict(string(red.Verdict))
		return o.record(ctx, wf, step)
	}

	decision, err := o.Policy.Evaluate(ctx, governance.Request{
		Operation: step.Operation,
		Arguments: store.Canonical(step.Parameters),
		ChatID:    wf.SessionID,
	})
	if err != nil {
		decision = governance.Result{Effect: governance.EffectDeny, Reason: fmt.Sprintf("policy check failed: %v", err)}
	}
	o.Logger.LogPolicy(wf.SessionID, wf.ID, step.Operation, string(decision.Effect), decision.Reason)
	if decision.Effect == governance.EffectDeny {
		step.Outcome = store.OutcomeFailed
		step.Error = decision.Reason
		return o.record(ctx, wf, step)
	}

	if kind == store.KindWrite {
		reply, err := o.propose(ctx, wf, step)
		return reply, true, err
	}
	return o.runRead(ctx, wf, step)
}

func (o *Orchestrator) runRead(ctx context.Context, wf *store.Workflow, step store.Step) (Reply, bool, error) {
	o.Logger.LogToolCall(wf.SessionID, wf.ID, step.Operation, store.Canonical(step.Parameters))

	execCtx, cancel := context.WithTimeout(ctx, o.Config.ExecutorTimeout.Std())
	res := o.Caps.Execute(execCtx, step.Operation, step.Parameters, tools.AuthContext{SessionID: wf.SessionID})
	cancel()
	o.Metrics.CapabilityCall(step.Operation, string(step.Kind), res.Success)

	if res.Success {
		step.Outcome = store.OutcomeSucceeded
		step.Result = res.Output
		return o.record(ctx, wf, step)
	}

	step.Outcome = store.OutcomeFailed
	step.Error = execErrorText(res.Err)
	if res.Err != nil && res.Err.Kind == tools.ErrKindTimeout && ctx.Err() == nil {
		wf.Steps = append(wf.Steps, step)
		o.logStep(wf, step)
		reply, err := o.finish(ctx, wf, store.StatusFailed, msgReadTimeout)
		return reply, true, err
	}
	// Other failures go back to the planner, which may retry or change course.
	return o.record(ctx, wf, step)
}

// propose turns a write step into a draft and waits for the user.
func (o *Orchestrator) propose(ctx context.Context, wf *store.Workflow, step store.Step) (Reply, error) {
	step.Outcome = store.OutcomePending
	wf.Steps = append(wf.Steps, step)

	d, err := o.Drafts.Create(ctx, drafts.Spec{
		WorkflowID: wf.ID,
		SessionID:  wf.SessionID,
		StepIndex:  step.Index,
		Operation:  step.Operation,
		Parameters: step.Parameters,
	})
	if err != nil {
		log.Printf("[Orchestrator] workflow %s: draft for %s: %v", wf.ID, step.Operation, err)
		wf.LastStep().Outcome = store.OutcomeFailed
		wf.LastStep().Error = "could not prepare the action"
		return o.finish(ctx, wf, store.StatusFailed, msgInternal)
	}
	o.Logger.LogDraft(wf.SessionID, wf.ID, d.ID, d.Operation, string(d.Status))
	o.Metrics.Draft(string(d.Status))

	from := wf.Status
	wf.PendingDraftID = d.ID
	wf.Status = store.StatusConfirmationPending
	if err := o.save(ctx, wf); err != nil {
		if cerr := o.Drafts.Cancel(context.WithoutCancel(ctx), d.ID); cerr != nil {
			log.Printf("[Orchestrator] draft %s: cancel orphan: %v", d.ID, cerr)
		}
		return o.lost(ctx, wf, err)
	}
	o.logStep(wf, step)
	o.Logger.LogWorkflow(wf.SessionID, wf.ID, string(from), string(wf.Status), "")
	observability.Track(wf.ID, observability.RoleAwaiting, d.Operation)

	return Reply{
		Text:       confirmPrompt(d),
		WorkflowID: wf.ID,
		Status:     wf.Status,
		Draft:      d,
	}, nil
}

// confirm interprets a reply to the pending draft.
func (o *Orchestrator) confirm(ctx context.Context, wf *store.Workflow, in Inbound) (Reply, error) {
	d, err := o.Drafts.Get(ctx, wf.PendingDraftID)
	if errors.Is(err, store.ErrNotFound) {
		return o.finish(ctx, wf, store.StatusFailed, msgInternal)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("load draft: %w", err)
	}

	switch d.Status {
	case store.DraftExecuting, store.DraftExecuted:
		// The write already started from an earlier reply; only its
		// outcome is left to record.
		return o.executeDraft(ctx, wf, d)
	case store.DraftCancelled:
		return o.finish(ctx, wf, store.StatusAborted, msgDenied)
	}

	ictx, cancel := context.WithTimeout(ctx, o.Config.PlannerTimeout.Std())
	c, err := o.Interpreter.Interpret(ictx, in.Text, in.Delta, d)
	cancel()
	if err != nil {
		log.Printf("[Orchestrator] workflow %s: %v", wf.ID, err)
		r := replyFor(wf, msgAmbiguous+" "+confirmPrompt(d))
		r.Draft = d
		return r, nil
	}
	o.Logger.LogConfirmation(wf.SessionID, wf.ID, string(c.Intent), c.Source)

	switch c.Intent {
	case IntentAffirm:
		return o.executeDraft(ctx, wf, d)
	case IntentDeny:
		return o.deny(ctx, wf, d)
	case IntentModify:
		return o.modify(ctx, wf, d, c.ModificationDelta)
	}
	return o.interrupt(ctx, wf, d, in)
}

func (o *Orchestrator) executeDraft(ctx context.Context, wf *store.Workflow, d *store.Draft) (Reply, error) {
	from := wf.Status
	wf.Status = store.StatusExecuting
	if err := o.save(ctx, wf); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrImmutable) {
			// A concurrent confirmation owns the workflow; report the
			// shared result without advancing anything.
			xctx, cancel := context.WithTimeout(ctx, o.Config.ExecutorTimeout.Std())
			res, xerr := o.Drafts.Execute(xctx, d.ID)
			cancel()
			if xerr == nil && res.Success {
				return Reply{Text: doneText(res.Output), WorkflowID: wf.ID, Draft: d}, nil
			}
		}
		return o.lost(ctx, wf, err)
	}
	o.Logger.LogWorkflow(wf.SessionID, wf.ID, string(from), string(wf.Status), "")
	observability.Track(wf.ID, observability.RoleExecuting, d.Operation)

	execCtx, cancel := context.WithTimeout(ctx, o.Config.ExecutorTimeout.Std())
	res, err := o.Drafts.Execute(execCtx, d.ID)
	cancel()

	step := stepAt(wf, d.StepIndex)
	if err != nil {
		step.Outcome = store.OutcomeFailed
		step.Error = err.Error()
		switch {
		case errors.Is(err, drafts.ErrDraftCancelled):
			return o.finish(ctx, wf, store.StatusAborted, msgDenied)
		case errors.Is(err, context.DeadlineExceeded):
			return o.finish(ctx, wf, store.StatusFailed, msgWriteTimeout)
		}
		log.Printf("[Orchestrator] workflow %s: execute draft %s: %v", wf.ID, d.ID, err)
		return o.finish(ctx, wf, store.StatusFailed, msgInternal)
	}
	if !res.Replayed {
		o.Metrics.CapabilityCall(d.Operation, string(store.KindWrite), res.Success)
	}

	if !res.Success {
		step.Error = execErrorText(res.Err)
		if res.Err != nil && res.Err.Kind == tools.ErrKindTimeout {
			step.Outcome = store.OutcomeFailed
			return o.finish(ctx, wf, store.StatusFailed, msgWriteTimeout)
		}
		// The draft is still open; the user decides between retry and cancel.
		wf.Status = store.StatusConfirmationPending
		if err := o.save(ctx, wf); err != nil {
			return o.lost(ctx, wf, err)
		}
		o.Logger.LogWorkflow(wf.SessionID, wf.ID, string(store.StatusExecuting), string(wf.Status), step.Error)
		observability.Track(wf.ID, observability.RoleAwaiting, d.Operation)
		r := replyFor(wf, fmt.Sprintf("That didn't work: %s\n\n%s", userFacingError(res.Err), msgRetrySuffix))
		r.Draft = d
		return r, nil
	}

	o.Logger.LogDraft(wf.SessionID, wf.ID, d.ID, d.Operation, string(store.DraftExecuted))
	o.Metrics.Draft(string(store.DraftExecuted))

	// Record what actually ran, including any modifications.
	if fresh, err := o.Drafts.Get(ctx, d.ID); err == nil {
		step.Parameters = fresh.Parameters
	}
	step.Outcome = store.OutcomeSucceeded
	step.Result = res.Output
	step.Error = ""
	wf.PendingDraftID = ""
	wf.Status = store.StatusPlanning
	if err := o.save(ctx, wf); err != nil {
		return o.lost(ctx, wf, err)
	}
	o.logStep(wf, *step)
	o.Logger.LogWorkflow(wf.SessionID, wf.ID, string(store.StatusExecuting), string(wf.Status), "")

	return o.advance(ctx, wf, doneText(res.Output)+"\n\n")
}

func (o *Orchestrator) deny(ctx context.Context, wf *store.Workflow, d *store.Draft) (Reply, error) {
	if err := o.Drafts.Cancel(ctx, d.ID); err != nil {
		if errors.Is(err, drafts.ErrDraftNotCancellable) {
			return replyFor(wf, msgTooLate), nil
		}
		return Reply{}, fmt.Errorf("cancel draft: %w", err)
	}
	o.Logger.LogDraft(wf.SessionID, wf.ID, d.ID, d.Operation, string(store.DraftCancelled))
	o.Metrics.Draft(string(store.DraftCancelled))
	// Already cancelled; terminate must not cancel and count it again.
	wf.PendingDraftID = ""

	step := stepAt(wf, d.StepIndex)
	step.Outcome = store.OutcomeSkipped
	step.Error = "declined by the user"
	o.logStep(wf, *step)

	if o.Config.DenyPolicy != config.DenyPolicyReplan {
		return o.finish(ctx, wf, store.StatusAborted, msgDenied)
	}

	wf.Status = store.StatusPlanning
	if err := o.save(ctx, wf); err != nil {
		return o.lost(ctx, wf, err)
	}
	o.Logger.LogWorkflow(wf.SessionID, wf.ID, string(store.StatusConfirmationPending), string(wf.Status), "denied")
	return o.advance(ctx, wf, msgDenied+"\n\n")
}

// modify patches the draft and re-presents it. The planner is not called.
func (o *Orchestrator) modify(ctx context.Context, wf *store.Workflow, d *store.Draft, delta map[string]any) (Reply, error) {
	nd, err := o.Drafts.Modify(ctx, d.ID, delta)
	if err != nil {
		if errors.Is(err, drafts.ErrDraftNotModifiable) {
			return replyFor(wf, msgTooLate), nil
		}
		return Reply{}, fmt.Errorf("modify draft: %w", err)
	}
	o.Logger.LogDraft(wf.SessionID, wf.ID, nd.ID, nd.Operation, string(nd.Status))
	o.Metrics.Draft(string(nd.Status))

	r := replyFor(wf, "Updated. "+confirmPrompt(nd))
	r.Draft = nd
	return r, nil
}

// interrupt handles a message unrelated to the pending draft, according to
// the configured policy. The draft is either kept pending or explicitly
// cancelled; it is never dropped by accident.
func (o *Orchestrator) interrupt(ctx context.Context, wf *store.Workflow, d *store.Draft, in Inbound) (Reply, error) {
	if o.Config.InterruptPolicy != config.InterruptPolicyCancel {
		r := replyFor(wf, "You still have an action waiting for confirmation.\n\n"+d.PreviewText+"\n\n"+msgConfirmSuffix)
		r.Draft = d
		return r, nil
	}

	if err := o.Drafts.Cancel(ctx, d.ID); err != nil {
		if errors.Is(err, drafts.ErrDraftNotCancellable) {
			return replyFor(wf, msgBusy), nil
		}
		return Reply{}, fmt.Errorf("cancel draft: %w", err)
	}
	o.Logger.LogDraft(wf.SessionID, wf.ID, d.ID, d.Operation, string(store.DraftCancelled))
	o.Metrics.Draft(string(store.DraftCancelled))
	wf.PendingDraftID = ""

	step := stepAt(wf, d.StepIndex)
	step.Outcome = store.OutcomeSkipped
	step.Error = "set aside for a new request"

	prev, err := o.finish(ctx, wf, store.StatusAborted, msgSetAside)
	if err != nil || prev.Status != store.StatusAborted {
		return prev, err
	}
	next, err := o.start(ctx, in)
	if err != nil {
		return Reply{}, err
	}
	next.Text = prev.Text + "\n\n" + next.Text
	return next, nil
}

// EndSession aborts the session's active workflow. Open drafts are
// cancelled; a draft that is already executing is left to finish.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		wf, err := o.Store.ActiveWorkflow(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		err = o.terminate(ctx, wf, store.StatusAborted, msgCancelled)
		switch {
		case err == nil, errors.Is(err, store.ErrImmutable):
			return nil
		case !errors.Is(err, store.ErrConflict):
			return err
		}
	}
	return fmt.Errorf("end session %s: %w", sessionID, store.ErrConflict)
}

// Recover fails workflows a previous process left mid-planning or
// mid-execution. Workflows waiting for confirmation stay resumable. It
// returns the workflows it failed so their users can be told.
func (o *Orchestrator) Recover(ctx context.Context) ([]*store.Workflow, error) {
	orphans, err := o.Store.ListWorkflows(ctx, store.WorkflowFilter{
		Statuses: []store.WorkflowStatus{store.StatusPlanning, store.StatusExecuting},
	})
	if err != nil {
		return nil, fmt.Errorf("list unfinished workflows: %w", err)
	}

	var recovered []*store.Workflow
	for _, wf := range orphans {
		text := msgRestarted
		if wf.Status == store.StatusExecuting && wf.PendingDraftID != "" {
			if d, err := o.Drafts.Get(ctx, wf.PendingDraftID); err == nil {
				step := stepAt(wf, d.StepIndex)
				switch {
				case d.Status == store.DraftExecuted:
					step.Outcome = store.OutcomeSucceeded
					step.Result = d.Result
					text = doneText(d.Result) + "\n\n" + msgRestarted
				case d.Status == store.DraftExecuting:
					step.Error = "outcome unknown after restart"
					text = msgUnknownOutcome + "\n\n" + d.PreviewText
				}
			}
		}
		if err := o.terminate(ctx, wf, store.StatusFailed, text); err != nil {
			log.Printf("[Orchestrator] recover workflow %s: %v", wf.ID, err)
			continue
		}
		recovered = append(recovered, wf)
	}
	return recovered, nil
}

// plan calls the planner with a hard timeout, retrying failed calls.
func (o *Orchestrator) plan(ctx context.Context, wf *store.Workflow) (Decision, error) {
	req := PlanRequest{
		SessionID:       wf.SessionID,
		WorkflowID:      wf.ID,
		OriginalRequest: wf.OriginalRequest,
		Steps:           append([]store.Step(nil), wf.Steps...),
	}

	var err error
	for attempt := 0; attempt <= o.Config.PlannerRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[Planner] workflow %s: retry %d after: %v", wf.ID, attempt, err)
		}
		var d Decision
		d, err = o.callPlanner(ctx, req)
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Decision{}, err
}

func (o *Orchestrator) callPlanner(ctx context.Context, req PlanRequest) (Decision, error) {
	pctx, cancel := context.WithTimeout(ctx, o.Config.PlannerTimeout.Std())
	defer cancel()

	start := time.Now()
	d, err := o.Planner.Plan(pctx, req)
	o.Metrics.PlannerCall(time.Since(start))

	if err != nil {
		var pe *PlannerError
		switch {
		case errors.Is(err, ErrPlannerTimeout), errors.As(err, &pe):
			return Decision{}, err
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(pctx.Err(), context.DeadlineExceeded):
			return Decision{}, ErrPlannerTimeout
		}
		return Decision{}, &PlannerError{Err: err}
	}

	switch d.Kind {
	case DecisionStep:
		if d.Operation == "" {
			return Decision{}, &PlannerError{Err: errors.New("step without an operation")}
		}
	case DecisionDone, DecisionAbort:
	default:
		return Decision{}, &PlannerError{Err: fmt.Errorf("unknown decision kind %q", d.Kind)}
	}
	return d, nil
}

// record appends a finished step and persists it.
func (o *Orchestrator) record(ctx context.Context, wf *store.Workflow, step store.Step) (Reply, bool, error) {
	wf.Steps = append(wf.Steps, step)
	if err := o.save(ctx, wf); err != nil {
		reply, err := o.lost(ctx, wf, err)
		return reply, true, err
	}
	o.logStep(wf, step)
	return Reply{}, false, nil
}

// finish moves wf to a terminal status and builds the reply.
func (o *Orchestrator) finish(ctx context.Context, wf *store.Workflow, status store.WorkflowStatus, text string) (Reply, error) {
	if err := o.terminate(ctx, wf, status, text); err != nil {
		return o.lost(ctx, wf, err)
	}
	return Reply{Text: text, WorkflowID: wf.ID, Status: wf.Status}, nil
}

func (o *Orchestrator) terminate(ctx context.Context, wf *store.Workflow, status store.WorkflowStatus, text string) error {
	if wf.PendingDraftID != "" && status != store.StatusCompleted {
		err := o.Drafts.Cancel(context.WithoutCancel(ctx), wf.PendingDraftID)
		switch {
		case err == nil:
			o.Metrics.Draft(string(store.DraftCancelled))
		case errors.Is(err, drafts.ErrDraftNotCancellable):
			// Started writes are allowed to complete.
		default:
			log.Printf("[Orchestrator] workflow %s: cancel draft %s: %v", wf.ID, wf.PendingDraftID, err)
		}
	}

	from := wf.Status
	wf.Status = status
	wf.Explanation = text
	wf.PendingDraftID = ""
	if err := o.save(ctx, wf); err != nil {
		wf.Status = from
		return err
	}
	o.Logger.LogWorkflow(wf.SessionID, wf.ID, string(from), string(status), text)
	o.Metrics.WorkflowFinished(string(status))
	observability.Untrack(wf.ID)
	return nil
}

// save persists wf even when the request context is gone, so a workflow is
// never left half-updated by a disconnect.
func (o *Orchestrator) save(ctx context.Context, wf *store.Workflow) error {
	return o.Store.UpdateWorkflow(context.WithoutCancel(ctx), wf)
}

// lost replies after a save lost the race against another writer, usually
// EndSession or a duplicate confirmation.
func (o *Orchestrator) lost(ctx context.Context, wf *store.Workflow, err error) (Reply, error) {
	if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrImmutable) {
		return Reply{}, fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	current, gerr := o.Store.GetWorkflow(context.WithoutCancel(ctx), wf.ID)
	if gerr != nil {
		return Reply{}, fmt.Errorf("reload workflow %s: %w", wf.ID, gerr)
	}
	if current.Status.Terminal() && current.Explanation != "" {
		return replyFor(current, current.Explanation), nil
	}
	return replyFor(current, msgBusy), nil
}

func (o *Orchestrator) logStep(wf *store.Workflow, s store.Step) {
	o.Logger.LogStep(wf.SessionID, wf.ID, s.Index, s.Operation, string(s.Kind), string(s.Outcome))
}

func replyFor(wf *store.Workflow, text string) Reply {
	return Reply{Text: text, WorkflowID: wf.ID, Status: wf.Status}
}

// stepAt returns the step a draft belongs to. An out-of-range index yields
// a detached step so callers never write through a bad pointer.
func stepAt(wf *store.Workflow, index int) *store.Step {
	if index < 0 || index >= len(wf.Steps) {
		return &store.Step{Index: index}
	}
	return &wf.Steps[index]
}

func confirmPrompt(d *store.Draft) string {
	return "I'd like to do this:\n\n" + d.PreviewText + "\n\n" + msgConfirmSuffix
}

func doneText(result string) string {
	if result == "" {
		return "Done."
	}
	return "Done: " + result
}

func explainVerdict(wf *store.Workflow, r progress.Result) string {
	op := "the same step"
	if last := wf.LastStep(); last != nil {
		op = last.Operation
	}
	switch r.Verdict {
	case progress.LoopDetected:
		return fmt.Sprintf("I kept repeating the same step (%s) without getting anywhere, so I stopped. Could you rephrase the request or add more detail?", op)
	case progress.Stuck:
		return fmt.Sprintf("I wasn't able to make progress on this after several attempts: %s kept failing.", op)
	}
	return msgStepCap
}

func execErrorText(e *tools.ExecError) string {
	if e == nil {
		return "unknown failure"
	}
	return e.Error()
}

// userFacingError shows argument problems, which the user can fix, and
// hides everything else.
func userFacingError(e *tools.ExecError) string {
	if e != nil && e.Kind == tools.ErrKindInvalidInput {
		return e.Message
	}
	return "the action failed."
}
