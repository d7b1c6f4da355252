package store

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the orchestrator state of a Workflow.
type WorkflowStatus string

const (
	StatusPlanning            WorkflowStatus = "PLANNING"
	StatusConfirmationPending WorkflowStatus = "CONFIRMATION_PENDING"
	StatusExecuting           WorkflowStatus = "EXECUTING"
	StatusCompleted           WorkflowStatus = "COMPLETED"
	StatusAborted             WorkflowStatus = "ABORTED"
	StatusFailed              WorkflowStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// StepKind classifies an operation as side-effect free or not.
type StepKind string

const (
	KindRead  StepKind = "READ"
	KindWrite StepKind = "WRITE"
)

type StepOutcome string

const (
	OutcomePending   StepOutcome = "PENDING"
	OutcomeSucceeded StepOutcome = "SUCCEEDED"
	OutcomeFailed    StepOutcome = "FAILED"
	OutcomeSkipped   StepOutcome = "SKIPPED"
)

// Step is one planner-proposed operation and its outcome.
type Step struct {
	Index      int            `json:"index"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
	Kind       StepKind       `json:"kind"`
	Outcome    StepOutcome    `json:"outcome"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	// ReusedFrom is set when the step was short-circuited with the result
	// of an earlier identical step.
	ReusedFrom *int `json:"reused_from,omitempty"`
}

// Workflow is one end-to-end attempt to satisfy a single user request.
type Workflow struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	OriginalRequest string         `json:"original_request"`
	Status          WorkflowStatus `json:"status"`
	Steps           []Step         `json:"steps"`
	StepCount       int            `json:"step_count"`
	MaxSteps        int            `json:"max_steps"`
	PendingDraftID  string         `json:"pending_draft_id,omitempty"`
	// Explanation is the user-facing text attached to a terminal status.
	Explanation string    `json:"explanation,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LastStep returns a pointer to the most recent step, or nil.
func (w *Workflow) LastStep() *Step {
	if len(w.Steps) == 0 {
		return nil
	}
	return &w.Steps[len(w.Steps)-1]
}

// DraftStatus is the confirmation state of a pending write.
type DraftStatus string

const (
	DraftPendingConfirmation DraftStatus = "PENDING_CONFIRMATION"
	DraftModified            DraftStatus = "MODIFIED"
	// DraftExecuting marks a draft whose executor call is in flight.
	DraftExecuting DraftStatus = "EXECUTING"
	DraftExecuted  DraftStatus = "EXECUTED"
	DraftCancelled DraftStatus = "CANCELLED"
)

func (s DraftStatus) Terminal() bool {
	return s == DraftExecuted || s == DraftCancelled
}

// Open reports whether the draft may still be modified, executed or cancelled.
func (s DraftStatus) Open() bool {
	return s == DraftPendingConfirmation || s == DraftModified
}

// Draft is a not-yet-executed write operation awaiting confirmation.
type Draft struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	SessionID   string         `json:"session_id"`
	StepIndex   int            `json:"step_index"`
	Operation   string         `json:"operation"`
	Parameters  map[string]any `json:"parameters"`
	PreviewText string         `json:"preview_text"`
	Status      DraftStatus    `json:"status"`
	Result      string         `json:"result,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Event is an entry in the local calendar.
type Event struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendees []string  `json:"attendees,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// Canonical renders parameters as JSON with sorted keys so that equal
// parameter sets compare equal as strings.
func Canonical(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// CloneParams returns a deep copy of params via a JSON round trip.
func CloneParams(params map[string]any) map[string]any {
	out := map[string]any{}
	if len(params) == 0 {
		return out
	}
	b, err := json.Marshal(params)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}
