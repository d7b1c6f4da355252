package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/rahul/concierge/internal/observability"
	"github.com/rahul/concierge/internal/store"
	"github.com/rahul/concierge/internal/tools"
	"github.com/tmc/langchaingo/llms"
)

// DecisionKind is what the planner wants to happen next.
type DecisionKind string

const (
	DecisionStep  DecisionKind = "step"
	DecisionDone  DecisionKind = "done"
	DecisionAbort DecisionKind = "abort"
)

// Decision is one planner verdict. Operation and Parameters are set for
// DecisionStep; Message carries the final answer for DecisionDone and the
// reason for DecisionAbort.
type Decision struct {
	Kind       DecisionKind
	Operation  string
	Parameters map[string]any
	Message    string
}

// PlanRequest is everything the planner sees for one call.
type PlanRequest struct {
	SessionID       string
	WorkflowID      string
	OriginalRequest string
	Steps           []store.Step
}

// Planner proposes the next step of a workflow. Implementations are
// treated as untrusted black boxes: they may loop, repeat themselves or
// mislabel writes, and the orchestrator guards against all of it.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (Decision, error)
}

var ErrPlannerTimeout = errors.New("planner: timed out")

// PlannerError is a failed planner call.
type PlannerError struct {
	Err error
}

func (e *PlannerError) Error() string {
	return fmt.Sprintf("planner: %v", e.Err)
}

func (e *PlannerError) Unwrap() error {
	return e.Err
}

// HistoryStore gives the planner the recent conversation of a chat.
type HistoryStore interface {
	AddMessage(chatID string, role string, content string) error
	GetHistory(chatID string, limit int) ([]llms.MessageContent, error)
}

// ToolLister is the part of the capability registry the planner describes
// to the model.
type ToolLister interface {
	List() []tools.Tool
}

const defaultPlannerPrompt = `You are the planning core of a personal assistant.
You decide ONE next step at a time towards the user's request.

- Call next_step with an operation from the tool list and its parameters.
- Call finish with the final answer once the request is satisfied.
- Call abort with a reason if the request cannot or should not be done.

Steps that change the outside world are shown to the user for confirmation
before they run. Results of earlier steps are given to you; do not repeat a
step that already succeeded.`

// historyTurns is how many stored messages are given to the planner.
const historyTurns = 5

// LLMPlanner asks a langchaingo model for the next step using tool calls.
type LLMPlanner struct {
	Model   llms.Model
	Tools   ToolLister
	History HistoryStore
	Prompts *PromptManager
	Logger  *observability.Logger
}

func NewLLMPlanner(model llms.Model, caps ToolLister, history HistoryStore, prompts *PromptManager, logger *observability.Logger) *LLMPlanner {
	return &LLMPlanner{
		Model:   model,
		Tools:   caps,
		History: history,
		Prompts: prompts,
		Logger:  logger,
	}
}

var plannerTools = []llms.Tool{
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "next_step",
			Description: "Run one operation from the tool list.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"operation": map[string]any{
						"type":        "string",
						"description": "Operation name, exactly as listed.",
					},
					"parameters": map[string]any{
						"type":        "object",
						"description": "Arguments following the operation's schema.",
					},
				},
				"required": []string{"operation"},
			},
		},
	},
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "finish",
			Description: "The request is satisfied. Give the final answer for the user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
				"required": []string{"message"},
			},
		},
	},
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "abort",
			Description: "Stop working on the request and tell the user why.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string"},
				},
				"required": []string{"reason"},
			},
		},
	},
}

func (p *LLMPlanner) Plan(ctx context.Context, req PlanRequest) (Decision, error) {
	messages := p.buildMessages(req)

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools(plannerTools))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Decision{}, ErrPlannerTimeout
		}
		return Decision{}, &PlannerError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return Decision{}, &PlannerError{Err: errors.New("empty response")}
	}
	choice := resp.Choices[0]
	p.Logger.LogLLM(req.SessionID, req.WorkflowID, messages, choice.Content, choice.ToolCalls)

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		d, err := parseDecision(tc.FunctionCall.Name, tc.FunctionCall.Arguments)
		if err != nil {
			return Decision{}, &PlannerError{Err: err}
		}
		return d, nil
	}

	// A plain text answer means the model considers the request done.
	if choice.Content != "" {
		return Decision{Kind: DecisionDone, Message: choice.Content}, nil
	}
	return Decision{}, &PlannerError{Err: errors.New("no decision or text response")}
}

func (p *LLMPlanner) buildMessages(req PlanRequest) []llms.MessageContent {
	prompt := defaultPlannerPrompt
	if p.Prompts != nil {
		if custom, err := p.Prompts.GetPlannerPrompt(); err == nil {
			prompt = custom
		}
		if persona, err := p.Prompts.GetPersonaPrompt(); err == nil {
			prompt = persona + "\n\n---\n\n" + prompt
		}
	}

	var toolDescriptions []string
	for _, t := range p.Tools.List() {
		schema, _ := json.Marshal(t.Parameters())
		toolDescriptions = append(toolDescriptions,
			fmt.Sprintf("- %s (%s): %s\n  parameters: %s", t.Name(), t.Kind(), t.Description(), schema))
	}
	prompt = fmt.Sprintf("%s\n\n## Available Tools:\n%s", prompt, strings.Join(toolDescriptions, "\n"))

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}
	if p.History != nil {
		history, err := p.History.GetHistory(req.SessionID, historyTurns)
		if err != nil {
			log.Printf("Warning: Failed to load history for %s: %v", req.SessionID, err)
		}
		messages = append(messages, history...)
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.OriginalRequest)},
	})

	// Replay the step history so the model sees what already happened.
	for _, s := range req.Steps {
		messages = append(messages, llms.MessageContent{
			Role: llms.ChatMessageTypeAI,
			Parts: []llms.ContentPart{
				llms.TextPart(fmt.Sprintf("Step %d: %s %s", s.Index, s.Operation, store.Canonical(s.Parameters))),
			},
		})
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(describeOutcome(s))},
		})
	}
	return messages
}

func describeOutcome(s store.Step) string {
	switch s.Outcome {
	case store.OutcomeSucceeded:
		return fmt.Sprintf("Step %d succeeded.\nOutput: %s", s.Index, s.Result)
	case store.OutcomeFailed:
		return fmt.Sprintf("Step %d failed: %s", s.Index, s.Error)
	case store.OutcomeSkipped:
		if s.ReusedFrom != nil {
			return fmt.Sprintf("Step %d repeats step %d, which already succeeded. Its output was:\n%s\nDo not repeat it again.",
				s.Index, *s.ReusedFrom, s.Result)
		}
		return fmt.Sprintf("Step %d was not run: %s", s.Index, s.Error)
	}
	return fmt.Sprintf("Step %d is pending.", s.Index)
}

func parseDecision(name, arguments string) (Decision, error) {
	switch name {
	case "next_step":
		var args struct {
			Operation  string         `json:"operation"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return Decision{}, fmt.Errorf("failed to parse next_step arguments: %v", err)
		}
		if args.Operation == "" {
			return Decision{}, errors.New("next_step without an operation")
		}
		if args.Parameters == nil {
			args.Parameters = map[string]any{}
		}
		return Decision{Kind: DecisionStep, Operation: args.Operation, Parameters: args.Parameters}, nil
	case "finish":
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return Decision{}, fmt.Errorf("failed to parse finish arguments: %v", err)
		}
		return Decision{Kind: DecisionDone, Message: args.Message}, nil
	case "abort":
		var args struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return Decision{}, fmt.Errorf("failed to parse abort arguments: %v", err)
		}
		return Decision{Kind: DecisionAbort, Message: args.Reason}, nil
	}
	return Decision{}, fmt.Errorf("unknown planner call %q", name)
}
