package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rahul/concierge/internal/observability"
	"github.com/rahul/concierge/internal/store"
	"github.com/tmc/langchaingo/llms"
)

// Intent is how a reply relates to the pending draft.
type Intent string

const (
	IntentAffirm    Intent = "AFFIRM"
	IntentDeny      Intent = "DENY"
	IntentModify    Intent = "MODIFY"
	IntentUnrelated Intent = "UNRELATED"
)

// Where a classification came from.
const (
	SourceStructured = "structured"
	SourceLexical    = "lexical"
	SourceClassifier = "classifier"
)

// Classification is the interpreted meaning of a confirmation-turn reply.
// ModificationDelta is set only for IntentModify.
type Classification struct {
	Intent            Intent
	ModificationDelta map[string]any
	Source            string
}

var ErrConfirmationAmbiguous = errors.New("confirmation: reply could not be classified")

// Classifier resolves replies the lexical check could not. It only
// distinguishes MODIFY from UNRELATED; approval is never inferred by a model.
type Classifier interface {
	Classify(ctx context.Context, reply string, draft *store.Draft) (Classification, error)
}

var affirmPhrases = phraseSet(
	"yes", "y", "yeah", "yea", "yep", "yup", "sure", "ok", "okay", "k",
	"confirm", "confirmed", "go", "go ahead", "do it", "send", "proceed",
	"approve", "approved", "lgtm", "sounds good", "looks good", "correct",
	"yes go ahead", "yes do it", "yes send", "yes confirm", "ok go ahead",
	"ok send", "yes proceed", "sure go ahead", "go for it", "👍", "✅",
)

var denyPhrases = phraseSet(
	"no", "n", "nope", "nah", "cancel", "stop", "dont", "do not", "abort",
	"never mind", "nevermind", "forget", "discard", "deny", "reject",
	"no cancel", "no stop", "no dont", "dont send", "do not send",
	"cancel that", "no way", "👎", "❌",
)

// Tokens ignored around the core phrase, e.g. "yes please", "no thanks".
var fillerTokens = phraseSet("please", "pls", "thanks", "thank", "you", "it", "that", "now", "then", "just")

func phraseSet(phrases ...string) map[string]bool {
	m := make(map[string]bool, len(phrases))
	for _, p := range phrases {
		m[p] = true
	}
	return m
}

// Interpreter maps a reply, in the context of one pending draft, to a
// Classification. A structured delta wins, then the lexical check, then the
// fallback classifier.
type Interpreter struct {
	Fallback Classifier
}

func NewInterpreter(fallback Classifier) *Interpreter {
	return &Interpreter{Fallback: fallback}
}

func (i *Interpreter) Interpret(ctx context.Context, reply string, delta map[string]any, draft *store.Draft) (Classification, error) {
	if len(delta) > 0 {
		return Classification{Intent: IntentModify, ModificationDelta: delta, Source: SourceStructured}, nil
	}

	if intent, ok := Lexical(reply); ok {
		return Classification{Intent: intent, Source: SourceLexical}, nil
	}

	if i.Fallback == nil {
		return Classification{}, ErrConfirmationAmbiguous
	}
	c, err := i.Fallback.Classify(ctx, reply, draft)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrConfirmationAmbiguous, err)
	}
	switch c.Intent {
	case IntentModify:
		if len(c.ModificationDelta) == 0 {
			return Classification{}, fmt.Errorf("%w: modification without changes", ErrConfirmationAmbiguous)
		}
	case IntentUnrelated:
		c.ModificationDelta = nil
	default:
		return Classification{}, ErrConfirmationAmbiguous
	}
	c.Source = SourceClassifier
	return c, nil
}

// Lexical reports AFFIRM or DENY when the whole reply, minus filler words,
// is a known phrase. Anything else is inconclusive.
func Lexical(reply string) (Intent, bool) {
	trimmed := strings.TrimSpace(reply)
	if affirmPhrases[trimmed] {
		return IntentAffirm, true
	}
	if denyPhrases[trimmed] {
		return IntentDeny, true
	}

	var tokens []string
	for _, tok := range strings.Fields(normalize(trimmed)) {
		if !fillerTokens[tok] {
			tokens = append(tokens, tok)
		}
	}
	phrase := strings.Join(tokens, " ")
	switch {
	case phrase == "":
		return "", false
	case affirmPhrases[phrase]:
		return IntentAffirm, true
	case denyPhrases[phrase]:
		return IntentDeny, true
	}
	return "", false
}

// normalize lowercases, drops apostrophes and turns other punctuation into
// spaces.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

const defaultClassifierPrompt = `The user was shown a pending action and asked to confirm it.
Decide whether their reply asks to CHANGE the action (MODIFY) or is about
something else (UNRELATED). If it is neither or you are unsure, answer UNCLEAR.
For MODIFY, put only the changed parameters in "changes", using the action's
parameter names. Use null to remove a parameter.`

var classifierTools = []llms.Tool{
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "classify_reply",
			Description: "Classify the user's reply to a pending action.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"intent": map[string]any{
						"type": "string",
						"enum": []string{"MODIFY", "UNRELATED", "UNCLEAR"},
					},
					"changes": map[string]any{
						"type":        "object",
						"description": "Changed parameters for MODIFY.",
					},
				},
				"required": []string{"intent"},
			},
		},
	},
}

// LLMClassifier is the model-backed fallback of the Interpreter.
type LLMClassifier struct {
	Model   llms.Model
	Prompts *PromptManager
	Logger  *observability.Logger
}

func NewLLMClassifier(model llms.Model, prompts *PromptManager, logger *observability.Logger) *LLMClassifier {
	return &LLMClassifier{Model: model, Prompts: prompts, Logger: logger}
}

func (c *LLMClassifier) Classify(ctx context.Context, reply string, draft *store.Draft) (Classification, error) {
	prompt := defaultClassifierPrompt
	if c.Prompts != nil {
		if custom, err := c.Prompts.GetClassifierPrompt(); err == nil {
			prompt = custom
		}
	}

	action := fmt.Sprintf("Pending action: %s\nParameters: %s\nPreview:\n%s",
		draft.Operation, store.Canonical(draft.Parameters), draft.PreviewText)
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(prompt)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(action + "\n\nReply: " + reply)}},
	}

	resp, err := c.Model.GenerateContent(ctx, messages, llms.WithTools(classifierTools))
	if err != nil {
		return Classification{}, err
	}
	if len(resp.Choices) == 0 {
		return Classification{}, errors.New("empty response")
	}
	choice := resp.Choices[0]
	c.Logger.LogLLM(draft.SessionID, draft.WorkflowID, messages, choice.Content, choice.ToolCalls)

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != "classify_reply" {
			continue
		}
		var args struct {
			Intent  string         `json:"intent"`
			Changes map[string]any `json:"changes"`
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
			return Classification{}, fmt.Errorf("failed to parse classify_reply arguments: %v", err)
		}
		switch Intent(args.Intent) {
		case IntentModify:
			return Classification{Intent: IntentModify, ModificationDelta: args.Changes}, nil
		case IntentUnrelated:
			return Classification{Intent: IntentUnrelated}, nil
		}
		return Classification{}, ErrConfirmationAmbiguous
	}
	return Classification{}, errors.New("classifier did not call classify_reply")
}
