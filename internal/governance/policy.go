package governance

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request contains the context of a capability call to be evaluated.
type Request struct {
	Operation string
	// Arguments is the canonical JSON encoding of the parameters.
	Arguments string
	ChatID    string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates capability calls against a set of rules. It runs
// before a read executes and before a write is offered for confirmation.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// argumentRule denies calls whose arguments match Pattern. An empty
// Operation applies the rule to every operation.
type argumentRule struct {
	Operation string
	Pattern   *regexp.Regexp
}

// DefaultPolicyEngine denies by operation name (exact or glob, e.g.
// "shell.*") and by argument pattern. Everything else is allowed.
type DefaultPolicyEngine struct {
	mu            sync.RWMutex
	DeniedTools   map[string]bool
	DeniedGlobs   []string
	ArgumentRules []argumentRule
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedTools: make(map[string]bool),
	}
}

// NewPolicyEngine builds an engine from configured deny lists. Argument
// entries are a regular expression, optionally scoped to one operation as
// "operation=regexp".
func NewPolicyEngine(deniedTools, deniedArguments []string) (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	for _, t := range deniedTools {
		if err := e.DenyTool(t); err != nil {
			return nil, fmt.Errorf("governance: bad operation %q: %w", t, err)
		}
	}
	for _, entry := range deniedArguments {
		op, pattern := splitScoped(entry)
		if err := e.DenyOperationArguments(op, pattern); err != nil {
			return nil, fmt.Errorf("governance: bad pattern %q: %w", entry, err)
		}
	}
	return e, nil
}

// splitScoped reads "email.send=@example\.com". Regular expressions may
// themselves contain '=', so only a valid operation name before the first
// '=' counts as a scope.
func splitScoped(entry string) (string, string) {
	op, pattern, ok := strings.Cut(entry, "=")
	if !ok || op == "" || strings.ContainsAny(op, ` \\()[]{}^$+?|`) {
		return "", entry
	}
	return op, pattern
}

// DenyTool blocks an operation. Names containing glob characters match
// with path.Match semantics.
func (e *DefaultPolicyEngine) DenyTool(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if strings.ContainsAny(name, "*?[") {
		if _, err := path.Match(name, ""); err != nil {
			return err
		}
		e.DeniedGlobs = append(e.DeniedGlobs, name)
		return nil
	}
	e.DeniedTools[name] = true
	return nil
}

// DenyArguments blocks calls of any operation whose arguments match pattern.
func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	return e.DenyOperationArguments("", pattern)
}

func (e *DefaultPolicyEngine) DenyOperationArguments(operation, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ArgumentRules = append(e.ArgumentRules, argumentRule{Operation: operation, Pattern: re})
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.operationDenied(req.Operation) {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Operation '%s' is restricted by system policy", req.Operation),
		}, nil
	}

	for _, rule := range e.ArgumentRules {
		if rule.Operation != "" && rule.Operation != req.Operation {
			continue
		}
		if rule.Pattern.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Arguments match restricted pattern: %s", rule.Pattern.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}

func (e *DefaultPolicyEngine) operationDenied(op string) bool {
	if e.DeniedTools[op] {
		return true
	}
	for _, g := range e.DeniedGlobs {
		if ok, _ := path.Match(g, op); ok {
			return true
		}
	}
	return false
}
