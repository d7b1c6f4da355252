package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rahul/concierge/internal/store"
)

// Tool defines the interface for all agent capabilities.
type Tool interface {
	Name() string
	Description() string
	// Kind is the static READ/WRITE classification used by the
	// confirmation gate.
	Kind() store.StepKind
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, input string) (string, error)
}

// Previewer renders the human-readable confirmation text of a write.
// Implementations must be deterministic and side-effect free.
type Previewer interface {
	Preview(params map[string]any) string
}

// Error kinds reported in ExecError.
const (
	ErrKindUnknownOperation = "unknown_operation"
	ErrKindInvalidInput     = "invalid_input"
	ErrKindTimeout          = "timeout"
	ErrKindFailed           = "failed"
)

var ErrUnknownOperation = errors.New("unknown operation")

// ExecError is the structured failure of a capability call.
type ExecError struct {
	Kind    string
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// InvalidInput marks an argument problem so it is reported as
// ErrKindInvalidInput rather than a generic failure.
func InvalidInput(format string, args ...any) error {
	return &ExecError{Kind: ErrKindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// Result is the outcome of Registry.Execute.
type Result struct {
	Success bool
	Output  string
	Err     *ExecError
}

// AuthContext identifies on whose behalf a capability runs.
type AuthContext struct {
	SessionID string
	UserID    string
}

type authKey struct{}

// WithAuth attaches the caller identity to ctx for tools that need it.
func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, authKey{}, auth)
}

// AuthFrom returns the identity attached by WithAuth.
func AuthFrom(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(authKey{}).(AuthContext)
	return auth, ok && auth.SessionID != ""
}

// Registry manages the set of available tools and is the capability
// manifest consulted by the orchestrator.
type Registry struct {
	mu    sync.RWMutex
	Tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		Tools: make(map[string]Tool),
	}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tools[t.Name()] = t
}

func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Tools[name]
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.Tools))
	for _, t := range r.Tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Classify returns the manifest kind of an operation.
func (r *Registry) Classify(operation string) (store.StepKind, error) {
	t := r.Get(operation)
	if t == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return t.Kind(), nil
}

// Preview renders the confirmation text of an operation, using the tool's
// Previewer when it has one.
func (r *Registry) Preview(operation string, params map[string]any) string {
	if p, ok := r.Get(operation).(Previewer); ok {
		return p.Preview(params)
	}
	return DefaultPreview(operation, params)
}

// Execute runs an operation. Failures are returned in the Result, never
// as a Go error, so callers can record them on the step.
func (r *Registry) Execute(ctx context.Context, operation string, params map[string]any, auth AuthContext) Result {
	t := r.Get(operation)
	if t == nil {
		return Result{Err: &ExecError{Kind: ErrKindUnknownOperation, Message: operation}}
	}

	out, err := t.Execute(WithAuth(ctx, auth), store.Canonical(params))
	if err != nil {
		var execErr *ExecError
		switch {
		case errors.As(err, &execErr):
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			execErr = &ExecError{Kind: ErrKindTimeout, Message: err.Error()}
		default:
			execErr = &ExecError{Kind: ErrKindFailed, Message: err.Error()}
		}
		return Result{Err: execErr}
	}
	return Result{Success: true, Output: out}
}

// DefaultPreview lists parameters as sorted "key: value" lines.
func DefaultPreview(operation string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(operation)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %s: %v", k, params[k])
	}
	return b.String()
}

// stringParam reads a string parameter, tolerating missing keys.
func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}
