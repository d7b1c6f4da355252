// Package progress classifies a workflow's step history as progressing,
// redundant, looping or stuck. It only looks at structured steps, never
// at the text of results, so short or truncated output cannot by itself
// look like a loop.
package progress

import (
	"fmt"

	"github.com/rahul/concierge/internal/store"
)

type Verdict string

const (
	Continue        Verdict = "CONTINUE"
	LoopDetected    Verdict = "LOOP_DETECTED"
	RedundantStep   Verdict = "REDUNDANT_STEP"
	Stuck           Verdict = "STUCK"
	StepCapExceeded Verdict = "STEP_CAP_EXCEEDED"
)

// Result is an analyzer verdict. Prior is set for RedundantStep and points
// at the earlier successful step whose result can be reused.
type Result struct {
	Verdict Verdict
	Reason  string
	Prior   *store.Step
}

// Halts reports whether the verdict must terminate the workflow.
func (r Result) Halts() bool {
	return r.Verdict == LoopDetected || r.Verdict == Stuck || r.Verdict == StepCapExceeded
}

type Config struct {
	// LoopWindow is how many trailing identical steps count as a loop.
	LoopWindow int
	// StuckWindow is how many trailing identical failures count as stuck.
	StuckWindow int
}

func DefaultConfig() Config {
	return Config{LoopWindow: 3, StuckWindow: 3}
}

type Analyzer struct {
	cfg Config
}

func New(cfg Config) *Analyzer {
	d := DefaultConfig()
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = d.LoopWindow
	}
	if cfg.StuckWindow <= 0 {
		cfg.StuckWindow = d.StuckWindow
	}
	return &Analyzer{cfg: cfg}
}

// Fingerprint identifies a step by operation and canonical parameters.
func Fingerprint(operation string, params map[string]any) string {
	return operation + " " + store.Canonical(params)
}

// Check runs before each planner call.
func (a *Analyzer) Check(steps []store.Step, stepCount, maxSteps int) Result {
	if stepCount >= maxSteps {
		return Result{
			Verdict: StepCapExceeded,
			Reason:  fmt.Sprintf("step cap reached (%d of %d)", stepCount, maxSteps),
		}
	}

	if tail, ok := identicalTail(steps, a.cfg.StuckWindow); ok && allFailed(tail) {
		return Result{
			Verdict: Stuck,
			Reason:  fmt.Sprintf("%s failed %d times in a row with unchanged parameters", tail[0].Operation, len(tail)),
		}
	}

	if tail, ok := identicalTail(steps, a.cfg.LoopWindow); ok {
		return Result{
			Verdict: LoopDetected,
			Reason:  fmt.Sprintf("%s repeated %d times with identical parameters", tail[0].Operation, len(tail)),
		}
	}

	return Result{Verdict: Continue}
}

// CheckProposed reports whether a proposed step duplicates an earlier
// successful one.
func (a *Analyzer) CheckProposed(steps []store.Step, operation string, params map[string]any) Result {
	fp := Fingerprint(operation, params)
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.Outcome == store.OutcomeSucceeded && Fingerprint(s.Operation, s.Parameters) == fp {
			prior := s
			return Result{
				Verdict: RedundantStep,
				Reason:  fmt.Sprintf("%s already succeeded at step %d", operation, s.Index),
				Prior:   &prior,
			}
		}
	}
	return Result{Verdict: Continue}
}

// identicalTail returns the last n steps if they all share a fingerprint.
func identicalTail(steps []store.Step, n int) ([]store.Step, bool) {
	if n <= 0 || len(steps) < n {
		return nil, false
	}
	tail := steps[len(steps)-n:]
	fp := Fingerprint(tail[0].Operation, tail[0].Parameters)
	for _, s := range tail[1:] {
		if Fingerprint(s.Operation, s.Parameters) != fp {
			return nil, false
		}
	}
	return tail, true
}

func allFailed(steps []store.Step) bool {
	for _, s := range steps {
		if s.Outcome != store.OutcomeFailed {
			return false
		}
	}
	return true
}
