package progress

import (
	"testing"

	"github.com/rahul/concierge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(i int, op string, params map[string]any, outcome store.StepOutcome, result string) store.Step {
	return store.Step{Index: i, Operation: op, Parameters: params, Kind: store.KindRead, Outcome: outcome, Result: result}
}

func TestCheck_ExactRepeatLoop(t *testing.T) {
	a := New(DefaultConfig())
	p := map[string]any{"from": "2026-03-02"}
	steps := []store.Step{
		step(0, "calendar.list", p, store.OutcomeSucceeded, "No events"),
		step(1, "calendar.list", p, store.OutcomeSkipped, "No events"),
	}
	assert.Equal(t, Continue, a.Check(steps, 2, 10).Verdict)

	steps = append(steps, step(2, "calendar.list", map[string]any{"from": "2026-03-02"}, store.OutcomeSkipped, "No events"))
	res := a.Check(steps, 3, 10)
	assert.Equal(t, LoopDetected, res.Verdict)
	assert.True(t, res.Halts())
	assert.Contains(t, res.Reason, "calendar.list")
}

func TestCheck_TruncatedOutputIsNotALoop(t *testing.T) {
	a := New(DefaultConfig())
	var steps []store.Step
	for i, url := range []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example"} {
		steps = append(steps, step(i, "web.read", map[string]any{"url": url}, store.OutcomeSucceeded, "TITLE: \n...(content truncated)"))
	}
	assert.Equal(t, Continue, a.Check(steps, len(steps), 10).Verdict)
}

func TestCheck_Stuck(t *testing.T) {
	a := New(DefaultConfig())
	p := map[string]any{"url": "https://down.example"}
	steps := []store.Step{
		step(0, "web.read", p, store.OutcomeFailed, ""),
		step(1, "web.read", p, store.OutcomeFailed, ""),
		step(2, "web.read", p, store.OutcomeFailed, ""),
	}
	res := a.Check(steps, 3, 10)
	assert.Equal(t, Stuck, res.Verdict)

	// Failures with changing parameters are the planner trying alternatives.
	steps[1].Parameters = map[string]any{"url": "https://mirror.example"}
	assert.Equal(t, Continue, a.Check(steps, 3, 10).Verdict)
}

func TestCheck_StepCapWinsOverEverything(t *testing.T) {
	a := New(DefaultConfig())
	res := a.Check(nil, 10, 10)
	assert.Equal(t, StepCapExceeded, res.Verdict)
	assert.Equal(t, Continue, a.Check(nil, 9, 10).Verdict)
}

func TestCheck_ConfigurableWindows(t *testing.T) {
	a := New(Config{LoopWindow: 2, StuckWindow: 5})
	p := map[string]any{"q": "x"}
	steps := []store.Step{
		step(0, "web.search", p, store.OutcomeFailed, ""),
		step(1, "web.search", p, store.OutcomeFailed, ""),
	}
	// Two identical failures: not yet stuck with M=5, but a loop with N=2.
	assert.Equal(t, LoopDetected, a.Check(steps, 2, 10).Verdict)
}

func TestCheckProposed_Redundant(t *testing.T) {
	a := New(DefaultConfig())
	steps := []store.Step{
		step(0, "web.search", map[string]any{"q": "weather"}, store.OutcomeSucceeded, "sunny"),
		step(1, "web.search", map[string]any{"q": "news"}, store.OutcomeFailed, ""),
	}

	res := a.CheckProposed(steps, "web.search", map[string]any{"q": "weather"})
	require.Equal(t, RedundantStep, res.Verdict)
	require.NotNil(t, res.Prior)
	assert.Equal(t, "sunny", res.Prior.Result)
	assert.False(t, res.Halts())

	// Identical to a failed step is a retry, not redundant.
	assert.Equal(t, Continue, a.CheckProposed(steps, "web.search", map[string]any{"q": "news"}).Verdict)
	assert.Equal(t, Continue, a.CheckProposed(steps, "web.read", map[string]any{"q": "weather"}).Verdict)
}
