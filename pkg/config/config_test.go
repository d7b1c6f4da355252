package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_JSONDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"app": {"name": "concierge", "workspace": "./ws"},
		"providers": {"openai": {"api_key": "k", "model": "gpt-4o-mini", "enabled": true}},
		"workflow": {"max_steps": 6, "planner_timeout": "5s"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Workflow.MaxSteps)
	assert.Equal(t, 5*time.Second, cfg.Workflow.PlannerTimeout.Std())
	assert.Equal(t, 3, cfg.Workflow.LoopWindow)
	assert.Equal(t, 3, cfg.Workflow.StuckWindow)
	assert.Equal(t, 2, cfg.Workflow.PlannerRetries)
	assert.Equal(t, DenyPolicyAbort, cfg.Workflow.DenyPolicy)
	assert.Equal(t, InterruptPolicyKeep, cfg.Workflow.InterruptPolicy)
	assert.Equal(t, 24*time.Hour, cfg.Workflow.DraftRetention.Std())

	name, p := cfg.GetDefaultProvider()
	assert.Equal(t, "openai", name)
	assert.Equal(t, "gpt-4o-mini", p.Model)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
app:
  name: concierge
gateways:
  telegram:
    token: abc
    enabled: true
  discord:
    token: ""
    enabled: true
workflow:
  deny_policy: replan
  interrupt_policy: cancel
  executor_timeout: 1m
  planner_retries: -1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, DenyPolicyReplan, cfg.Workflow.DenyPolicy)
	assert.Equal(t, InterruptPolicyCancel, cfg.Workflow.InterruptPolicy)
	assert.Equal(t, time.Minute, cfg.Workflow.ExecutorTimeout.Std())
	assert.Equal(t, 0, cfg.Workflow.PlannerRetries)

	_, ok := cfg.GetGatewayConfig("telegram")
	assert.True(t, ok)
	_, ok = cfg.GetGatewayConfig("discord")
	assert.False(t, ok, "gateway without a token is not usable")
}

func TestLoadConfig_InvalidPolicy(t *testing.T) {
	path := writeFile(t, "config.json", `{"workflow": {"deny_policy": "maybe"}}`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deny_policy")
}

func TestLoadConfig_BadDuration(t *testing.T) {
	path := writeFile(t, "config.json", `{"workflow": {"planner_timeout": "soon"}}`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestWorkflowConfigWithDefaults(t *testing.T) {
	w := WorkflowConfig{MaxSteps: 4, PlannerRetries: -3}.WithDefaults()

	d := DefaultWorkflowConfig()
	assert.Equal(t, 4, w.MaxSteps)
	assert.Equal(t, d.LoopWindow, w.LoopWindow)
	assert.Equal(t, d.PlannerTimeout, w.PlannerTimeout)
	assert.Equal(t, d.InterruptPolicy, w.InterruptPolicy)
	assert.Equal(t, 0, w.PlannerRetries)

	assert.Equal(t, 0, WorkflowConfig{}.WithDefaults().PlannerRetries, "zero retries stays zero")
}
