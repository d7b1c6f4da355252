package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig                 `json:"app" yaml:"app"`
	Gateways   map[string]GatewayConfig  `json:"gateways" yaml:"gateways"`
	Providers  map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Memory     MemoryConfig              `json:"memory" yaml:"memory"`
	Workflow   WorkflowConfig            `json:"workflow" yaml:"workflow"`
	Email      EmailConfig               `json:"email" yaml:"email"`
	Governance GovernanceConfig          `json:"governance" yaml:"governance"`
}

type AppConfig struct {
	Name        string `json:"name" yaml:"name"`
	Workspace   string `json:"workspace" yaml:"workspace"`
	Prompts     string `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
}

// WorkflowConfig tunes the orchestrator. Zero values are replaced by
// defaults in LoadConfig and NewOrchestrator.
type WorkflowConfig struct {
	MaxSteps        int      `json:"max_steps" yaml:"max_steps"`
	LoopWindow      int      `json:"loop_window" yaml:"loop_window"`
	StuckWindow     int      `json:"stuck_window" yaml:"stuck_window"`
	PlannerTimeout  Duration `json:"planner_timeout" yaml:"planner_timeout"`
	ExecutorTimeout Duration `json:"executor_timeout" yaml:"executor_timeout"`
	PlannerRetries  int      `json:"planner_retries" yaml:"planner_retries"`
	DenyPolicy      string   `json:"deny_policy" yaml:"deny_policy"`
	InterruptPolicy string   `json:"interrupt_policy" yaml:"interrupt_policy"`
	DraftRetention  Duration `json:"draft_retention" yaml:"draft_retention"`
}

type EmailConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from"`
}

type GovernanceConfig struct {
	DeniedTools     []string `json:"denied_tools" yaml:"denied_tools"`
	DeniedArguments []string `json:"denied_arguments" yaml:"denied_arguments"`
}

const (
	DenyPolicyAbort  = "abort"
	DenyPolicyReplan = "replan"

	InterruptPolicyKeep   = "keep"
	InterruptPolicyCancel = "cancel"
)

// DefaultWorkflowConfig returns the orchestrator defaults.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxSteps:        10,
		LoopWindow:      3,
		StuckWindow:     3,
		PlannerTimeout:  Duration(20 * time.Second),
		ExecutorTimeout: Duration(30 * time.Second),
		PlannerRetries:  2,
		DenyPolicy:      DenyPolicyAbort,
		InterruptPolicy: InterruptPolicyKeep,
		DraftRetention:  Duration(24 * time.Hour),
	}
}

// LoadConfig reads a JSON config file, or YAML when the extension is
// .yaml/.yml, and fills in workflow defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WithDefaults fills zero fields from DefaultWorkflowConfig. PlannerRetries
// is left alone since zero means no retries.
func (w WorkflowConfig) WithDefaults() WorkflowConfig {
	d := DefaultWorkflowConfig()
	if w.MaxSteps <= 0 {
		w.MaxSteps = d.MaxSteps
	}
	if w.LoopWindow <= 0 {
		w.LoopWindow = d.LoopWindow
	}
	if w.StuckWindow <= 0 {
		w.StuckWindow = d.StuckWindow
	}
	if w.PlannerTimeout <= 0 {
		w.PlannerTimeout = d.PlannerTimeout
	}
	if w.ExecutorTimeout <= 0 {
		w.ExecutorTimeout = d.ExecutorTimeout
	}
	if w.PlannerRetries < 0 {
		w.PlannerRetries = 0
	}
	if w.DenyPolicy == "" {
		w.DenyPolicy = d.DenyPolicy
	}
	if w.InterruptPolicy == "" {
		w.InterruptPolicy = d.InterruptPolicy
	}
	if w.DraftRetention <= 0 {
		w.DraftRetention = d.DraftRetention
	}
	return w
}

func (c *Config) applyDefaults() {
	// An omitted planner_retries in a file means the default, not zero;
	// negative disables retries.
	if c.Workflow.PlannerRetries == 0 {
		c.Workflow.PlannerRetries = DefaultWorkflowConfig().PlannerRetries
	}
	c.Workflow = c.Workflow.WithDefaults()
	if c.Memory.Path == "" {
		c.Memory.Path = "concierge.db"
	}
	if c.App.Prompts == "" {
		c.App.Prompts = "./prompts"
	}
}

// Validate rejects policy values the orchestrator does not understand.
func (c *Config) Validate() error {
	switch c.Workflow.DenyPolicy {
	case DenyPolicyAbort, DenyPolicyReplan:
	default:
		return fmt.Errorf("invalid workflow.deny_policy %q", c.Workflow.DenyPolicy)
	}
	switch c.Workflow.InterruptPolicy {
	case InterruptPolicyKeep, InterruptPolicyCancel:
	default:
		return fmt.Errorf("invalid workflow.interrupt_policy %q", c.Workflow.InterruptPolicy)
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGatewayConfig returns the named gateway config if enabled
func (c *Config) GetGatewayConfig(name string) (GatewayConfig, bool) {
	gw, ok := c.Gateways[name]
	if ok && gw.Enabled && gw.Token != "" {
		return gw, true
	}
	return GatewayConfig{}, false
}

// Duration is a time.Duration written as a Go duration string ("20s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
