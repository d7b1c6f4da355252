package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rahul/concierge/internal/store"
)

// ShellTool runs a bash command. It is classified WRITE so every command
// passes the confirmation gate.
type ShellTool struct {
	Dir string
}

func NewShellTool(dir string) *ShellTool {
	return &ShellTool{Dir: dir}
}

func (s *ShellTool) Name() string {
	return "shell.run"
}

func (s *ShellTool) Description() string {
	return "Execute a shell command in the workspace. Every command is shown to the user for confirmation first."
}

func (s *ShellTool) Kind() store.StepKind { return store.KindWrite }

func (s *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (s *ShellTool) Preview(params map[string]any) string {
	return fmt.Sprintf("Run shell command:\n$ %s", stringParam(params, "command"))
}

func (s *ShellTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return "", InvalidInput("empty command")
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", args.Command)
	cmd.Dir = s.Dir

	output, err := cmd.CombinedOutput()

	result := strings.TrimSpace(string(output))
	if result == "" {
		result = "(no output)"
	}
	if err != nil {
		return "", fmt.Errorf("command failed with error: %v\nOutput: %s", err, truncate(result, 4000))
	}
	return truncate(result, maxContentChars), nil
}
