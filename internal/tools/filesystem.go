package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rahul/concierge/internal/store"
)

// NotesTool keeps plain-text notes in the workspace directory. One
// instance serves one operation so each gets its own manifest kind.
type NotesTool struct {
	Root string
	op   string
}

var notesOps = map[string]struct {
	kind store.StepKind
	desc string
}{
	"notes.list":   {store.KindRead, "List the notes in the workspace (optionally inside a folder)."},
	"notes.read":   {store.KindRead, "Read a note from the workspace."},
	"notes.write":  {store.KindWrite, "Create or overwrite a note in the workspace."},
	"notes.delete": {store.KindWrite, "Delete a note from the workspace."},
}

// NewNotesTools returns one tool per notes operation rooted at root.
func NewNotesTools(root string) []Tool {
	absRoot, _ := filepath.Abs(root)
	out := make([]Tool, 0, len(notesOps))
	for _, op := range []string{"notes.list", "notes.read", "notes.write", "notes.delete"} {
		out = append(out, &NotesTool{Root: absRoot, op: op})
	}
	return out
}

func (f *NotesTool) Name() string         { return f.op }
func (f *NotesTool) Description() string  { return notesOps[f.op].desc }
func (f *NotesTool) Kind() store.StepKind { return notesOps[f.op].kind }

func (f *NotesTool) Parameters() map[string]any {
	props := map[string]any{
		"filename": map[string]any{
			"type":        "string",
			"description": "The name of the note (or folder for notes.list)",
		},
	}
	required := []string{"filename"}
	switch f.op {
	case "notes.write":
		props["content"] = map[string]any{
			"type":        "string",
			"description": "The content to write",
		}
		required = append(required, "content")
	case "notes.list":
		required = nil
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func (f *NotesTool) Preview(params map[string]any) string {
	name := stringParam(params, "filename")
	switch f.op {
	case "notes.write":
		content := stringParam(params, "content")
		return fmt.Sprintf("Write note %q (%d characters):\n%s", name, len(content), truncate(content, 500))
	case "notes.delete":
		return fmt.Sprintf("Delete note %q", name)
	}
	return DefaultPreview(f.op, params)
}

func (f *NotesTool) resolve(name string) (string, error) {
	targetPath := filepath.Join(f.Root, name)

	// Safety check: ensure targetPath is within f.Root
	rel, err := filepath.Rel(f.Root, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", InvalidInput("unsafe path attempt: %s", name)
	}
	return targetPath, nil
}

func (f *NotesTool) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", InvalidInput("%v", err)
	}
	if args.Filename == "" && f.op != "notes.list" {
		return "", InvalidInput("filename is required")
	}

	targetPath, err := f.resolve(args.Filename)
	if err != nil {
		return "", err
	}

	switch f.op {
	case "notes.read":
		data, err := os.ReadFile(targetPath)
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
		return string(data), nil
	case "notes.write":
		if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(targetPath, []byte(args.Content), 0644); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
		return fmt.Sprintf("Successfully wrote to %s", args.Filename), nil
	case "notes.list":
		entries, err := os.ReadDir(targetPath)
		if err != nil {
			return "", fmt.Errorf("failed to list directory: %w", err)
		}
		var output string
		for _, entry := range entries {
			typeStr := "file"
			if entry.IsDir() {
				typeStr = "dir"
			}
			output += fmt.Sprintf("[%s] %s\n", typeStr, entry.Name())
		}
		if output == "" {
			return "Directory is empty", nil
		}
		return output, nil
	case "notes.delete":
		if err := os.Remove(targetPath); err != nil {
			return "", fmt.Errorf("failed to delete: %w", err)
		}
		return fmt.Sprintf("Successfully deleted %s", args.Filename), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownOperation, f.op)
}
