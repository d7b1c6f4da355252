package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPromptManager_GetPersonaPrompt(t *testing.T) {
	tempDir := t.TempDir()

	files := map[string]string{
		"identity.md":     "Identity Content",
		"soul.md":         "Soul Content",
		"capabilities.md": "Capabilities Content",
		"user.md":         "User Content",
		"extra.md":        "Extra Content",
		"planner.md":      "Planner Content",
		"classifier.md":   "Classifier Content",
	}

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	pm := NewPromptManager(tempDir)
	prompt, err := pm.GetPersonaPrompt()
	if err != nil {
		t.Fatal(err)
	}

	for _, part := range []string{"Identity Content", "Soul Content", "Capabilities Content", "User Content", "Extra Content"} {
		if !strings.Contains(prompt, part) {
			t.Errorf("Prompt missing expected part: %s", part)
		}
	}
	for _, part := range []string{"Planner Content", "Classifier Content"} {
		if strings.Contains(prompt, part) {
			t.Errorf("Persona prompt should not contain %s", part)
		}
	}

	// Verify order
	if strings.Index(prompt, "Identity Content") >= strings.Index(prompt, "Soul Content") {
		t.Error("Identity should be before Soul")
	}
	if strings.Index(prompt, "Soul Content") >= strings.Index(prompt, "Capabilities Content") {
		t.Error("Soul should be before Capabilities")
	}
	if strings.Index(prompt, "Capabilities Content") >= strings.Index(prompt, "User Content") {
		t.Error("Capabilities should be before User")
	}

	planner, err := pm.GetPlannerPrompt()
	if err != nil || planner != "Planner Content" {
		t.Errorf("GetPlannerPrompt() = %q, %v", planner, err)
	}
}

func TestPromptManager_MissingDirectory(t *testing.T) {
	pm := NewPromptManager(filepath.Join(t.TempDir(), "missing"))
	if _, err := pm.GetPersonaPrompt(); err == nil {
		t.Error("expected error for missing directory")
	}
	if _, err := pm.GetClassifierPrompt(); err == nil {
		t.Error("expected error for missing classifier prompt")
	}
}
