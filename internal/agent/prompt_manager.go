package agent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PromptManager loads prompt overrides from a directory of markdown files.
// planner.md and classifier.md replace the built-in instructions; every
// other .md file is joined into the persona prefix.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

var instructionFiles = map[string]bool{
	"planner.md":    true,
	"classifier.md": true,
}

func (pm *PromptManager) GetPersonaPrompt() (string, error) {
	files, err := os.ReadDir(pm.Directory)
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %v", err)
	}

	var contents []string

	// Deterministic order: identity, soul, capabilities, user, then the rest.
	order := map[string]int{
		"identity.md":     1,
		"soul.md":         2,
		"capabilities.md": 3,
		"user.md":         4,
	}

	sort.Slice(files, func(i, j int) bool {
		oi, okI := order[files[i].Name()]
		oj, okJ := order[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") || instructionFiles[f.Name()] {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, string(data))
	}

	if len(contents) == 0 {
		return "", fmt.Errorf("no prompt files found in %s", pm.Directory)
	}

	return strings.Join(contents, "\n\n---\n\n"), nil
}

func (pm *PromptManager) GetPlannerPrompt() (string, error) {
	return pm.read("planner.md")
}

func (pm *PromptManager) GetClassifierPrompt() (string, error) {
	return pm.read("classifier.md")
}

func (pm *PromptManager) read(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(pm.Directory, name))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %v", name, err)
	}
	return string(data), nil
}
