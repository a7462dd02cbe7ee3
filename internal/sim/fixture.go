package sim

import (
	"encoding/json"
	"fmt"
	"os"
)

// #region fixture
// Fixture is the top-level JSON structure for a simulation task set.
type Fixture struct {
	Description string `json:"description"`
	Tasks       []Task `json:"tasks"`
}

// LoadFixture reads and validates a task fixture from a JSON file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return Fixture{}, fmt.Errorf("fixture %s: %w", path, err)
	}
	return f, nil
}

// WriteFixture saves the fixture as indented JSON.
func (f Fixture) WriteFixture(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

func (f Fixture) validate() error {
	if len(f.Tasks) == 0 {
		return fmt.Errorf("no tasks")
	}
	seen := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d: missing id", i)
		}
		if t.Goal == "" {
			return fmt.Errorf("task %s: missing goal", t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("task %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// DefaultTasks is the built-in evaluation set used when no fixture is
// supplied: one task per goal family, with one injected failure case.
func DefaultTasks() []Task {
	return []Task{
		{ID: "browse-ok", Goal: "browse to https://example.com"},
		{ID: "search-ok", Goal: "search for adaptive rules", State: map[string]string{"loggedIn": "true"}},
		{ID: "extract-ok", Goal: "extract data from https://example.com"},
		{ID: "search-flaky", Goal: "search for broken widgets",
			Failures: map[string]string{"browser.click": "element not found"}},
	}
}

// #endregion fixture
