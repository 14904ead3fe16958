// Package harness runs conformance scenarios against the notebook
// engine. A scenario is a YAML file listing events to append and
// assertions over the resulting projection; every scenario runs in a
// fresh in-memory database with deterministic ids and timestamps, so
// results are reproducible run to run.
package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// NotebookID is the notebook the events target. Defaults to
	// "nb-scenario".
	NotebookID string `yaml:"notebook_id,omitempty"`

	// Events are appended in order through the engine, so they pass the
	// same validation a client submission would.
	Events []EventStep `yaml:"events"`

	// Assertions validate the projection after all events are applied.
	Assertions []Assertion `yaml:"assertions"`
}

// EventStep is one event to append.
type EventStep struct {
	// Name is the registered event name (e.g. "v1.CellCreated").
	Name string `yaml:"name"`

	// Actor defaults to "user:harness".
	Actor string `yaml:"actor,omitempty"`

	// Payload holds the event fields as they would appear on the wire.
	Payload map[string]any `yaml:"payload"`

	// Rejected marks an event the engine is expected to refuse.
	// Rejected events do not reach the log.
	Rejected bool `yaml:"rejected,omitempty"`
}

// Assertion validates one aspect of the final projection.
type Assertion struct {
	// Type selects the check:
	//   - "cell_order": cells appear in exactly this document order
	//   - "cell_state": a cell's execution state
	//   - "queue_status": a queue entry's status
	//   - "output_count": number of outputs for a cell
	//   - "output_text": rendered text of a cell's output at a position
	//   - "session_status": a session's status
	//   - "replay_deterministic": replaying the log reproduces the
	//     projection byte for byte
	Type string `yaml:"type"`

	Cell     string   `yaml:"cell,omitempty"`
	Cells    []string `yaml:"cells,omitempty"`
	Queue    string   `yaml:"queue,omitempty"`
	Session  string   `yaml:"session,omitempty"`
	Status   string   `yaml:"status,omitempty"`
	State    string   `yaml:"state,omitempty"`
	Count    int      `yaml:"count,omitempty"`
	Position int64    `yaml:"position,omitempty"`
	Text     string   `yaml:"text,omitempty"`
}

// LoadScenario reads and validates a single scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	if s.NotebookID == "" {
		s.NotebookID = "nb-scenario"
	}
	return &s, nil
}

// LoadScenarioDir loads every *.yaml scenario under dir, sorted by file
// name for stable run order.
func LoadScenarioDir(dir string) ([]*Scenario, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	scenarios := make([]*Scenario, 0, len(matches))
	for _, path := range matches {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	for i, step := range s.Events {
		if step.Name == "" {
			return fmt.Errorf("event %d: name is required", i)
		}
	}
	for i, a := range s.Assertions {
		switch a.Type {
		case "cell_order", "cell_state", "queue_status", "output_count",
			"output_text", "session_status", "replay_deterministic":
		case "":
			return fmt.Errorf("assertion %d: type is required", i)
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
	}
	return nil
}
