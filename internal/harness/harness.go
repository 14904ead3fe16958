package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/quill/internal/engine"
	"github.com/roach88/quill/internal/event"
	"github.com/roach88/quill/internal/materializer"
	"github.com/roach88/quill/internal/store"
)

// scenarioBase is the fixed envelope timestamp; each event lands one
// second after the previous so projected timestamps stay distinct and
// reproducible.
var scenarioBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const defaultActor = "user:harness"

// Result reports a scenario run.
type Result struct {
	Scenario   string   `json:"scenario"`
	NotebookID string   `json:"notebook_id"`
	Events     int      `json:"events"`
	Passed     bool     `json:"passed"`
	Failures   []string `json:"failures,omitempty"`
}

// Run executes a scenario in a fresh in-memory database and evaluates
// its assertions. Assertion failures land in Result.Failures; an error
// return means the scenario itself could not run.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	defer st.Close()

	validator, err := event.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	ids := make([]string, 0, len(scenario.Events))
	for i := range scenario.Events {
		ids = append(ids, fmt.Sprintf("evt-%04d", i))
	}
	step := 0
	mat := materializer.New(st, nil)
	eng := engine.New(st, mat, validator,
		engine.WithIDGenerator(engine.NewFixedGenerator(ids...)),
		engine.WithNow(func() time.Time {
			t := scenarioBase.Add(time.Duration(step) * time.Second)
			return t
		}))

	result := &Result{Scenario: scenario.Name, NotebookID: scenario.NotebookID, Passed: true}
	for i, ev := range scenario.Events {
		payload, err := decodeStep(ev)
		if err != nil {
			// Unknown names never decode; that satisfies an expected
			// rejection.
			if ev.Rejected {
				step++
				continue
			}
			return nil, fmt.Errorf("event %d (%s): %w", i, ev.Name, err)
		}

		actor := ev.Actor
		if actor == "" {
			actor = defaultActor
		}
		err = eng.Append(ctx, scenario.NotebookID, actor, payload)
		switch {
		case ev.Rejected && err == nil:
			result.Passed = false
			result.Failures = append(result.Failures,
				fmt.Sprintf("event %d (%s): expected rejection, was accepted", i, ev.Name))
		case !ev.Rejected && err != nil:
			return nil, fmt.Errorf("event %d (%s): %w", i, ev.Name, err)
		}
		if err == nil {
			if err := eng.Drain(ctx); err != nil {
				return nil, fmt.Errorf("event %d (%s): apply: %w", i, ev.Name, err)
			}
			result.Events++
		}
		step++
	}

	for i, a := range scenario.Assertions {
		if err := evaluate(ctx, st, mat, scenario.NotebookID, a); err != nil {
			result.Passed = false
			result.Failures = append(result.Failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return result, nil
}

// decodeStep turns a YAML payload map into a typed event payload. The
// map round-trips through JSON so field names and types are checked by
// the same decoder client submissions use.
func decodeStep(ev EventStep) (event.Payload, error) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return event.Decode(ev.Name, raw)
}
