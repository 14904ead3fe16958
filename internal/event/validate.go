package event

import (
	_ "embed"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed event.cue
var schemaCUE string

// ErrMalformed indicates an event payload that fails structural schema
// validation. Malformed events are rejected before entering the log.
var ErrMalformed = errors.New("event: malformed payload")

// Validator checks event payloads against the embedded CUE schemas.
// Construct once and share; the compiled schema is immutable.
//
// Validation is structural only. Appending never fails on semantic
// grounds (a missing cell reference is a materializer no-op), so there is
// no optimistic-lock rejection anywhere in the append path.
type Validator struct {
	ctx    *cue.Context
	events cue.Value
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaCUE, cue.Filename("event.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("event: compile schema: %w", err)
	}
	events := root.LookupPath(cue.ParsePath("events"))
	if !events.Exists() {
		return nil, fmt.Errorf("event: schema missing events map")
	}
	return &Validator{ctx: ctx, events: events}, nil
}

// Validate checks a payload's canonical JSON against the schema for its
// event name. Returns an error wrapping ErrMalformed on shape violations.
func (v *Validator) Validate(name string, payload []byte) error {
	sch := v.events.LookupPath(cue.MakePath(cue.Str(name)))
	if !sch.Exists() {
		return fmt.Errorf("%w: no schema for event name %q", ErrMalformed, name)
	}

	data := v.ctx.CompileBytes(payload)
	if err := data.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}

	unified := sch.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return nil
}

// ValidatePayload encodes and validates a typed payload in one step.
// Used on the append path; returns the canonical bytes so the caller
// stores exactly what was validated.
func (v *Validator) ValidatePayload(p Payload) ([]byte, error) {
	data, err := Encode(p)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(p.EventName(), data); err != nil {
		return nil, err
	}
	return data, nil
}
