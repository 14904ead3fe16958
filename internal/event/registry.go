package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// factories maps event name to its payload decoder. The map is populated
// once at init and never mutated afterwards. Decoders return payload
// VALUES (not pointers) so the materializer's type switch stays uniform
// whether an event came off the wire or was constructed in-process.
var factories = map[string]func([]byte) (Payload, error){}

// deprecated names are materialized forever but never emitted by current
// writers. Appending one through the engine is rejected.
var deprecatedNames = map[string]bool{
	LegacyCellMoved{}.EventName():              true,
	LegacyTerminalOutputAppended{}.EventName(): true,
}

// register wires a payload type's name to its decoder.
func register[T Payload]() {
	var zero T
	name := zero.EventName()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("event: duplicate registration of %q", name))
	}
	factories[name] = func(data []byte) (Payload, error) {
		var p T
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", name, err)
		}
		return p, nil
	}
}

func init() {
	register[CellCreated]()
	register[CellDeleted]()
	register[CellSourceChanged]()
	register[CellTypeChanged]()
	register[CellVisibilityChanged]()
	register[CellMoved]()
	register[LegacyCellMoved]()
	register[ExecutionRequested]()
	register[ExecutionAssigned]()
	register[ExecutionStarted]()
	register[ExecutionCompleted]()
	register[ExecutionCancelled]()
	register[SessionStarted]()
	register[SessionStatusChanged]()
	register[SessionTerminated]()
	register[TerminalOutputAdded]()
	register[LegacyTerminalOutputAppended]()
	register[OutputDeltaAppended]()
	register[MarkdownOutputAdded]()
	register[DisplayOutputAdded]()
	register[DisplayOutputUpdated]()
	register[ResultOutputAdded]()
	register[ErrorOutputAdded]()
	register[OutputsCleared]()
}

// Known reports whether name is a registered event name.
func Known(name string) bool {
	_, ok := factories[name]
	return ok
}

// Deprecated reports whether name is replay-only: decoded and
// materialized, but rejected at append time.
func Deprecated(name string) bool {
	return deprecatedNames[name]
}

// Names returns all registered event names, sorted for deterministic
// iteration.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode parses a payload by event name. Unknown names return an error;
// the materializer treats that as a semantic no-op, not a fatal
// condition.
func Decode(name string, data []byte) (Payload, error) {
	decode, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("event: unknown event name %q", name)
	}
	return decode(data)
}

// Encode serializes a payload to canonical JSON: sorted keys, NFC
// normalized strings, no HTML escaping, number literals preserved. This
// is the stored form; byte-identical replay depends on it.
func Encode(p Payload) ([]byte, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", p.EventName(), err)
	}
	canonical, err := MarshalCanonical(plain)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", p.EventName(), err)
	}
	return canonical, nil
}

// envelopeJSON is the wire/storage shadow of Envelope with the payload as
// raw bytes, so the payload can be decoded through the registry.
type envelopeJSON struct {
	ID         string          `json:"id"`
	NotebookID string          `json:"notebookId"`
	Seq        int64           `json:"seq"`
	Name       string          `json:"name"`
	Actor      string          `json:"actor"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON emits the envelope with its payload in canonical form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := Encode(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeJSON{
		ID:         e.ID,
		NotebookID: e.NotebookID,
		Seq:        e.Seq,
		Name:       e.Name,
		Actor:      e.Actor,
		OccurredAt: e.OccurredAt,
		Payload:    payload,
	})
}

// UnmarshalJSON decodes the envelope, resolving the payload type through
// the registry by event name.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var shadow envelopeJSON
	if err := json.Unmarshal(data, &shadow); err != nil {
		return fmt.Errorf("event: decode envelope: %w", err)
	}
	payload, err := Decode(shadow.Name, shadow.Payload)
	if err != nil {
		return err
	}
	e.ID = shadow.ID
	e.NotebookID = shadow.NotebookID
	e.Seq = shadow.Seq
	e.Name = shadow.Name
	e.Actor = shadow.Actor
	e.OccurredAt = shadow.OccurredAt
	e.Payload = payload
	return nil
}
