// Package event implements the Event and Operation types (spec §3).
package event

import (
	"encoding/json"
	"sort"

	"ankurah-core/internal/idhash"
	"ankurah-core/pkg/clock"
)

// Operation is a single opaque mutation targeting one backend. Its
// payload is backend-specific (an LWW write, a CRDT-text edit script,
// ...); the event-DAG engine never interprets it.
type Operation struct {
	Payload []byte `json:"payload"`
}

// Event is the unit of causal history (spec §3). Events with an empty
// Parent clock are creation events; at most one creation event is valid
// per entity (enforced by the entity controller, not here).
type Event struct {
	ID         clock.EventId          `json:"id"`
	EntityID   string                 `json:"entity_id"`
	Parent     clock.Clock            `json:"-"`
	Operations map[string][]Operation `json:"operations"`
}

// IsCreation reports whether e has no parents.
func (e Event) IsCreation() bool {
	return e.Parent.IsEmpty()
}

// Parents returns the parent clock's member ids, the edges this event's
// node has in the DAG.
func (e Event) Parents() []clock.EventId {
	return e.Parent.Members()
}

// New constructs an Event, computing its content-addressed id from
// entityID, parent and operations. Two calls with equal arguments
// always produce equal ids (spec §3's "derived deterministically").
func New(entityID string, parent clock.Clock, operations map[string][]Operation) Event {
	id := ComputeID(entityID, parent, operations)
	return Event{
		ID:         id,
		EntityID:   entityID,
		Parent:     parent,
		Operations: operations,
	}
}

// ComputeID derives the content-addressed id for (entityID, parent,
// operations), independent of any particular Event value — used both by
// New and by wire decoders that receive an id-less event and must
// recompute it (spec §6: "the id is recomputable from content;
// transmitters may omit it").
func ComputeID(entityID string, parent clock.Clock, operations map[string][]Operation) clock.EventId {
	parentHex := make([]string, 0, parent.Len())
	for _, id := range parent.Members() {
		parentHex = append(parentHex, id.String())
	}
	parentHex = idhash.SortedHexStrings(parentHex)

	backendNames := make([]string, 0, len(operations))
	for name := range operations {
		backendNames = append(backendNames, name)
	}
	sort.Strings(backendNames)

	parts := [][]byte{[]byte(entityID)}
	for _, name := range parentHex {
		parts = append(parts, []byte(name))
	}
	for _, name := range backendNames {
		parts = append(parts, []byte(name))
		for _, op := range operations[name] {
			parts = append(parts, op.Payload)
		}
	}
	digest := idhash.Sum(parts...)
	return clock.EventId(digest)
}

// WireEvent is the transport-level shape of an event (spec §6): it
// carries everything needed to reconstruct an Event except the id
// itself, which a receiver recomputes rather than trusts.
type WireEvent struct {
	EntityID   string                     `json:"entity_id"`
	Parent     []string                   `json:"parent"`
	Operations map[string][]Operation     `json:"operations"`
	Attestation *json.RawMessage          `json:"attestation,omitempty"`
}

// Decode converts a WireEvent into an Event, recomputing its id and
// validating that parent ids are well-formed hex.
func Decode(w WireEvent) (Event, error) {
	ids := make([]clock.EventId, 0, len(w.Parent))
	for _, hexID := range w.Parent {
		id, err := clock.ParseEventId(hexID)
		if err != nil {
			return Event{}, err
		}
		ids = append(ids, id)
	}
	parent := clock.New(ids...)
	return New(w.EntityID, parent, w.Operations), nil
}

// Encode converts an Event to its wire representation.
func Encode(e Event) WireEvent {
	parentHex := make([]string, 0, len(e.Parents()))
	for _, id := range e.Parents() {
		parentHex = append(parentHex, id.String())
	}
	return WireEvent{
		EntityID:   e.EntityID,
		Parent:     parentHex,
		Operations: e.Operations,
	}
}
