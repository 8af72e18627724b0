// Package lww implements the last-write-wins scalar property backend
// (spec §4.5): a flat map of independently-resolved properties, each
// settled by walking the shared DAG to find whichever competing write
// causally dominates, with a lexicographic EventId tiebreak on
// concurrent writes.
package lww

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"ankurah-core/pkg/backend"
	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/layer"
)

// Op is the wire shape of one LWW operation payload: a single property
// write. A creation event with three properties encodes as three
// Operations, each payload a marshaled Op.
type Op struct {
	Property string          `json:"property"`
	Value    json.RawMessage `json:"value"`
}

// NewOperation marshals a property write into an event.Operation ready
// to be placed under this backend's name in an Event's Operations map.
func NewOperation(property string, value any) (event.Operation, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return event.Operation{}, fmt.Errorf("lww: marshal value for %q: %w", property, err)
	}
	payload, err := json.Marshal(Op{Property: property, Value: raw})
	if err != nil {
		return event.Operation{}, fmt.Errorf("lww: marshal op for %q: %w", property, err)
	}
	return event.Operation{Payload: payload}, nil
}

// entry is one property's committed value, the only state this backend
// ever persists (spec §4.5: "only Committed entries are ever
// serialized").
type entry struct {
	Value   json.RawMessage `json:"value"`
	EventID clock.EventId   `json:"event_id"`
}

// Backend is the LWW property-set backend. name is both the Factory key
// the entity controller registers it under and the key this backend
// reads out of each Event's Operations map (spec §4.7 conflates backend
// identity and operations-routing key).
type Backend struct {
	name string

	mu         sync.Mutex
	properties map[string]entry
}

// New constructs an empty Backend reading operations keyed by name.
func New(name string) *Backend {
	return &Backend{name: name, properties: make(map[string]entry)}
}

// Kind returns the backend's registered name.
func (b *Backend) Kind() string { return b.name }

// Get returns a property's current committed value, if any.
func (b *Backend) Get(property string) (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.properties[property]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// candidate is one property's current winner during a single
// ApplyLayer's Compete phase.
type candidate struct {
	value         json.RawMessage
	eventID       clock.EventId
	fromToApply   bool
	olderThanMeet bool
}

// ApplyLayer runs the three-phase Seed/Compete/Commit algorithm (spec
// §4.5) for one EventLayer. Every property mentioned anywhere in the
// backend's existing state or in this layer's events is resolved
// independently.
func (b *Backend) ApplyLayer(ctx context.Context, l layer.EventLayer) ([]backend.PropertyChange, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	winners := make(map[string]candidate, len(b.properties))

	// Phase 1 (Seed): every existing Committed entry enters as the
	// incumbent, tagged with whether its event predates this layer's
	// meet — an older-than-meet incumbent is automatically dominated by
	// any layer event, since the layer only ever contains events at or
	// after the meet.
	for prop, e := range b.properties {
		winners[prop] = candidate{
			value:         e.Value,
			eventID:       e.EventID,
			fromToApply:   false,
			olderThanMeet: !l.DAGContains(e.EventID),
		}
	}

	// Phase 2 (Compete): AlreadyApplied events first (they already won
	// against the old incumbents in a prior ApplyLayer call and must be
	// re-asserted so a ToApply event can be compared against them),
	// then ToApply events.
	compete := func(events []event.Event, fromToApply bool) error {
		for _, e := range events {
			ops, ok := e.Operations[b.name]
			if !ok {
				continue
			}
			for _, op := range ops {
				var parsed Op
				if err := json.Unmarshal(op.Payload, &parsed); err != nil {
					return fmt.Errorf("lww: decode operation on event %s: %w", e.ID, err)
				}
				b.compete(winners, parsed, e.ID, fromToApply, l)
			}
		}
		return nil
	}
	if err := compete(l.AlreadyApplied, false); err != nil {
		return nil, err
	}
	if err := compete(l.ToApply, true); err != nil {
		return nil, err
	}

	// Phase 3 (Commit): write every winner back; report a
	// PropertyChange only for winners that came from this layer's
	// ToApply set, since those are the only ones representing newly
	// observed state (spec §4.5: "change notifications fire only for
	// properties whose winner came from ToApply").
	var changes []backend.PropertyChange
	props := make([]string, 0, len(winners))
	for prop := range winners {
		props = append(props, prop)
	}
	sort.Strings(props)
	for _, prop := range props {
		w := winners[prop]
		b.properties[prop] = entry{Value: w.value, EventID: w.eventID}
		if w.fromToApply {
			changes = append(changes, backend.PropertyChange{Property: prop, Value: []byte(w.value)})
		}
	}
	return changes, nil
}

// compete resolves one property write against its current winner,
// mutating winners in place. An older-than-meet incumbent loses
// unconditionally; otherwise the layer's shared DAG decides ancestry,
// and a Concurrent result falls back to the lexicographically larger
// EventId — an arbitrary but deterministic, globally-agreed tiebreak
// (spec §4.5).
func (b *Backend) compete(winners map[string]candidate, op Op, id clock.EventId, fromToApply bool, l layer.EventLayer) {
	incumbent, exists := winners[op.Property]
	if !exists || incumbent.olderThanMeet {
		winners[op.Property] = candidate{value: op.Value, eventID: id, fromToApply: fromToApply}
		return
	}
	if incumbent.eventID == id {
		return
	}
	switch l.Compare(id, incumbent.eventID) {
	case layer.Descends:
		winners[op.Property] = candidate{value: op.Value, eventID: id, fromToApply: fromToApply}
	case layer.Ascends:
		// incumbent already dominates, nothing to do.
	case layer.Concurrent:
		if incumbent.eventID.Less(id) {
			winners[op.Property] = candidate{value: op.Value, eventID: id, fromToApply: fromToApply}
		}
	}
}

// wireState is the serialized shape of a Backend's committed state.
type wireState map[string]entry

// Serialize produces the opaque buffer persisted as this backend's
// entry in the entity's serialized state.
func (b *Backend) Serialize() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(wireState(b.properties))
}

// Restore replaces the backend's state wholesale (apply_state's
// snapshot fast path, spec §4.7).
func (b *Backend) Restore(data []byte) error {
	var ws wireState
	if err := json.Unmarshal(data, &ws); err != nil {
		return fmt.Errorf("lww: restore: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ws == nil {
		ws = wireState{}
	}
	b.properties = ws
	return nil
}

var _ backend.Backend = (*Backend)(nil)
