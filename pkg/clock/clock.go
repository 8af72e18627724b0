// Package clock implements EventId and Clock, the causal-frontier
// primitives the rest of the engine is built on (spec §3).
//
// Following an opaque-constructed-type convention, Clock is always
// canonicalized on construction so that its membership test (binary
// search over a sorted slice) is never wrong — see the
// "Clock-from-unsorted-sequence" note in spec §9.
package clock

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// EventId is a content-addressed identifier for an Event: a sha256
// digest of (entity_id, canonical operations, parent clock). It provides
// a total lexicographic order, used only as a deterministic tiebreak
// between causally concurrent events (spec §3, §4.5).
type EventId [32]byte

// String renders the id as lowercase hex.
func (id EventId) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (never a valid event id,
// used as a sentinel in maps that need an "absent" key).
func (id EventId) IsZero() bool {
	return id == EventId{}
}

// Less implements the total lexicographic order used for concurrent
// tiebreaks (spec §4.5 Phase 2, Concurrent case: "higher id wins").
func (id EventId) Less(other EventId) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// ParseEventId decodes a hex-encoded event id.
func ParseEventId(s string) (EventId, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return EventId{}, fmt.Errorf("clock: invalid event id %q: %w", s, err)
	}
	if len(b) != len(EventId{}) {
		return EventId{}, fmt.Errorf("clock: event id %q has wrong length %d", s, len(b))
	}
	var id EventId
	copy(id[:], b)
	return id, nil
}

// Clock is an ordered set of EventIds denoting a causal frontier (spec
// §3). The zero value is the empty clock, the lattice bottom. Clock is
// immutable: every mutating operation returns a new Clock.
type Clock struct {
	members []EventId // always sorted, always deduplicated
}

// New constructs a Clock from a possibly unsorted, possibly duplicated
// sequence of ids, canonicalizing on construction.
func New(ids ...EventId) Clock {
	if len(ids) == 0 {
		return Clock{}
	}
	cp := make([]EventId, len(ids))
	copy(cp, ids)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Less(cp[j]) })
	out := cp[:1]
	for _, id := range cp[1:] {
		if out[len(out)-1] != id {
			out = append(out, id)
		}
	}
	return Clock{members: out}
}

// IsEmpty reports whether the clock is the lattice bottom (no events
// integrated). A creation event has an empty parent clock.
func (c Clock) IsEmpty() bool {
	return len(c.members) == 0
}

// Len returns the number of members (concurrent tips).
func (c Clock) Len() int {
	return len(c.members)
}

// Members returns the canonicalized, sorted member ids. The returned
// slice must not be mutated by the caller.
func (c Clock) Members() []EventId {
	return c.members
}

// Contains reports whether id is a direct member of the clock.
func (c Clock) Contains(id EventId) bool {
	i := sort.Search(len(c.members), func(i int) bool { return !c.members[i].Less(id) })
	return i < len(c.members) && c.members[i] == id
}

// Equal reports set equality between two clocks.
func (c Clock) Equal(other Clock) bool {
	if len(c.members) != len(other.members) {
		return false
	}
	for i := range c.members {
		if c.members[i] != other.members[i] {
			return false
		}
	}
	return true
}

// ContainsAll reports whether every member of other is also a direct
// member of c (used by the comparison engine's quick-check fast path,
// spec §4.3 — a pure membership test, no traversal).
func (c Clock) ContainsAll(other Clock) bool {
	for _, id := range other.members {
		if !c.Contains(id) {
			return false
		}
	}
	return true
}

// With returns a new Clock with id added (a no-op, returning c itself
// conceptually, if id is already present).
func (c Clock) With(id EventId) Clock {
	if c.Contains(id) {
		return c
	}
	return New(append(append([]EventId{}, c.members...), id)...)
}

// WithoutAll returns a new Clock with every id in remove dropped.
func (c Clock) WithoutAll(remove []EventId) Clock {
	if len(remove) == 0 {
		return c
	}
	drop := make(map[EventId]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	out := make([]EventId, 0, len(c.members))
	for _, id := range c.members {
		if _, gone := drop[id]; !gone {
			out = append(out, id)
		}
	}
	return Clock{members: out}
}

// Single is a convenience constructor for a one-member clock, the usual
// shape of a head after a non-merge event is applied.
func Single(id EventId) Clock {
	return Clock{members: []EventId{id}}
}
