// Package crdttext implements a replicated-text property backend (spec
// §4.6): a single CRDT document whose operations are commutative and
// idempotent by construction, so ApplyLayer needs only ever replay the
// layer's ToApply events — AlreadyApplied carries no information a
// CRDT-text backend doesn't already have.
//
// The document is a grow-only replicated sequence (RGA): every
// character insertion names the id of the character it follows, and
// concurrent insertions after the same predecessor are ordered
// deterministically by descending insertion id, the standard RGA
// tiebreak. Deletion only ever tombstones; text is never physically
// removed, keeping later concurrent inserts anchored.
package crdttext

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ankurah-core/pkg/backend"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/layer"
)

// rootID anchors text inserted at the very start of the document.
const rootID = ""

// Op is the wire shape of one CRDT-text operation. Insert carries a
// caller-chosen globally unique ID (commonly "<event-id>:<index>") and
// the ID it was inserted after; Delete tombstones a previously inserted
// ID. Both are idempotent: replaying the same Insert or Delete a second
// time is a no-op.
type Op struct {
	Kind  string `json:"kind"` // "insert" | "delete"
	ID    string `json:"id"`
	After string `json:"after,omitempty"`
	Char  string `json:"char,omitempty"`
}

func insertOp(id, after, char string) Op { return Op{Kind: "insert", ID: id, After: after, Char: char} }
func deleteOp(id string) Op              { return Op{Kind: "delete", ID: id} }

// NewInsert marshals an insert operation into an event.Operation.
func NewInsert(id, after, char string) (event.Operation, error) {
	return marshalOp(insertOp(id, after, char))
}

// NewDelete marshals a delete operation into an event.Operation.
func NewDelete(id string) (event.Operation, error) {
	return marshalOp(deleteOp(id))
}

func marshalOp(op Op) (event.Operation, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return event.Operation{}, fmt.Errorf("crdttext: marshal op: %w", err)
	}
	return event.Operation{Payload: payload}, nil
}

// Insertion builds the ordered sequence of insert operations for
// typing s as new text appended after afterID (commonly the backend's
// current tail, or rootID for an empty document), using eventID as the
// id namespace so ids stay globally unique across the whole history.
func Insertion(eventID string, afterID string, s string) []Op {
	ops := make([]Op, 0, len(s))
	prev := afterID
	for i, r := range []rune(s) {
		id := fmt.Sprintf("%s:%d", eventID, i)
		ops = append(ops, insertOp(id, prev, string(r)))
		prev = id
	}
	return ops
}

type node struct {
	char      string
	after     string
	tombstone bool
}

// Backend is the CRDT-text property backend: one document per backend
// instance (spec §4.6 models text as a single-property backend, unlike
// lww's multi-property map).
type Backend struct {
	name string

	mu       sync.Mutex
	nodes    map[string]*node
	children map[string][]string // after -> child ids, unsorted; sorted lazily on render
	applied  map[string]struct{} // operation ids already applied, for idempotent replay
}

// New constructs an empty Backend reading operations keyed by name.
func New(name string) *Backend {
	return &Backend{
		name:     name,
		nodes:    make(map[string]*node),
		children: make(map[string][]string),
		applied:  make(map[string]struct{}),
	}
}

// Kind returns the backend's registered name.
func (b *Backend) Kind() string { return b.name }

// ApplyLayer replays only l.ToApply: RGA inserts and tombstones are
// commutative and idempotent, so AlreadyApplied events (already folded
// into nodes/children on a prior call) carry nothing new (spec §4.6).
func (b *Backend) ApplyLayer(ctx context.Context, l layer.EventLayer) ([]backend.PropertyChange, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.renderLocked()
	for _, e := range l.ToApply {
		ops, ok := e.Operations[b.name]
		if !ok {
			continue
		}
		for _, rawOp := range ops {
			var op Op
			if err := json.Unmarshal(rawOp.Payload, &op); err != nil {
				return nil, fmt.Errorf("crdttext: decode operation on event %s: %w", e.ID, err)
			}
			b.applyOp(op)
		}
	}
	after := b.renderLocked()
	if after == before {
		return nil, nil
	}
	return []backend.PropertyChange{{Property: b.name, Value: []byte(after)}}, nil
}

func (b *Backend) applyOp(op Op) {
	if _, done := b.applied[op.ID]; done && op.Kind == "insert" {
		return // idempotent: this insert id already landed
	}
	switch op.Kind {
	case "insert":
		b.applied[op.ID] = struct{}{}
		b.nodes[op.ID] = &node{char: op.Char, after: op.After}
		b.children[op.After] = append(b.children[op.After], op.ID)
	case "delete":
		if n, ok := b.nodes[op.ID]; ok {
			n.tombstone = true
		}
	}
}

// Text returns the document's current rendered text.
func (b *Backend) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renderLocked()
}

// renderLocked performs a recursive DFS from rootID, visiting each
// node's children sorted by descending id — the RGA tiebreak that makes
// concurrent inserts after the same predecessor order deterministically
// on every replica.
func (b *Backend) renderLocked() string {
	var sb strings.Builder
	var walk func(id string)
	walk = func(id string) {
		kids := append([]string(nil), b.children[id]...)
		sort.Sort(sort.Reverse(sort.StringSlice(kids)))
		for _, childID := range kids {
			n := b.nodes[childID]
			if n != nil && !n.tombstone {
				sb.WriteString(n.char)
			}
			walk(childID)
		}
	}
	walk(rootID)
	return sb.String()
}

// wireState is the serialized shape of a Backend's full CRDT state —
// every node including tombstones, so a restored replica can still
// accept deletes of already-seen ids and insertions anchored on
// tombstoned predecessors.
type wireState struct {
	Nodes map[string]struct {
		Char      string `json:"char"`
		After     string `json:"after"`
		Tombstone bool   `json:"tombstone"`
	} `json:"nodes"`
}

// Serialize produces the opaque buffer persisted as this backend's
// entry in the entity's serialized state.
func (b *Backend) Serialize() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := wireState{Nodes: make(map[string]struct {
		Char      string `json:"char"`
		After     string `json:"after"`
		Tombstone bool   `json:"tombstone"`
	}, len(b.nodes))}
	for id, n := range b.nodes {
		ws.Nodes[id] = struct {
			Char      string `json:"char"`
			After     string `json:"after"`
			Tombstone bool   `json:"tombstone"`
		}{Char: n.char, After: n.after, Tombstone: n.tombstone}
	}
	return json.Marshal(ws)
}

// Restore replaces the backend's state wholesale (apply_state's
// snapshot fast path, spec §4.7).
func (b *Backend) Restore(data []byte) error {
	var ws wireState
	if err := json.Unmarshal(data, &ws); err != nil {
		return fmt.Errorf("crdttext: restore: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = make(map[string]*node, len(ws.Nodes))
	b.children = make(map[string][]string, len(ws.Nodes))
	b.applied = make(map[string]struct{}, len(ws.Nodes))
	for id, n := range ws.Nodes {
		b.nodes[id] = &node{char: n.Char, after: n.After, tombstone: n.Tombstone}
		b.children[n.After] = append(b.children[n.After], id)
		b.applied[id] = struct{}{}
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
