// Package backend defines the merge-layer contract property backends
// implement (spec §4.5/§4.6): consume EventLayers and produce a
// deterministic per-property winner.
package backend

import (
	"context"

	"ankurah-core/pkg/layer"
)

// PropertyChange describes one property whose Committed value changed as
// a result of applying a layer, for the change-notification interface
// (spec §6).
type PropertyChange struct {
	Property string
	Value    []byte
}

// Backend is the common contract both LWW and CRDT-text implement. A
// Backend owns its property state and internal locking (spec §4.5:
// "All reads/writes under the backend's internal lock").
type Backend interface {
	// Kind identifies which Factory produces this backend type, used by
	// the entity controller to create and replay fresh backends when a
	// layer mentions a backend name not yet present on the entity
	// (spec §4.7).
	Kind() string

	// ApplyLayer consumes one EventLayer and returns the properties
	// whose Committed value changed, so the controller can emit
	// change-notifications.
	ApplyLayer(ctx context.Context, l layer.EventLayer) ([]PropertyChange, error)

	// Serialize produces the opaque buffer persisted as this backend's
	// entry in the entity's serialized state (spec §3, §6).
	Serialize() ([]byte, error)

	// Restore replaces the backend's state wholesale from a previously
	// serialized buffer (used by apply_state's snapshot fast path and by
	// round-trip rehydration).
	Restore(data []byte) error
}

// Factory constructs a fresh, empty Backend of one kind. The entity
// controller looks factories up by backend name when a layer references
// a name not yet present on the entity (spec §4.7).
type Factory func() Backend
