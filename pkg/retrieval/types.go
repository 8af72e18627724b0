// Package retrieval implements the three capability-scoped interfaces
// from spec §4.1: EventReader, StateReader and EventStager. The split is
// by capability rather than by concrete type. The comparison engine's
// Compare and the layer machinery take just an EventReader; the entity
// controller's ApplyEvent and compare.CompareIncludingStaged take an
// EventStager, so apply_event is not statically prevented from staging.
package retrieval

import (
	"context"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/event"
)

// AttestedSnapshot is a serialized entity state plus whatever signature
// envelope the policy layer attached when it was produced (spec §6:
// "Serialized entity state" + "Policy/attestation interface").
type AttestedSnapshot struct {
	Head           clock.Clock
	BackendBuffers map[string][]byte
	Attestation    []byte
}

// EventReader is the narrowest capability: read-only access to events
// and their durability status. compare.Compare, the accumulator and
// Controller.ApplyState receive only this interface.
type EventReader interface {
	// GetEvent returns the union of the staging map and durable storage.
	// Returns an *errs.EventUnavailable-wrapped error on a definitive miss.
	GetEvent(ctx context.Context, id clock.EventId) (event.Event, error)

	// EventStored reports true only once id has been durably committed.
	EventStored(ctx context.Context, id clock.EventId) (bool, error)

	// StorageIsDefinitive reports whether a false from EventStored
	// authoritatively proves non-existence — true on a replica that
	// durably stores every event whose id ever appears in its heads.
	StorageIsDefinitive() bool
}

// StateReader is the read-only snapshot capability. No type in this
// module implements it: EventPersistence.GetState also reports whether
// the entity was found, and the applier receives snapshots as arguments
// to ApplyStateBatch rather than fetching them through a StateReader.
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*AttestedSnapshot, error)
}

// EventStager extends EventReader with the ability to place an event in
// the staging map (so causal traversal finds it before it is durably
// committed) and to move it from staging into durable storage. The
// applier holds it and passes it on to Controller.ApplyEvent, which
// hands it to compare.CompareIncludingStaged.
type EventStager interface {
	EventReader

	StageEvent(ctx context.Context, e event.Event) error
	CommitEvent(ctx context.Context, id clock.EventId) error
}

// EventPersistence is the external storage-engine boundary from spec §6:
// durable, atomic-per-event append and atomic-per-entity state write.
// Storage engines (KV, SQL, browser-indexed) are opaque byte stores
// satisfying exactly this contract.
type EventPersistence interface {
	AddEvent(ctx context.Context, e event.Event) error
	EventExists(ctx context.Context, id clock.EventId) (bool, error)
	GetEvent(ctx context.Context, id clock.EventId) (event.Event, bool, error)
	SetState(ctx context.Context, entityID string, snapshot AttestedSnapshot) error
	GetState(ctx context.Context, entityID string) (*AttestedSnapshot, bool, error)
}

// RemoteFetcher is the retrieval extension interface (spec §6): obtain
// events from a peer by id. Implementations write fetched events through
// to local storage before returning them (enforced by CachedReader, not
// by the fetcher itself).
type RemoteFetcher interface {
	GetEvents(ctx context.Context, ids []clock.EventId) ([]event.Event, error)
}
