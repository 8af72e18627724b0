// Package entity implements the Entity Controller (spec §4.7): the
// per-entity state machine combining the comparison engine, the layer
// iterator and the property backends behind a single read/write lock,
// with the try_mutate TOCTOU retry discipline from spec §5.
package entity

import (
	"context"
	"sync"

	"ankurah-core/pkg/accumulator"
	"ankurah-core/pkg/backend"
	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/compare"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/layer"
	"ankurah-core/pkg/retrieval"
)

// DefaultMaxRetries bounds the try_mutate retry loop (spec §5: "default 5").
const DefaultMaxRetries = 5

// Entity is the in-memory {head, backends} pair one read/write lock
// protects (spec §5: "Per-entity exclusion").
type Entity struct {
	ID string

	mu       sync.RWMutex
	head     clock.Clock
	backends map[string]backend.Backend
}

func newEntity(id string) *Entity {
	return &Entity{ID: id, backends: make(map[string]backend.Backend)}
}

// Head returns a snapshot of the entity's current head.
func (e *Entity) Head() clock.Clock {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.head
}

// Backend returns the named backend, if it exists yet.
func (e *Entity) Backend(name string) (backend.Backend, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.backends[name]
	return b, ok
}

// Snapshot serializes the entity's current head and every backend's
// buffer into the wire-level snapshot shape (spec §6: "Serialized entity
// state"). A backend that fails to serialize is skipped rather than
// failing the whole snapshot.
func (e *Entity) Snapshot() retrieval.AttestedSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	buffers := make(map[string][]byte, len(e.backends))
	for name, b := range e.backends {
		buf, err := b.Serialize()
		if err != nil {
			continue
		}
		buffers[name] = buf
	}
	return retrieval.AttestedSnapshot{Head: e.head, BackendBuffers: buffers}
}

// StateApplyOutcome is apply_state's result tag (spec §4.7).
type StateApplyOutcome int

const (
	AlreadyApplied StateApplyOutcome = iota
	Applied
	Older
	DivergedRequiresEvents
)

func (o StateApplyOutcome) String() string {
	switch o {
	case AlreadyApplied:
		return "AlreadyApplied"
	case Applied:
		return "Applied"
	case Older:
		return "Older"
	case DivergedRequiresEvents:
		return "DivergedRequiresEvents"
	default:
		return "Unknown"
	}
}

// ChangeEvent is one property's new value, broadcast after every
// successful head mutation (spec §6: "Change-notification interface").
type ChangeEvent struct {
	EntityID string
	Property string
	Value    []byte
}

// Notifier receives change events. The reactor-side fan-out (live
// queries, subscriber push) lives outside this package.
type Notifier func(ChangeEvent)

// Controller owns every Entity this process has touched, the backend
// factory registry, and the comparison budget/retry policy (spec §4.7).
type Controller struct {
	mu         sync.Mutex
	entities   map[string]*Entity
	factories  map[string]backend.Factory
	budget     compare.Budget
	maxRetries int
	notify     Notifier
}

// NewController constructs a Controller. factories maps a backend name
// to the constructor used when a layer first mentions that name and no
// backend exists for it yet (spec §4.7). notify may be nil.
func NewController(factories map[string]backend.Factory, notify Notifier) *Controller {
	if notify == nil {
		notify = func(ChangeEvent) {}
	}
	return &Controller{
		entities:   make(map[string]*Entity),
		factories:  factories,
		budget:     compare.DefaultBudget(),
		maxRetries: DefaultMaxRetries,
		notify:     notify,
	}
}

// WithBudget overrides the comparison budget used by this controller.
func (c *Controller) WithBudget(b compare.Budget) *Controller {
	c.budget = b
	return c
}

// WithMaxRetries overrides the TOCTOU retry bound.
func (c *Controller) WithMaxRetries(n int) *Controller {
	if n > 0 {
		c.maxRetries = n
	}
	return c
}

// Entity returns the controller's in-memory handle for id, creating an
// empty one on first use.
func (c *Controller) Entity(id string) *Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[id]
	if !ok {
		e = newEntity(id)
		c.entities[id] = e
	}
	return e
}

// ApplyEvent is apply_event (spec §4.7).
func (c *Controller) ApplyEvent(ctx context.Context, reader retrieval.EventStager, e event.Event) (bool, error) {
	ent := c.Entity(e.EntityID)

	// Guards, evaluated once before the retry loop.
	currentHead := ent.Head()
	if e.IsCreation() && !currentHead.IsEmpty() {
		if reader.StorageIsDefinitive() {
			stored, err := reader.EventStored(ctx, e.ID)
			if err != nil {
				return false, err
			}
			if !stored {
				return false, errs.NewDisjoint("ApplyEvent", e.ID, firstOrZero(currentHead))
			}
		}
	}
	if e.IsCreation() && currentHead.IsEmpty() {
		return c.tryApplyCreation(ctx, ent, e)
	}
	if !e.IsCreation() && currentHead.IsEmpty() {
		return false, errs.NewInvalidEvent("ApplyEvent", "non-creation event on empty head")
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		expectedHead := ent.Head()

		result, err := compare.CompareIncludingStaged(ctx, reader, e, expectedHead, c.budget)
		if err != nil {
			return false, err
		}

		switch result.Relation.Kind {
		case compare.Equal, compare.StrictAscends:
			return false, nil

		case compare.StrictDescends:
			changed, retry, err := c.tryFastForward(ctx, ent, expectedHead, e, result.Accumulator)
			if err != nil {
				return false, err
			}
			if retry {
				continue
			}
			return changed, nil

		case compare.DivergedSince:
			changed, retry, err := c.tryMerge(ctx, ent, expectedHead, e, result)
			if err != nil {
				return false, err
			}
			if retry {
				continue
			}
			return changed, nil

		case compare.Disjoint:
			return false, errs.NewDisjoint("ApplyEvent", result.Relation.SubjectRoot, result.Relation.OtherRoot)

		case compare.BudgetExceeded:
			return false, errs.NewBudgetExceeded("ApplyEvent", result.Relation.SubjectFrontier, result.Relation.OtherFrontier)
		}
	}
	return false, errs.NewTOCTOUExhausted("ApplyEvent", c.maxRetries)
}

func firstOrZero(c clock.Clock) clock.EventId {
	if c.IsEmpty() {
		return clock.EventId{}
	}
	return c.Members()[0]
}

// tryApplyCreation handles guard 2: a creation event on what was an
// empty head, re-checked under the write lock (TOCTOU).
func (c *Controller) tryApplyCreation(ctx context.Context, ent *Entity, e event.Event) (bool, error) {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.head.IsEmpty() {
		// Lost the race: someone else created this entity first. Report
		// no change here without entering the retry loop; a subsequent
		// delivery of this same event will observe the new head.
		return false, nil
	}
	dag := map[clock.EventId][]clock.EventId{e.ID: e.Parents()}
	l := layer.NewSingleEventLayer(dag, e)
	changes, err := c.applyLayerToBackends(ctx, ent, l, nil)
	if err != nil {
		return false, err
	}
	ent.head = clock.Single(e.ID)
	c.emit(ent.ID, changes)
	return true, nil
}

// tryFastForward handles the StrictDescends dispatch: e strictly extends
// the current head with no divergence to merge. e may be many
// generations ahead of expectedHead (spec §4.8's event-bridge gap fill
// delivers exactly this), so every intervening layer between
// expectedHead and e must be replayed in order, not just e's own
// operations — the same layer iterator tryMerge uses, with expectedHead
// standing in as both the meet and the "already applied" boundary since
// there is no divergence to partition.
func (c *Controller) tryFastForward(ctx context.Context, ent *Entity, expectedHead clock.Clock, e event.Event, acc *accumulator.Accumulator) (changed bool, retry bool, err error) {
	it := layer.NewIterator(acc, expectedHead.Members(), expectedHead)
	layers, err := layer.Collect(ctx, it)
	if err != nil {
		return false, false, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.head.Equal(expectedHead) {
		return false, true, nil
	}

	var allChanges []backend.PropertyChange
	var processed []layer.EventLayer
	for _, l := range layers {
		changes, err := c.applyLayerToBackends(ctx, ent, l, processed)
		if err != nil {
			return false, false, err
		}
		allChanges = append(allChanges, changes...)
		processed = append(processed, l)
	}

	ent.head = clock.Single(e.ID)
	c.emit(ent.ID, allChanges)
	return true, false, nil
}

// tryMerge handles the DivergedSince dispatch: compute and apply every
// intervening layer, then remove the meet's members from the head and
// add event.id (concurrent tips outside the meet stay in the head).
func (c *Controller) tryMerge(ctx context.Context, ent *Entity, expectedHead clock.Clock, e event.Event, result compare.Result) (changed bool, retry bool, err error) {
	acc := result.Accumulator
	it := layer.NewIterator(acc, result.Relation.Meet, expectedHead)
	// Eagerly collect — async work happens with the entity lock released
	// (spec §4.7: "Eagerly collect all layers (async, may hit storage)").
	layers, err := layer.Collect(ctx, it)
	if err != nil {
		return false, false, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if !ent.head.Equal(expectedHead) {
		return false, true, nil
	}

	var allChanges []backend.PropertyChange
	var processed []layer.EventLayer
	for _, l := range layers {
		changes, err := c.applyLayerToBackends(ctx, ent, l, processed)
		if err != nil {
			return false, false, err
		}
		allChanges = append(allChanges, changes...)
		processed = append(processed, l)
	}

	ent.head = ent.head.WithoutAll(result.Relation.Meet)
	ent.head = ent.head.With(e.ID)
	c.emit(ent.ID, allChanges)
	return true, false, nil
}

// applyLayerToBackends dispatches l to every backend the layer's events
// mention, creating and replaying fresh backends for any name not yet
// present on ent (spec §4.7). Must be called with ent.mu held.
func (c *Controller) applyLayerToBackends(ctx context.Context, ent *Entity, l layer.EventLayer, processed []layer.EventLayer) ([]backend.PropertyChange, error) {
	var allChanges []backend.PropertyChange
	for _, name := range backendNamesIn(l) {
		b, ok := ent.backends[name]
		if !ok {
			factory, ok := c.factories[name]
			if !ok {
				return nil, errs.NewInvalidEvent("ApplyEvent", "no backend factory registered for "+name)
			}
			b = factory()
			ent.backends[name] = b
			for _, prior := range processed {
				if _, err := b.ApplyLayer(ctx, prior); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, name := range backendNamesIn(l) {
		changes, err := ent.backends[name].ApplyLayer(ctx, l)
		if err != nil {
			return nil, err
		}
		allChanges = append(allChanges, changes...)
	}
	return allChanges, nil
}

func backendNamesIn(l layer.EventLayer) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(events []event.Event) {
		for _, e := range events {
			for name := range e.Operations {
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					names = append(names, name)
				}
			}
		}
	}
	add(l.AlreadyApplied)
	add(l.ToApply)
	return names
}

func (c *Controller) emit(entityID string, changes []backend.PropertyChange) {
	for _, ch := range changes {
		c.notify(ChangeEvent{EntityID: entityID, Property: ch.Property, Value: ch.Value})
	}
}

// RestoreSnapshot force-overwrites entityID's head and backend buffers to
// exactly the given snapshot, regardless of causal ordering. Unlike
// ApplyState's StrictDescends branch, it never compares heads first — it
// is the rollback primitive a validator rejection needs, undoing a
// mutation that has already run against the entity, including deleting
// any backend the rejected event's apply created that isn't part of
// snapshot.
func (c *Controller) RestoreSnapshot(entityID string, snapshot retrieval.AttestedSnapshot) error {
	ent := c.Entity(entityID)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	for name := range ent.backends {
		if _, ok := snapshot.BackendBuffers[name]; !ok {
			delete(ent.backends, name)
		}
	}
	for name, buf := range snapshot.BackendBuffers {
		b, ok := ent.backends[name]
		if !ok {
			factory, ok := c.factories[name]
			if !ok {
				return errs.NewInvalidEvent("RestoreSnapshot", "no backend factory registered for "+name)
			}
			b = factory()
			ent.backends[name] = b
		}
		if err := b.Restore(buf); err != nil {
			return err
		}
	}
	ent.head = snapshot.Head
	return nil
}

// ApplyState is apply_state (spec §4.7): the snapshot fast path.
func (c *Controller) ApplyState(ctx context.Context, reader retrieval.EventReader, entityID string, snapshot retrieval.AttestedSnapshot) (StateApplyOutcome, error) {
	ent := c.Entity(entityID)

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		expectedHead := ent.Head()

		result, err := compare.Compare(ctx, reader, snapshot.Head, expectedHead, c.budget)
		if err != nil {
			return 0, err
		}

		switch result.Relation.Kind {
		case compare.Equal:
			return AlreadyApplied, nil
		case compare.StrictAscends:
			return Older, nil
		case compare.DivergedSince:
			return DivergedRequiresEvents, nil
		case compare.Disjoint:
			return 0, errs.NewDisjoint("ApplyState", result.Relation.SubjectRoot, result.Relation.OtherRoot)
		case compare.BudgetExceeded:
			return 0, errs.NewBudgetExceeded("ApplyState", result.Relation.SubjectFrontier, result.Relation.OtherFrontier)
		}

		// StrictDescends: replace head and backend buffers wholesale.
		retry, err := func() (bool, error) {
			ent.mu.Lock()
			defer ent.mu.Unlock()
			if !ent.head.Equal(expectedHead) {
				return true, nil
			}
			for name, buf := range snapshot.BackendBuffers {
				b, ok := ent.backends[name]
				if !ok {
					factory, ok := c.factories[name]
					if !ok {
						return false, errs.NewInvalidEvent("ApplyState", "no backend factory registered for "+name)
					}
					b = factory()
					ent.backends[name] = b
				}
				if err := b.Restore(buf); err != nil {
					return false, err
				}
			}
			ent.head = snapshot.Head
			return false, nil
		}()
		if err != nil {
			return 0, err
		}
		if retry {
			continue
		}
		return Applied, nil
	}
	return 0, errs.NewTOCTOUExhausted("ApplyState", c.maxRetries)
}
