// Package applier implements the top-level batch entry points (spec
// §4.8): event-only delivery, state+event delivery, and event-bridge
// causal gap-fill delivery, each enforcing the crash-safety ordering
// invariant stage-before-head-update, commit-before-state-persist.
package applier

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/entity"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/retrieval"
)

// Validator is the pluggable policy/attestation interface (spec §6,
// §4.8's "depending on the policy"): it inspects an incoming event
// against the entity's before/after state and may reject it. Rejections
// are fatal for that event alone; they never poison the entity.
type Validator interface {
	Validate(ctx context.Context, e event.Event, before, after retrieval.AttestedSnapshot) error
}

// EventResult is one event's outcome within a batch.
type EventResult struct {
	EventID clock.EventId
	Changed bool
	Err     error
}

// Applier orchestrates delivery of events and snapshots into the
// controller from the surrounding system (spec §4.8).
type Applier struct {
	stager     retrieval.EventStager
	persist    retrieval.EventPersistence
	controller *entity.Controller
	validator  Validator
	log        zerolog.Logger
}

// New constructs an Applier. validator may be nil, in which case every
// event is accepted unconditionally.
func New(stager retrieval.EventStager, persist retrieval.EventPersistence, controller *entity.Controller, validator Validator, log zerolog.Logger) *Applier {
	return &Applier{stager: stager, persist: persist, controller: controller, validator: validator, log: log}
}

// ApplyEventBatch is the event-only entry point (spec §4.8): stage,
// apply, validate, commit, persist state — each event independently.
func (a *Applier) ApplyEventBatch(ctx context.Context, events []event.Event) ([]EventResult, error) {
	results := make([]EventResult, 0, len(events))
	for _, e := range events {
		res := a.applyOne(ctx, e)
		results = append(results, res)
		a.log.Debug().
			Str("event_id", e.ID.String()).
			Str("entity_id", e.EntityID).
			Bool("changed", res.Changed).
			Err(res.Err).
			Msg("applied event")
	}
	a.notifyDone(len(results))
	return results, nil
}

// applyOne stages e, runs apply_event, validates the resulting state,
// and commits on success. Staging happens before the head is ever
// touched (spec §4.8's ordering invariant); commit happens only after a
// successful apply and a successful validation, never before. The
// validator inspects the entity's real pre- and post-apply snapshots —
// rejection rolls the mutation back via RestoreSnapshot so the event
// never reaches commit, but the entity itself is never poisoned by the
// attempt.
func (a *Applier) applyOne(ctx context.Context, e event.Event) EventResult {
	var before retrieval.AttestedSnapshot
	if a.validator != nil {
		before = a.controller.Entity(e.EntityID).Snapshot()
	}

	if err := a.stager.StageEvent(ctx, e); err != nil {
		return EventResult{EventID: e.ID, Err: err}
	}

	changed, err := a.controller.ApplyEvent(ctx, a.stager, e)
	if err != nil {
		return EventResult{EventID: e.ID, Err: err}
	}

	if a.validator != nil {
		after := a.controller.Entity(e.EntityID).Snapshot()
		if err := a.validator.Validate(ctx, e, before, after); err != nil {
			if rerr := a.controller.RestoreSnapshot(e.EntityID, before); rerr != nil {
				a.log.Error().Err(rerr).Str("event_id", e.ID.String()).Msg("rollback after policy rejection failed")
			}
			return EventResult{EventID: e.ID, Err: errs.NewPolicyRejected("ApplyEventBatch", err)}
		}
	}

	if err := a.stager.CommitEvent(ctx, e.ID); err != nil {
		return EventResult{EventID: e.ID, Changed: changed, Err: err}
	}
	if err := a.persist.SetState(ctx, e.EntityID, a.controller.Entity(e.EntityID).Snapshot()); err != nil {
		return EventResult{EventID: e.ID, Changed: changed, Err: errs.NewStorage("ApplyEventBatch", err)}
	}
	return EventResult{EventID: e.ID, Changed: changed}
}

// StateBatchOutcome is ApplyStateBatch's per-entity result.
type StateBatchOutcome struct {
	EntityID string
	Outcome  entity.StateApplyOutcome
	Err      error
}

// ApplyStateBatch is the state+event entry point (spec §4.8): stage
// every event up front, attempt the snapshot fast path, and fall
// through to per-event application only for entities the snapshot
// couldn't resolve.
func (a *Applier) ApplyStateBatch(ctx context.Context, snapshots map[string]retrieval.AttestedSnapshot, events []event.Event) ([]StateBatchOutcome, []EventResult, error) {
	for _, e := range events {
		if err := a.stager.StageEvent(ctx, e); err != nil {
			return nil, nil, err
		}
	}

	eventsByEntity := make(map[string][]event.Event)
	for _, e := range events {
		eventsByEntity[e.EntityID] = append(eventsByEntity[e.EntityID], e)
	}

	var outcomes []StateBatchOutcome
	var fallbackEvents []event.Event
	for entityID, snapshot := range snapshots {
		outcome, err := a.controller.ApplyState(ctx, a.stager, entityID, snapshot)
		outcomes = append(outcomes, StateBatchOutcome{EntityID: entityID, Outcome: outcome, Err: err})
		if err != nil {
			continue
		}
		switch outcome {
		case entity.Applied, entity.AlreadyApplied:
			for _, e := range eventsByEntity[entityID] {
				if err := a.stager.CommitEvent(ctx, e.ID); err != nil {
					a.log.Error().Err(err).Str("event_id", e.ID.String()).Msg("commit after snapshot apply failed")
				}
			}
			if err := a.persist.SetState(ctx, entityID, a.controller.Entity(entityID).Snapshot()); err != nil {
				a.log.Error().Err(err).Str("entity_id", entityID).Msg("state persist after snapshot apply failed")
			}
		case entity.DivergedRequiresEvents, entity.Older:
			fallbackEvents = append(fallbackEvents, eventsByEntity[entityID]...)
		}
	}
	// Entities referenced only by events, with no snapshot, always fall
	// through to per-event application.
	for entityID, es := range eventsByEntity {
		if _, hasSnapshot := snapshots[entityID]; !hasSnapshot {
			fallbackEvents = append(fallbackEvents, es...)
		}
	}

	results, err := a.applyInCausalOrder(ctx, fallbackEvents)
	if err != nil {
		return outcomes, results, err
	}
	a.notifyDone(len(outcomes) + len(results))
	return outcomes, results, nil
}

// ApplyEventBridgeBatch is the event-bridge entry point (spec §4.8):
// causal gap fill. Every event is staged up front, then applied oldest
// first so each event's causal predecessors are already integrated by
// the time it is reached, committing after each success and persisting
// state once at the end.
func (a *Applier) ApplyEventBridgeBatch(ctx context.Context, events []event.Event) ([]EventResult, error) {
	for _, e := range events {
		if err := a.stager.StageEvent(ctx, e); err != nil {
			return nil, err
		}
	}

	ordered := causalOrder(events)
	results := make([]EventResult, 0, len(ordered))
	touched := make(map[string]struct{})
	for _, e := range ordered {
		changed, err := a.controller.ApplyEvent(ctx, a.stager, e)
		res := EventResult{EventID: e.ID, Changed: changed, Err: err}
		if err == nil {
			if cerr := a.stager.CommitEvent(ctx, e.ID); cerr != nil {
				res.Err = cerr
			} else {
				touched[e.EntityID] = struct{}{}
			}
		}
		results = append(results, res)
	}

	for entityID := range touched {
		if err := a.persist.SetState(ctx, entityID, a.controller.Entity(entityID).Snapshot()); err != nil {
			a.log.Error().Err(err).Str("entity_id", entityID).Msg("state persist after bridge batch failed")
		}
	}
	a.notifyDone(len(results))
	return results, nil
}

// applyInCausalOrder is ApplyStateBatch's fallback loop: it applies
// events in causalOrder, committing each success and persisting that
// entity's state right after it. Events are assumed already staged.
func (a *Applier) applyInCausalOrder(ctx context.Context, events []event.Event) ([]EventResult, error) {
	ordered := causalOrder(events)
	results := make([]EventResult, 0, len(ordered))
	for _, e := range ordered {
		changed, err := a.controller.ApplyEvent(ctx, a.stager, e)
		res := EventResult{EventID: e.ID, Changed: changed, Err: err}
		if err == nil {
			if cerr := a.stager.CommitEvent(ctx, e.ID); cerr != nil {
				res.Err = cerr
			} else if serr := a.persist.SetState(ctx, e.EntityID, a.controller.Entity(e.EntityID).Snapshot()); serr != nil {
				a.log.Error().Err(serr).Str("event_id", e.ID.String()).Msg("state persist after fallback apply failed")
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// causalOrder returns events sorted oldest-first: creation events (no
// parents) before events with parents, breaking ties by id for
// determinism. This is a coarse topological approximation adequate for
// a single gap-fill batch. Because every event is staged before any is
// applied, a child attempted before its parent still fast-forwards: the
// fast-forward path replays every staged layer between the current head
// and the child, and the parent's later attempt then compares as
// StrictAscends and is a no-op.
func causalOrder(events []event.Event) []event.Event {
	ordered := append([]event.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := len(ordered[i].Parents()), len(ordered[j].Parents())
		if pi != pj {
			return pi < pj
		}
		return ordered[i].ID.Less(ordered[j].ID)
	})
	return ordered
}

func (a *Applier) notifyDone(n int) {
	a.log.Debug().Int("count", n).Msg("batch complete")
}
