// Package compare implements the dual-frontier backward BFS comparison
// engine (spec §4.3): given two clocks, it classifies their causal
// relationship and, along the way, populates an EventAccumulator the
// layer iterator can consume without re-fetching.
package compare

import (
	"context"

	"ankurah-core/pkg/accumulator"
	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/retrieval"
)

// Result pairs a causal-relation tag with the accumulator populated
// during its computation (spec §4.3's ComparisonResult). Callers that
// don't need the accumulator may discard it.
type Result struct {
	Relation    Relation
	Accumulator *accumulator.Accumulator
}

// Compare classifies the relationship of subject relative to comparison,
// starting from a fresh accumulator over reader.
func Compare(ctx context.Context, reader retrieval.EventReader, subject, comparison clock.Clock, budget Budget) (Result, error) {
	return CompareWithAccumulator(ctx, accumulator.New(reader), subject, comparison, budget)
}

// CompareWithAccumulator is Compare but reuses an existing accumulator as
// a warm start — used by budget-escalation retries (spec §4.3: "Retries
// reuse the existing accumulator... The retriever must not be cloned")
// and by any caller that already has a populated accumulator for this
// entity's recent history.
func CompareWithAccumulator(ctx context.Context, acc *accumulator.Accumulator, subject, comparison clock.Clock, budget Budget) (Result, error) {
	if subject.Equal(comparison) {
		return Result{Relation: Relation{Kind: Equal}, Accumulator: acc}, nil
	}
	// Quick-check fast path (spec §4.3): essential because comparison's
	// events may not be locally retrievable on non-authoritative nodes.
	if subject.ContainsAll(comparison) {
		return Result{Relation: Relation{Kind: StrictDescends}, Accumulator: acc}, nil
	}
	if comparison.ContainsAll(subject) {
		return Result{Relation: Relation{Kind: StrictAscends}, Accumulator: acc}, nil
	}

	b := budget.normalize()
	current := b.Initial
	for {
		rel, err := runBFS(ctx, acc, subject, comparison, current)
		if err != nil {
			return Result{}, err
		}
		if rel.Kind != BudgetExceeded {
			return Result{Relation: rel, Accumulator: acc}, nil
		}
		next := current * b.EscalationFactor
		if next > b.Ceiling {
			return Result{Relation: rel, Accumulator: acc}, nil
		}
		current = next
		// Budget escalation retry: fresh traversal state (frontiers,
		// visited sets, counters) but the same accumulator — its dag
		// and LRU serve as a warm start (spec §4.3).
	}
}

// CompareIncludingStaged is the §4.3 helper: stage event first, then
// compare {event.ID} against comparisonHead. Re-delivery of an
// already-integrated event yields Equal or StrictAscends naturally, with
// no special "unstored event" codepath.
func CompareIncludingStaged(ctx context.Context, stager retrieval.EventStager, e event.Event, comparisonHead clock.Clock, budget Budget) (Result, error) {
	if err := stager.StageEvent(ctx, e); err != nil {
		return Result{}, err
	}
	return Compare(ctx, stager, clock.Single(e.ID), comparisonHead, budget)
}

// nodeState tracks one event's traversal bookkeeping during a single BFS
// run (spec §4.3).
type nodeState struct {
	seenFromSubject    bool
	seenFromComparison bool
	origins            map[clock.EventId]struct{}
	commonChildCount   int
	isCommon           bool
}

// runBFS performs one bounded traversal attempt, consuming up to
// maxSteps expansion steps.
func runBFS(ctx context.Context, acc *accumulator.Accumulator, subject, comparison clock.Clock, maxSteps int) (Relation, error) {
	nodes := make(map[clock.EventId]*nodeState)
	node := func(id clock.EventId) *nodeState {
		n, ok := nodes[id]
		if !ok {
			n = &nodeState{}
			nodes[id] = n
		}
		return n
	}

	subjectFrontier := make(map[clock.EventId]struct{})
	comparisonFrontier := make(map[clock.EventId]struct{})
	for _, id := range subject.Members() {
		subjectFrontier[id] = struct{}{}
	}
	for _, id := range comparison.Members() {
		comparisonFrontier[id] = struct{}{}
	}

	originalComparisonMembers := toSet(comparison.Members())
	originalSubjectMembers := toSet(subject.Members())

	outstandingHeads := toSet(comparison.Members())

	unseenComparisonHeads := comparison.Len()
	unseenSubjectHeads := subject.Len()

	meetCandidates := make(map[clock.EventId]struct{})
	var subjectRoots, comparisonRoots []clock.EventId
	var subjectVisited, comparisonVisited []clock.EventId

	remaining := maxSteps

	for {
		if unseenComparisonHeads == 0 {
			return Relation{Kind: StrictDescends, Chain: reverseFiltered(subjectVisited, originalComparisonMembers)}, nil
		}
		if unseenSubjectHeads == 0 {
			return Relation{Kind: StrictAscends, Chain: reverseFiltered(comparisonVisited, originalSubjectMembers)}, nil
		}
		if len(subjectFrontier) == 0 && len(comparisonFrontier) == 0 {
			return resolveFrontiersExhausted(meetCandidates, nodes, outstandingHeads, subjectRoots, comparisonRoots, subjectVisited, comparisonVisited), nil
		}
		if remaining <= 0 {
			return Relation{
				Kind:            BudgetExceeded,
				SubjectFrontier: fromSet(subjectFrontier),
				OtherFrontier:   fromSet(comparisonFrontier),
			}, nil
		}

		union := make(map[clock.EventId]struct{}, len(subjectFrontier)+len(comparisonFrontier))
		for id := range subjectFrontier {
			union[id] = struct{}{}
		}
		for id := range comparisonFrontier {
			union[id] = struct{}{}
		}
		remaining--

		for id := range union {
			_, fromSubject := subjectFrontier[id]
			_, fromComparison := comparisonFrontier[id]

			parents, err := fetchParents(ctx, acc, id, fromSubject, fromComparison)
			if err != nil {
				return Relation{}, err
			}

			delete(subjectFrontier, id)
			delete(comparisonFrontier, id)

			if fromSubject {
				subjectVisited = append(subjectVisited, id)
				if _, isHead := originalComparisonMembers[id]; isHead {
					unseenComparisonHeads--
				}
			}
			if fromComparison {
				comparisonVisited = append(comparisonVisited, id)
				if _, isHead := originalSubjectMembers[id]; isHead {
					unseenSubjectHeads--
				}
			}

			n := node(id)
			if _, isCompHead := originalComparisonMembers[id]; isCompHead {
				if n.origins == nil {
					n.origins = make(map[clock.EventId]struct{})
				}
				n.origins[id] = struct{}{}
			}

			if fromSubject {
				n.seenFromSubject = true
			}
			if fromComparison {
				n.seenFromComparison = true
			}

			if !n.isCommon && n.seenFromSubject && n.seenFromComparison {
				n.isCommon = true
				meetCandidates[id] = struct{}{}
				for _, p := range parents {
					node(p).commonChildCount++
				}
				for origin := range n.origins {
					delete(outstandingHeads, origin)
				}
			}

			if fromComparison && len(n.origins) > 0 {
				for _, p := range parents {
					pn := node(p)
					if pn.origins == nil {
						pn.origins = make(map[clock.EventId]struct{})
					}
					for o := range n.origins {
						pn.origins[o] = struct{}{}
					}
				}
			}

			if len(parents) == 0 {
				if fromSubject {
					subjectRoots = append(subjectRoots, id)
				}
				if fromComparison {
					comparisonRoots = append(comparisonRoots, id)
				}
				continue
			}

			if fromSubject {
				for _, p := range parents {
					if _, already := subjectFrontier[p]; !already {
						subjectFrontier[p] = struct{}{}
					}
				}
			}
			if fromComparison {
				for _, p := range parents {
					if _, already := comparisonFrontier[p]; !already {
						comparisonFrontier[p] = struct{}{}
					}
				}
			}
		}
	}
}

// fetchParents fetches id's parents through the accumulator, applying
// the unfetchable-event rule from spec §4.3: unfetchable on both
// frontiers is treated as a common ancestor with no further parents;
// unfetchable on only one side is a hard error.
func fetchParents(ctx context.Context, acc *accumulator.Accumulator, id clock.EventId, fromSubject, fromComparison bool) ([]clock.EventId, error) {
	e, err := acc.Fetch(ctx, id)
	if err == nil {
		return e.Parents(), nil
	}
	if !errs.IsEventUnavailable(err) {
		return nil, err
	}
	if fromSubject && fromComparison {
		acc.Record(id, nil)
		return nil, nil
	}
	return nil, err
}

// resolveFrontiersExhausted implements the §4.3 step-3 decision tree once
// both frontiers have run dry.
func resolveFrontiersExhausted(
	meetCandidates map[clock.EventId]struct{},
	nodes map[clock.EventId]*nodeState,
	outstandingHeads map[clock.EventId]struct{},
	subjectRoots, comparisonRoots []clock.EventId,
	subjectVisited, comparisonVisited []clock.EventId,
) Relation {
	var minimalMeet []clock.EventId
	for id := range meetCandidates {
		if nodes[id].commonChildCount == 0 {
			minimalMeet = append(minimalMeet, id)
		}
	}

	if len(minimalMeet) > 0 && len(outstandingHeads) == 0 {
		return Relation{Kind: DivergedSince, Meet: minimalMeet, SubjectChain: subjectVisited, OtherChain: comparisonVisited}
	}

	if len(meetCandidates) == 0 && len(subjectRoots) > 0 && len(comparisonRoots) > 0 {
		return Relation{Kind: Disjoint, SubjectRoot: subjectRoots[0], OtherRoot: comparisonRoots[0]}
	}

	// Meet is empty (or not yet fully confirmed) but some common
	// ancestor existed: degenerate DivergedSince, which consumers treat
	// as disjoint-at-origin (spec §4.3).
	return Relation{Kind: DivergedSince, Meet: minimalMeet, SubjectChain: subjectVisited, OtherChain: comparisonVisited}
}

func toSet(ids []clock.EventId) map[clock.EventId]struct{} {
	out := make(map[clock.EventId]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func fromSet(s map[clock.EventId]struct{}) []clock.EventId {
	out := make([]clock.EventId, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

func reverseFiltered(visited []clock.EventId, exclude map[clock.EventId]struct{}) []clock.EventId {
	out := make([]clock.EventId, 0, len(visited))
	for i := len(visited) - 1; i >= 0; i-- {
		id := visited[i]
		if _, skip := exclude[id]; skip {
			continue
		}
		out = append(out, id)
	}
	return out
}
