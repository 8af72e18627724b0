// Package layer implements EventLayer and the layer iterator (spec §4.4):
// given a DivergedSince result, it yields a finite lazy sequence of
// topological batches, each partitioned into already-applied and
// newly-integrated events, all sharing one immutable DAG snapshot for
// causal queries.
package layer

import (
	"context"

	"ankurah-core/pkg/accumulator"
	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/event"
)

// EventLayer is one topological batch of events at a single depth from
// the meet (spec §3). Both slices share the same dag snapshot.
type EventLayer struct {
	AlreadyApplied []event.Event
	ToApply        []event.Event

	dag *sharedDAG
}

// Compare walks parent pointers through the shared DAG to classify a's
// relationship to b: Descends means a is causally newer than b (b is an
// ancestor of a), Ascends means a is causally older than b. a == b returns
// Descends.
func (l EventLayer) Compare(a, b clock.EventId) CompareResult {
	if a == b {
		return Descends
	}
	if l.dag.ancestorOf(b, a) {
		return Descends
	}
	if l.dag.ancestorOf(a, b) {
		return Ascends
	}
	return Concurrent
}

// NewSingleEventLayer builds a degenerate one-event EventLayer over dag,
// for callers that have no layer iterator to run — the entity
// controller's creation-event path (spec §4.7), where there is no meet
// and at most one backend-name provenance to resolve. The fast-forward
// path uses NewIterator instead.
func NewSingleEventLayer(dag map[clock.EventId][]clock.EventId, e event.Event) EventLayer {
	return EventLayer{ToApply: []event.Event{e}, dag: &sharedDAG{parents: dag}}
}

// DAGContains reports whether id is present in the shared DAG snapshot —
// the "older than meet" test (spec §4.5): a Committed value whose
// event id is NOT in the dag predates the meet and is automatically
// dominated by any layer event.
func (l EventLayer) DAGContains(id clock.EventId) bool {
	return l.dag.contains(id)
}

// Iterator lazily produces EventLayers from a single comparison's
// accumulator, a computed meet, and the current entity head.
type Iterator struct {
	acc           *accumulator.Accumulator
	dag           *sharedDAG
	childrenIndex map[clock.EventId][]clock.EventId
	headAncestry  map[clock.EventId]struct{}
	processed     map[clock.EventId]struct{}
	frontier      map[clock.EventId]struct{}
	done          bool
}

// NewIterator builds the children index, the head-ancestry set, and
// seeds the initial frontier (spec §4.4's Preparation step).
func NewIterator(acc *accumulator.Accumulator, meet []clock.EventId, head clock.Clock) *Iterator {
	dagCopy := acc.DAG()
	dag := &sharedDAG{parents: dagCopy}

	meetSet := make(map[clock.EventId]struct{}, len(meet))
	for _, id := range meet {
		meetSet[id] = struct{}{}
	}

	childrenIndex := invertDAG(dagCopy)
	headAncestry := computeHeadAncestry(dagCopy, meetSet, head)

	// Parents at or below the meet (not in the DAG, or in the meet set
	// itself) are treated as already processed from the start — this
	// generalization correctly handles merge events whose parents
	// straddle the meet boundary (spec §4.4).
	processed := make(map[clock.EventId]struct{}, len(meetSet))
	for id := range meetSet {
		processed[id] = struct{}{}
	}

	frontier := make(map[clock.EventId]struct{})
	for id := range dagCopy {
		if _, already := processed[id]; already {
			continue
		}
		if allParentsProcessed(dagCopy, processed, id) {
			frontier[id] = struct{}{}
		}
	}

	return &Iterator{
		acc:           acc,
		dag:           dag,
		childrenIndex: childrenIndex,
		headAncestry:  headAncestry,
		processed:     processed,
		frontier:      frontier,
	}
}

// Next produces the next layer, or (EventLayer{}, false, nil) once the
// frontier has been exhausted. A layer is always yielded even when
// ToApply is empty — backends may have bookkeeping to do in
// AlreadyApplied alone (spec §4.4).
func (it *Iterator) Next(ctx context.Context) (EventLayer, bool, error) {
	if it.done || len(it.frontier) == 0 {
		it.done = true
		return EventLayer{}, false, nil
	}

	current := make([]clock.EventId, 0, len(it.frontier))
	for id := range it.frontier {
		current = append(current, id)
	}

	var alreadyApplied, toApply []event.Event
	for _, id := range current {
		e, err := it.acc.Fetch(ctx, id)
		if err != nil {
			return EventLayer{}, false, err
		}
		if _, inHead := it.headAncestry[id]; inHead {
			alreadyApplied = append(alreadyApplied, e)
		} else {
			toApply = append(toApply, e)
		}
	}

	for _, id := range current {
		it.processed[id] = struct{}{}
	}

	next := make(map[clock.EventId]struct{})
	for _, id := range current {
		for _, child := range it.childrenIndex[id] {
			if _, already := it.processed[child]; already {
				continue
			}
			if allParentsProcessed(it.dag.parents, it.processed, child) {
				next[child] = struct{}{}
			}
		}
	}
	it.frontier = next
	if len(next) == 0 {
		it.done = true
	}

	return EventLayer{AlreadyApplied: alreadyApplied, ToApply: toApply, dag: it.dag}, true, nil
}

// Collect eagerly drains the iterator, as the entity controller does
// before acquiring the write lock (spec §4.7: "Eagerly collect all
// layers (async, may hit storage)" — so the write-lock critical section
// stays free of awaits).
func Collect(ctx context.Context, it *Iterator) ([]EventLayer, error) {
	var layers []EventLayer
	for {
		l, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return layers, nil
		}
		layers = append(layers, l)
	}
}

func invertDAG(dag map[clock.EventId][]clock.EventId) map[clock.EventId][]clock.EventId {
	children := make(map[clock.EventId][]clock.EventId, len(dag))
	for id, parents := range dag {
		for _, p := range parents {
			children[p] = append(children[p], id)
		}
	}
	return children
}

func computeHeadAncestry(dag map[clock.EventId][]clock.EventId, meet map[clock.EventId]struct{}, head clock.Clock) map[clock.EventId]struct{} {
	visited := make(map[clock.EventId]struct{})
	queue := append([]clock.EventId{}, head.Members()...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		if _, atMeet := meet[id]; atMeet {
			continue // boundary: don't walk past the meet
		}
		parents, inDAG := dag[id]
		if !inDAG {
			continue // below the meet or outside the DAG
		}
		queue = append(queue, parents...)
	}
	return visited
}

// allParentsProcessed reports whether every parent of id is processed —
// where a parent not present in the DAG at all counts as processed (it's
// at or below the meet and can't be traversed further).
func allParentsProcessed(dag map[clock.EventId][]clock.EventId, processed map[clock.EventId]struct{}, id clock.EventId) bool {
	parents, ok := dag[id]
	if !ok {
		return true
	}
	for _, p := range parents {
		if _, done := processed[p]; done {
			continue
		}
		if _, inDag := dag[p]; !inDag {
			continue
		}
		return false
	}
	return true
}
