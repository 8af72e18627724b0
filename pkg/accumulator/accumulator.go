// Package accumulator implements the EventAccumulator (spec §4.2): the
// owner of a single comparison's fetched DAG fragment and body cache. It
// survives into the layer iterator (spec §4.4) so that layers can be
// materialized without re-fetching.
package accumulator

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/retrieval"
)

// DefaultCacheCapacity is the accumulator.cache_capacity default (spec §6).
const DefaultCacheCapacity = 1024

// Accumulator owns dag (an append-only id -> parents map for the
// lifetime of one comparison) and a bounded LRU body cache. dag entries
// survive LRU eviction — they live in a plain map, never in the cache
// itself (spec §4.2, §5).
//
// The layer iterator takes one DAG() copy of the parent-map (dag) and
// shares that single copy by reference across every EventLayer it
// yields, matching the "shared parent-map across layers" guidance in
// spec §9: one object living as long as the layer iterator, rather than
// a refcounted immutable snapshot (unnecessary in a garbage-collected
// language).
type Accumulator struct {
	mu        sync.Mutex
	dag       map[clock.EventId][]clock.EventId
	cache     *lru.Cache[clock.EventId, event.Event]
	retriever retrieval.EventReader
}

// New constructs an empty accumulator owning retriever. The retriever is
// never cloned, even across budget-escalation retries (spec §4.3).
func New(retriever retrieval.EventReader) *Accumulator {
	return NewWithCapacity(retriever, DefaultCacheCapacity)
}

// NewWithCapacity is New with an explicit LRU capacity.
func NewWithCapacity(retriever retrieval.EventReader, capacity int) *Accumulator {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	cache, _ := lru.New[clock.EventId, event.Event](capacity)
	return &Accumulator{
		dag:       make(map[clock.EventId][]clock.EventId),
		cache:     cache,
		retriever: retriever,
	}
}

// Fetch consults the cache; on a miss it calls retriever.GetEvent,
// records id -> parents into dag (even if the body is later evicted from
// the LRU), and caches the body.
func (a *Accumulator) Fetch(ctx context.Context, id clock.EventId) (event.Event, error) {
	if e, ok := a.cache.Get(id); ok {
		return e, nil
	}
	e, err := a.retriever.GetEvent(ctx, id)
	if err != nil {
		return event.Event{}, err
	}
	a.record(id, e.Parents())
	a.cache.Add(id, e)
	return e, nil
}

// record inserts id's parent list into dag if not already present. It is
// also used directly by the comparison engine for unfetchable-but-proven
// ids (spec §4.3's "unfetchable on both frontiers" rule), which have no
// body to cache.
func (a *Accumulator) Record(id clock.EventId, parents []clock.EventId) {
	a.record(id, parents)
}

func (a *Accumulator) record(id clock.EventId, parents []clock.EventId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.dag[id]; !ok {
		a.dag[id] = parents
	}
}

// Contains returns true iff id has been fetched (or recorded) at least
// once during this comparison.
func (a *Accumulator) Contains(id clock.EventId) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.dag[id]
	return ok
}

// Parents returns the recorded parents of id, and whether id is in the
// dag at all.
func (a *Accumulator) Parents(id clock.EventId) ([]clock.EventId, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.dag[id]
	return p, ok
}

// DAG returns a snapshot copy of the id -> parents map. The layer
// iterator takes one such copy and shares it across all its layers.
func (a *Accumulator) DAG() map[clock.EventId][]clock.EventId {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[clock.EventId][]clock.EventId, len(a.dag))
	for k, v := range a.dag {
		out[k] = v
	}
	return out
}

// CachedBody returns a previously-fetched body without touching the
// retriever, used by the layer iterator which fetches through the same
// accumulator instance.
func (a *Accumulator) CachedBody(id clock.EventId) (event.Event, bool) {
	return a.cache.Get(id)
}

// Retriever exposes the owned retriever, e.g. so BudgetExceeded retries
// can resume traversal without constructing a new accumulator.
func (a *Accumulator) Retriever() retrieval.EventReader {
	return a.retriever
}
