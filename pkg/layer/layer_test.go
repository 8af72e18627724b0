package layer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankurah-core/pkg/accumulator"
	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
)

type fakeReader struct {
	events map[clock.EventId]event.Event
}

func (f *fakeReader) GetEvent(ctx context.Context, id clock.EventId) (event.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return event.Event{}, errs.NewEventUnavailable("fakeReader.GetEvent", id)
	}
	return e, nil
}
func (f *fakeReader) EventStored(ctx context.Context, id clock.EventId) (bool, error) { return true, nil }
func (f *fakeReader) StorageIsDefinitive() bool                                       { return true }

// buildDiamond constructs root -> {left, right} -> merge and primes an
// accumulator with every node fetched, as compare's BFS would have.
func buildDiamond(t *testing.T) (*accumulator.Accumulator, clock.EventId, clock.EventId, clock.EventId, clock.EventId) {
	t.Helper()
	root := event.New("e1", clock.Clock{}, nil)
	left := event.New("e1", clock.Single(root.ID), nil)
	right := event.New("e1", clock.Single(root.ID), nil)
	merge := event.New("e1", clock.New(left.ID, right.ID), nil)

	reader := &fakeReader{events: map[clock.EventId]event.Event{
		root.ID: root, left.ID: left, right.ID: right, merge.ID: merge,
	}}
	acc := accumulator.New(reader)
	for _, e := range []event.Event{root, left, right, merge} {
		_, err := acc.Fetch(context.Background(), e.ID)
		require.NoError(t, err)
	}
	return acc, root.ID, left.ID, right.ID, merge.ID
}

func TestIteratorYieldsTopologicalLayers(t *testing.T) {
	acc, root, left, right, merge := buildDiamond(t)

	// Simulate: entity head is {left} (only the left branch integrated so
	// far), merge event diverges from meet {root}.
	it := NewIterator(acc, []clock.EventId{root}, clock.Single(left))
	layers, err := Collect(context.Background(), it)
	require.NoError(t, err)
	require.Len(t, layers, 2, "expect one layer for {left,right} and one for {merge}")

	firstIDs := idsOf(append(layers[0].AlreadyApplied, layers[0].ToApply...))
	assert.ElementsMatch(t, []clock.EventId{left, right}, firstIDs)
	assert.ElementsMatch(t, []clock.EventId{left}, idsOf(layers[0].AlreadyApplied))
	assert.ElementsMatch(t, []clock.EventId{right}, idsOf(layers[0].ToApply))

	secondIDs := idsOf(append(layers[1].AlreadyApplied, layers[1].ToApply...))
	assert.ElementsMatch(t, []clock.EventId{merge}, secondIDs)
	assert.ElementsMatch(t, []clock.EventId{merge}, idsOf(layers[1].ToApply))
}

func TestEventLayerCompareWalksSharedDAG(t *testing.T) {
	acc, root, left, right, merge := buildDiamond(t)
	it := NewIterator(acc, []clock.EventId{root}, clock.Single(left))
	layers, err := Collect(context.Background(), it)
	require.NoError(t, err)
	last := layers[len(layers)-1]

	assert.Equal(t, Ascends, last.Compare(root, merge))
	assert.Equal(t, Descends, last.Compare(merge, root))
	assert.Equal(t, Concurrent, last.Compare(left, right))
	assert.True(t, last.DAGContains(left))
	assert.False(t, last.DAGContains(clock.EventId{99}))
}

func idsOf(events []event.Event) []clock.EventId {
	out := make([]clock.EventId, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
