package accumulator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestFetchRecordsIntoDAGAndCaches(t *testing.T) {
	root := event.New("e1", clock.Clock{}, nil)
	child := event.New("e1", clock.Single(root.ID), nil)
	reader := &fakeReader{events: map[clock.EventId]event.Event{root.ID: root, child.ID: child}}
	acc := New(reader)

	got, err := acc.Fetch(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.ID)

	parents, ok := acc.Parents(child.ID)
	assert.True(t, ok)
	assert.Equal(t, []clock.EventId{root.ID}, parents)

	cached, ok := acc.CachedBody(child.ID)
	assert.True(t, ok)
	assert.Equal(t, child.ID, cached.ID)
}

func TestRecordWithoutFetchAllowsUnfetchableCommonAncestor(t *testing.T) {
	acc := New(&fakeReader{events: map[clock.EventId]event.Event{}})
	id := clock.EventId{5}
	acc.Record(id, nil)
	assert.True(t, acc.Contains(id))
	parents, ok := acc.Parents(id)
	assert.True(t, ok)
	assert.Nil(t, parents)
}

func TestDAGSnapshotIsACopy(t *testing.T) {
	acc := New(&fakeReader{events: map[clock.EventId]event.Event{}})
	acc.Record(clock.EventId{1}, nil)
	snap := acc.DAG()
	snap[clock.EventId{2}] = nil
	assert.False(t, acc.Contains(clock.EventId{2}))
}

func TestFetchPropagatesUnavailable(t *testing.T) {
	acc := New(&fakeReader{events: map[clock.EventId]event.Event{}})
	_, err := acc.Fetch(context.Background(), clock.EventId{1})
	assert.True(t, errs.IsEventUnavailable(err))
}
