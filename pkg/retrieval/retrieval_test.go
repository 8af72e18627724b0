package retrieval

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
)

// memStore is a minimal in-memory EventPersistence fixture used across
// this package's tests. It is unexported; other packages' tests define
// their own durable-storage doubles.
type memStore struct {
	mu     sync.Mutex
	events map[clock.EventId]event.Event
	states map[string]AttestedSnapshot
}

func newMemStore() *memStore {
	return &memStore{events: make(map[clock.EventId]event.Event), states: make(map[string]AttestedSnapshot)}
}

func (m *memStore) AddEvent(ctx context.Context, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}

func (m *memStore) EventExists(ctx context.Context, id clock.EventId) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[id]
	return ok, nil
}

func (m *memStore) GetEvent(ctx context.Context, id clock.EventId) (event.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	return e, ok, nil
}

func (m *memStore) SetState(ctx context.Context, entityID string, snapshot AttestedSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[entityID] = snapshot
	return nil
}

func (m *memStore) GetState(ctx context.Context, entityID string) (*AttestedSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[entityID]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

type memRemote struct {
	events map[clock.EventId]event.Event
}

func (r *memRemote) GetEvents(ctx context.Context, ids []clock.EventId) ([]event.Event, error) {
	var out []event.Event
	for _, id := range ids {
		if e, ok := r.events[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestLocalReaderStagingThenStorage(t *testing.T) {
	store := newMemStore()
	staging := NewStaging()
	reader := NewLocalReader(staging, store)

	e := event.New("entity-1", clock.Clock{}, nil)
	require.NoError(t, reader.StageEvent(context.Background(), e))

	got, err := reader.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	require.NoError(t, reader.CommitEvent(context.Background(), e.ID))
	ok, err := reader.EventStored(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, reader.StorageIsDefinitive())
}

func TestLocalReaderMissIsEventUnavailable(t *testing.T) {
	reader := NewLocalReader(NewStaging(), newMemStore())
	_, err := reader.GetEvent(context.Background(), clock.EventId{9})
	assert.Error(t, err)
	assert.True(t, errs.IsEventUnavailable(err))
}

func TestCachedReaderFallsBackToRemoteAndWritesThrough(t *testing.T) {
	store := newMemStore()
	staging := NewStaging()
	e := event.New("entity-1", clock.Clock{}, nil)
	remote := &memRemote{events: map[clock.EventId]event.Event{e.ID: e}}
	reader := NewCachedReader(staging, store, remote)

	got, err := reader.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	exists, err := store.EventExists(context.Background(), e.ID)
	require.NoError(t, err)
	assert.True(t, exists, "fetched event should be written through to local storage")
	assert.False(t, reader.StorageIsDefinitive())
}

func TestCachedReaderWithoutRemoteBehavesLikeLocal(t *testing.T) {
	reader := NewCachedReader(NewStaging(), newMemStore(), nil)
	_, err := reader.GetEvent(context.Background(), clock.EventId{3})
	assert.Error(t, err)
}
