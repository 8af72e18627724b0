package retrieval

import (
	"context"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
)

// CachedReader adds a remote-peer fallback on top of staging ∪ storage,
// for non-authoritative nodes that don't durably hold every event their
// heads could reference (spec §4.1). A fetched event is written through
// to local storage before being returned, so a second lookup never
// round-trips to the peer.
type CachedReader struct {
	staging *Staging
	storage EventPersistence
	remote  RemoteFetcher
}

// NewCachedReader constructs a CachedReader. remote may be nil, in which
// case reads behave like LocalReader's (useful for tests), except that
// StorageIsDefinitive still reports false.
func NewCachedReader(staging *Staging, storage EventPersistence, remote RemoteFetcher) *CachedReader {
	return &CachedReader{staging: staging, storage: storage, remote: remote}
}

var _ EventStager = (*CachedReader)(nil)

func (r *CachedReader) GetEvent(ctx context.Context, id clock.EventId) (event.Event, error) {
	if e, ok := r.staging.Get(id); ok {
		return e, nil
	}
	e, ok, err := r.storage.GetEvent(ctx, id)
	if err != nil {
		return event.Event{}, errs.NewStorage("CachedReader.GetEvent", err)
	}
	if ok {
		return e, nil
	}
	if r.remote == nil {
		return event.Event{}, errs.NewEventUnavailable("CachedReader.GetEvent", id)
	}
	fetched, err := r.remote.GetEvents(ctx, []clock.EventId{id})
	if err != nil {
		return event.Event{}, errs.NewStorage("CachedReader.GetEvent", err)
	}
	if len(fetched) == 0 {
		return event.Event{}, errs.NewEventUnavailable("CachedReader.GetEvent", id)
	}
	got := fetched[0]
	// Write through before returning, per spec §4.1/§6: "response events
	// are written through to local storage before the retriever returns
	// them".
	if err := r.storage.AddEvent(ctx, got); err != nil {
		return event.Event{}, errs.NewStorage("CachedReader.GetEvent", err)
	}
	return got, nil
}

func (r *CachedReader) EventStored(ctx context.Context, id clock.EventId) (bool, error) {
	ok, err := r.storage.EventExists(ctx, id)
	if err != nil {
		return false, errs.NewStorage("CachedReader.EventStored", err)
	}
	return ok, nil
}

// StorageIsDefinitive is false: a miss from EventStored does not prove
// non-existence, since the event might still be fetchable from a peer.
func (r *CachedReader) StorageIsDefinitive() bool {
	return false
}

func (r *CachedReader) StageEvent(ctx context.Context, e event.Event) error {
	r.staging.Put(e)
	return nil
}

func (r *CachedReader) CommitEvent(ctx context.Context, id clock.EventId) error {
	e, ok := r.staging.Get(id)
	if !ok {
		return nil
	}
	if err := r.storage.AddEvent(ctx, e); err != nil {
		return errs.NewStorage("CachedReader.CommitEvent", err)
	}
	r.staging.Remove(id)
	return nil
}
