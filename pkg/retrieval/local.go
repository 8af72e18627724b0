package retrieval

import (
	"context"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
)

// LocalReader is the staging ∪ storage reader/stager (spec §4.1): on a
// miss in both, it fails. It is "definitive" because every event whose
// id can ever appear in a head it manages was either staged by this
// process or is already durably stored by it.
type LocalReader struct {
	staging *Staging
	storage EventPersistence
}

// NewLocalReader constructs a LocalReader over a staging map and a
// durable EventPersistence implementation.
func NewLocalReader(staging *Staging, storage EventPersistence) *LocalReader {
	return &LocalReader{staging: staging, storage: storage}
}

var _ EventStager = (*LocalReader)(nil)

func (r *LocalReader) GetEvent(ctx context.Context, id clock.EventId) (event.Event, error) {
	if e, ok := r.staging.Get(id); ok {
		return e, nil
	}
	e, ok, err := r.storage.GetEvent(ctx, id)
	if err != nil {
		return event.Event{}, errs.NewStorage("LocalReader.GetEvent", err)
	}
	if !ok {
		return event.Event{}, errs.NewEventUnavailable("LocalReader.GetEvent", id)
	}
	return e, nil
}

func (r *LocalReader) EventStored(ctx context.Context, id clock.EventId) (bool, error) {
	ok, err := r.storage.EventExists(ctx, id)
	if err != nil {
		return false, errs.NewStorage("LocalReader.EventStored", err)
	}
	return ok, nil
}

func (r *LocalReader) StorageIsDefinitive() bool {
	return true
}

func (r *LocalReader) StageEvent(ctx context.Context, e event.Event) error {
	r.staging.Put(e)
	return nil
}

func (r *LocalReader) CommitEvent(ctx context.Context, id clock.EventId) error {
	e, ok := r.staging.Get(id)
	if !ok {
		// Already committed by a concurrent caller, or never staged:
		// commit is idempotent, not an error.
		return nil
	}
	if err := r.storage.AddEvent(ctx, e); err != nil {
		return errs.NewStorage("LocalReader.CommitEvent", err)
	}
	r.staging.Remove(id)
	return nil
}
