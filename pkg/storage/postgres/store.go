// Package postgres implements retrieval.EventPersistence over a Postgres
// database (spec §6): one connection pool, pgx.Batch for multi-row
// inserts, a SERIALIZABLE transaction around AddEvent; SetState is a
// single upsert statement run without an explicit transaction.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ankurah-core/pkg/clock"
	"ankurah-core/pkg/errs"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/retrieval"
)

// Schema is the DDL this store expects. Callers run it once at
// provisioning time; the store itself never issues DDL (spec §6's
// persistence interface is opaque storage, not a migration tool).
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	operations  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS events_entity_id_idx ON events (entity_id);

CREATE TABLE IF NOT EXISTS event_parents (
	event_id  TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	parent_id TEXT NOT NULL,
	PRIMARY KEY (event_id, parent_id)
);

CREATE TABLE IF NOT EXISTS entity_state (
	entity_id       TEXT PRIMARY KEY,
	head            TEXT[] NOT NULL,
	backend_buffers JSONB NOT NULL,
	attestation     BYTEA
);
`

// Store is a pgx/v5-backed retrieval.EventPersistence.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store over an already-connected pool, validating that
// the events/event_parents/entity_state tables exist with exactly the
// structure this store expects before returning (spec §6: table
// validation on construction). Run Schema against the pool first if the
// tables may not exist yet — New never issues DDL itself.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errs.NewStorage("postgres.New", fmt.Errorf("pool cannot be nil"))
	}
	if err := validateSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

var _ retrieval.EventPersistence = (*Store)(nil)

// AddEvent durably appends one event, atomic w.r.t. this single event
// (spec §6). Re-adding an already-stored event (its id is its content
// hash, so re-delivery is identical content) is a harmless no-op.
func (s *Store) AddEvent(ctx context.Context, e event.Event) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errs.NewStorage("AddEvent", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	opsJSON, err := marshalOperations(e.Operations)
	if err != nil {
		return errs.NewStorage("AddEvent", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO events (id, entity_id, operations) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		e.ID.String(), e.EntityID, opsJSON)
	if err != nil {
		return errs.NewStorage("AddEvent", fmt.Errorf("insert event: %w", err))
	}

	if len(e.Parents()) > 0 {
		batch := &pgx.Batch{}
		for _, p := range e.Parents() {
			batch.Queue(`INSERT INTO event_parents (event_id, parent_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				e.ID.String(), p.String())
		}
		br := tx.SendBatch(ctx, batch)
		for range e.Parents() {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return errs.NewStorage("AddEvent", fmt.Errorf("insert parent edge: %w", err))
			}
		}
		if err := br.Close(); err != nil {
			return errs.NewStorage("AddEvent", fmt.Errorf("close batch: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.NewStorage("AddEvent", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// EventExists reports whether id has been durably committed.
func (s *Store) EventExists(ctx context.Context, id clock.EventId) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id = $1)`, id.String()).Scan(&exists)
	if err != nil {
		return false, errs.NewStorage("EventExists", err)
	}
	return exists, nil
}

// GetEvent fetches one event and its parent edges.
func (s *Store) GetEvent(ctx context.Context, id clock.EventId) (event.Event, bool, error) {
	var entityID string
	var opsJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT entity_id, operations FROM events WHERE id = $1`, id.String()).
		Scan(&entityID, &opsJSON)
	if err == pgx.ErrNoRows {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, errs.NewStorage("GetEvent", err)
	}

	ops, err := unmarshalOperations(opsJSON)
	if err != nil {
		return event.Event{}, false, errs.NewStorage("GetEvent", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT parent_id FROM event_parents WHERE event_id = $1`, id.String())
	if err != nil {
		return event.Event{}, false, errs.NewStorage("GetEvent", fmt.Errorf("load parents: %w", err))
	}
	defer rows.Close()

	var parents []clock.EventId
	for rows.Next() {
		var hexID string
		if err := rows.Scan(&hexID); err != nil {
			return event.Event{}, false, errs.NewStorage("GetEvent", err)
		}
		pid, err := clock.ParseEventId(hexID)
		if err != nil {
			return event.Event{}, false, errs.NewStorage("GetEvent", err)
		}
		parents = append(parents, pid)
	}
	if err := rows.Err(); err != nil {
		return event.Event{}, false, errs.NewStorage("GetEvent", err)
	}

	e := event.New(entityID, clock.New(parents...), ops)
	return e, true, nil
}

// SetState atomically replaces one entity's serialized state (spec §6).
func (s *Store) SetState(ctx context.Context, entityID string, snapshot retrieval.AttestedSnapshot) error {
	headHex := make([]string, 0, snapshot.Head.Len())
	for _, id := range snapshot.Head.Members() {
		headHex = append(headHex, id.String())
	}
	buffersJSON, err := marshalBuffers(snapshot.BackendBuffers)
	if err != nil {
		return errs.NewStorage("SetState", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO entity_state (entity_id, head, backend_buffers, attestation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_id) DO UPDATE SET head = $2, backend_buffers = $3, attestation = $4
	`, entityID, headHex, buffersJSON, snapshot.Attestation)
	if err != nil {
		return errs.NewStorage("SetState", err)
	}
	return nil
}

// GetState fetches one entity's serialized state snapshot.
func (s *Store) GetState(ctx context.Context, entityID string) (*retrieval.AttestedSnapshot, bool, error) {
	var headHex []string
	var buffersJSON []byte
	var attestation []byte
	err := s.pool.QueryRow(ctx, `SELECT head, backend_buffers, attestation FROM entity_state WHERE entity_id = $1`, entityID).
		Scan(&headHex, &buffersJSON, &attestation)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.NewStorage("GetState", err)
	}

	ids := make([]clock.EventId, 0, len(headHex))
	for _, hx := range headHex {
		id, err := clock.ParseEventId(hx)
		if err != nil {
			return nil, false, errs.NewStorage("GetState", err)
		}
		ids = append(ids, id)
	}
	buffers, err := unmarshalBuffers(buffersJSON)
	if err != nil {
		return nil, false, errs.NewStorage("GetState", err)
	}
	return &retrieval.AttestedSnapshot{Head: clock.New(ids...), BackendBuffers: buffers, Attestation: attestation}, true, nil
}
