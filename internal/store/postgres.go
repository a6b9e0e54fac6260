package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
)

// PGEventStore is the Postgres-backed event store. Rows live in a table per
// tenant schema; the schema name is validated before interpolation and all
// values are bound as parameters.
type PGEventStore struct {
	pool  *pgxpool.Pool
	lease time.Duration
}

func NewPGEventStore(pool *pgxpool.Pool, lease time.Duration) *PGEventStore {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &PGEventStore{pool: pool, lease: lease}
}

const eventColumns = `id, event_type, aggregate_type, aggregate_id, payload, metadata,
	occurred_at, recorded_at, priority, partition_key, processing_state, attempts_count, last_error`

func (s *PGEventStore) Append(ctx context.Context, schema string, ev *event.Event) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	if err := ev.Validate(schema); err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return errs.Wrap(errs.KindInvalidInput, err, "payload not serializable")
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return errs.Wrap(errs.KindInvalidInput, err, "metadata not serializable")
	}
	var lastErr []byte
	if ev.LastError != nil {
		lastErr, _ = json.Marshal(ev.LastError)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.events (%s)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10, $11, $12, $13::jsonb)`,
		schema, eventColumns),
		ev.ID, ev.Type, ev.AggregateType, ev.AggregateID, payload, meta,
		ev.OccurredAt, ev.RecordedAt, ev.Priority, ev.PartitionKey, ev.State,
		ev.AttemptsCount, lastErr,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.Wrap(errs.KindConflict, err, "event %s already exists", ev.ID)
		}
		return errs.Wrap(errs.KindStorageUnavailable, err, "append event")
	}
	return nil
}

func (s *PGEventStore) Load(ctx context.Context, schema string, id uuid.UUID) (*event.Event, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.events WHERE id = $1`, eventColumns, schema), id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.E(errs.KindNotFound, "event %s not found", id)
		}
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "load event")
	}
	return ev, nil
}

func (s *PGEventStore) ClaimPending(ctx context.Context, schema string, limit int, workerID string, minAge time.Duration) ([]*event.Event, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	// SKIP LOCKED keeps parallel claimers from contending on the same rows.
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		WITH picked AS (
			SELECT id FROM %[1]s.events
			WHERE (processing_state = 'pending' AND recorded_at <= now() - $3::double precision * interval '1 second')
			   OR (processing_state = 'dispatched' AND lease_deadline < now())
			ORDER BY occurred_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s.events e
		SET processing_state = 'dispatched',
		    lease_worker = $2,
		    lease_deadline = now() + $4::double precision * interval '1 second'
		FROM picked
		WHERE e.id = picked.id
		RETURNING `+eventColumns2("e"), schema),
		limit, workerID, minAge.Seconds(), s.lease.Seconds(),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "claim pending")
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageUnavailable, err, "scan claimed event")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "claim pending rows")
	}
	return out, nil
}

func (s *PGEventStore) MarkProcessed(ctx context.Context, schema string, id uuid.UUID) error {
	return s.terminal(ctx, schema, id, event.StateProcessed, nil)
}

func (s *PGEventStore) MarkDead(ctx context.Context, schema string, id uuid.UUID, rec event.ErrorRecord) error {
	return s.terminal(ctx, schema, id, event.StateDead, &rec)
}

func (s *PGEventStore) terminal(ctx context.Context, schema string, id uuid.UUID, state event.State, rec *event.ErrorRecord) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	var lastErr []byte
	if rec != nil {
		lastErr, _ = json.Marshal(rec)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.events
		SET processing_state = $2,
		    last_error = COALESCE($3::jsonb, last_error),
		    lease_worker = NULL,
		    lease_deadline = NULL
		WHERE id = $1 AND processing_state NOT IN ('processed', 'dead')`, schema),
		id, state, lastErr,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "mark %s", state)
	}
	return nil
}

func (s *PGEventStore) BumpAttempts(ctx context.Context, schema string, id uuid.UUID, lastErr *event.ErrorRecord) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	var rec []byte
	if lastErr != nil {
		rec, _ = json.Marshal(lastErr)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.events
		SET attempts_count = attempts_count + 1,
		    last_error = COALESCE($2::jsonb, last_error)
		WHERE id = $1`, schema),
		id, rec,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "bump attempts")
	}
	return nil
}

func (s *PGEventStore) CountByState(ctx context.Context, schema string, state event.State) (int64, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return 0, err
	}
	var n int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.events WHERE processing_state = $1`, schema), state).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorageUnavailable, err, "count by state")
	}
	return n, nil
}

func eventColumns2(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.event_type, %[1]s.aggregate_type, %[1]s.aggregate_id,
		%[1]s.payload, %[1]s.metadata, %[1]s.occurred_at, %[1]s.recorded_at, %[1]s.priority,
		%[1]s.partition_key, %[1]s.processing_state, %[1]s.attempts_count, %[1]s.last_error`, alias)
}

func scanEvent(row pgx.Row) (*event.Event, error) {
	var (
		ev              event.Event
		payload, meta   []byte
		lastErr         []byte
		priority, state string
	)
	if err := row.Scan(&ev.ID, &ev.Type, &ev.AggregateType, &ev.AggregateID,
		&payload, &meta, &ev.OccurredAt, &ev.RecordedAt, &priority,
		&ev.PartitionKey, &state, &ev.AttemptsCount, &lastErr,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
		return nil, err
	}
	if len(lastErr) > 0 {
		var rec event.ErrorRecord
		if err := json.Unmarshal(lastErr, &rec); err == nil {
			ev.LastError = &rec
		}
	}
	ev.Priority = event.Priority(priority)
	ev.State = event.State(state)
	return &ev, nil
}
