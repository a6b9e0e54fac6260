package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
)

// PGAttemptStore persists attempts in the per-schema attempts table.
type PGAttemptStore struct {
	pool *pgxpool.Pool
}

func NewPGAttemptStore(pool *pgxpool.Pool) *PGAttemptStore {
	return &PGAttemptStore{pool: pool}
}

const attemptColumns = `id, event_id, endpoint_id, attempt_number, status,
	request_url, request_method, request_headers, request_body, signature, idempotency_key,
	response_status, response_headers, response_body, response_truncated,
	latency_ms, error_code, error_message,
	scheduled_at, started_at, completed_at, next_retry_at, max_attempts_reached`

func (s *PGAttemptStore) Record(ctx context.Context, schema string, at *Attempt) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	if at.ID == uuid.Nil {
		at.ID = event.NewID()
	}
	reqHeaders, _ := json.Marshal(at.RequestHeaders)
	var respHeaders []byte
	if at.ResponseHeaders != nil {
		respHeaders, _ = json.Marshal(at.ResponseHeaders)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.attempts (%s)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8::jsonb, $9, $10, $11,
		        NULLIF($12, 0), $13::jsonb, $14, $15,
		        $16, NULLIF($17, ''), NULLIF($18, ''),
		        $19, $20, $21, $22, $23)
		ON CONFLICT (event_id, endpoint_id, attempt_number) DO UPDATE SET
		    status = EXCLUDED.status,
		    request_headers = EXCLUDED.request_headers,
		    signature = EXCLUDED.signature,
		    response_status = EXCLUDED.response_status,
		    response_headers = EXCLUDED.response_headers,
		    response_body = EXCLUDED.response_body,
		    response_truncated = EXCLUDED.response_truncated,
		    latency_ms = EXCLUDED.latency_ms,
		    error_code = EXCLUDED.error_code,
		    error_message = EXCLUDED.error_message,
		    started_at = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at,
		    next_retry_at = EXCLUDED.next_retry_at,
		    max_attempts_reached = EXCLUDED.max_attempts_reached`,
		schema, attemptColumns),
		at.ID, at.EventID, at.EndpointID, at.AttemptNumber, at.Status,
		at.RequestURL, at.RequestMethod, reqHeaders, at.RequestBody, at.Signature, at.IdempotencyKey,
		at.ResponseStatus, respHeaders, at.ResponseBody, at.ResponseTruncated,
		at.LatencyMs, at.ErrorCode, at.ErrorMessage,
		at.ScheduledAt, at.StartedAt, at.CompletedAt, at.NextRetryAt, at.MaxAttemptsReached,
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "record attempt")
	}
	return nil
}

func (s *PGAttemptStore) Get(ctx context.Context, schema string, id uuid.UUID) (*Attempt, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.attempts WHERE id = $1`, attemptColumns, schema), id)
	at, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.E(errs.KindNotFound, "attempt %s not found", id)
		}
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "load attempt")
	}
	return at, nil
}

func (s *PGAttemptStore) ListByEvent(ctx context.Context, schema string, eventID uuid.UUID) ([]*Attempt, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.attempts
		WHERE event_id = $1
		ORDER BY endpoint_id, attempt_number`, attemptColumns, schema), eventID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "list attempts by event")
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *PGAttemptStore) ListByEndpoint(ctx context.Context, schema string, endpointID uuid.UUID, limit int) ([]*Attempt, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.attempts
		WHERE endpoint_id = $1
		ORDER BY completed_at DESC NULLS LAST
		LIMIT $2`, attemptColumns, schema), endpointID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "list attempts by endpoint")
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *PGAttemptStore) Latest(ctx context.Context, schema string, eventID, endpointID uuid.UUID) (*Attempt, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.attempts
		WHERE event_id = $1 AND endpoint_id = $2
		ORDER BY attempt_number DESC
		LIMIT 1`, attemptColumns, schema), eventID, endpointID)
	at, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "load latest attempt")
	}
	return at, nil
}

func collectAttempts(rows pgx.Rows) ([]*Attempt, error) {
	var out []*Attempt
	for rows.Next() {
		at, err := scanAttempt(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorageUnavailable, err, "scan attempt")
		}
		out = append(out, at)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "attempt rows")
	}
	return out, nil
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		at                      Attempt
		status                  string
		reqHeaders, respHeaders []byte
		respStatus, latency     *int64
		errCode, errMsg         *string
	)
	if err := row.Scan(&at.ID, &at.EventID, &at.EndpointID, &at.AttemptNumber, &status,
		&at.RequestURL, &at.RequestMethod, &reqHeaders, &at.RequestBody, &at.Signature, &at.IdempotencyKey,
		&respStatus, &respHeaders, &at.ResponseBody, &at.ResponseTruncated,
		&latency, &errCode, &errMsg,
		&at.ScheduledAt, &at.StartedAt, &at.CompletedAt, &at.NextRetryAt, &at.MaxAttemptsReached,
	); err != nil {
		return nil, err
	}
	at.Status = Status(status)
	if len(reqHeaders) > 0 {
		_ = json.Unmarshal(reqHeaders, &at.RequestHeaders)
	}
	if len(respHeaders) > 0 {
		_ = json.Unmarshal(respHeaders, &at.ResponseHeaders)
	}
	if respStatus != nil {
		at.ResponseStatus = int(*respStatus)
	}
	if latency != nil {
		at.LatencyMs = *latency
	}
	if errCode != nil {
		at.ErrorCode = *errCode
	}
	if errMsg != nil {
		at.ErrorMessage = *errMsg
	}
	return &at, nil
}
