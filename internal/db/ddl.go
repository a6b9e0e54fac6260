package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/tidehook/internal/event"
)

// ddl is applied per tenant schema. Statements are idempotent so startup can
// run them unconditionally.
const ddl = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.events (
    id               UUID PRIMARY KEY,
    event_type       TEXT NOT NULL,
    aggregate_type   TEXT NOT NULL DEFAULT '',
    aggregate_id     TEXT NOT NULL DEFAULT '',
    payload          JSONB NOT NULL,
    metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
    occurred_at      TIMESTAMPTZ NOT NULL,
    recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    priority         TEXT NOT NULL DEFAULT 'normal',
    partition_key    TEXT NOT NULL,
    processing_state TEXT NOT NULL DEFAULT 'pending',
    attempts_count   INTEGER NOT NULL DEFAULT 0,
    last_error       JSONB,
    lease_worker     TEXT,
    lease_deadline   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_events_claim
    ON %[1]s.events (processing_state, occurred_at)
    WHERE processing_state IN ('pending', 'dispatched');

CREATE TABLE IF NOT EXISTS %[1]s.endpoints (
    id                   UUID PRIMARY KEY,
    name                 TEXT NOT NULL,
    url                  TEXT NOT NULL,
    method               TEXT NOT NULL DEFAULT 'POST',
    secret               BYTEA NOT NULL,
    signature_header     TEXT NOT NULL DEFAULT 'X-Webhook-Signature',
    custom_headers       JSONB NOT NULL DEFAULT '{}'::jsonb,
    timeout_ms           BIGINT NOT NULL DEFAULT 30000,
    retry_policy         JSONB NOT NULL,
    health               TEXT NOT NULL DEFAULT 'healthy',
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    is_active            BOOLEAN NOT NULL DEFAULT TRUE,
    created_by           TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at           TIMESTAMPTZ,
    UNIQUE (name)
);

CREATE TABLE IF NOT EXISTS %[1]s.subscriptions (
    id          UUID PRIMARY KEY,
    endpoint_id UUID NOT NULL REFERENCES %[1]s.endpoints(id),
    pattern     TEXT NOT NULL,
    filter      JSONB,
    priority    INTEGER NOT NULL DEFAULT 0,
    is_active   BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_endpoint
    ON %[1]s.subscriptions (endpoint_id);

CREATE TABLE IF NOT EXISTS %[1]s.attempts (
    id                   UUID PRIMARY KEY,
    event_id             UUID NOT NULL,
    endpoint_id          UUID NOT NULL,
    attempt_number       INTEGER NOT NULL CHECK (attempt_number >= 1),
    status               TEXT NOT NULL,
    request_url          TEXT NOT NULL DEFAULT '',
    request_method       TEXT NOT NULL DEFAULT 'POST',
    request_headers      JSONB NOT NULL DEFAULT '{}'::jsonb,
    request_body         BYTEA,
    signature            TEXT NOT NULL DEFAULT '',
    idempotency_key      TEXT NOT NULL DEFAULT '',
    response_status      INTEGER,
    response_headers     JSONB,
    response_body        BYTEA,
    response_truncated   BOOLEAN NOT NULL DEFAULT FALSE,
    latency_ms           BIGINT,
    error_code           TEXT,
    error_message        TEXT,
    scheduled_at         TIMESTAMPTZ,
    started_at           TIMESTAMPTZ,
    completed_at         TIMESTAMPTZ,
    next_retry_at        TIMESTAMPTZ,
    max_attempts_reached BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (event_id, endpoint_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_attempts_retry
    ON %[1]s.attempts (status, next_retry_at);

CREATE INDEX IF NOT EXISTS idx_attempts_endpoint
    ON %[1]s.attempts (endpoint_id, completed_at);
`

// EnsureSchema creates the per-schema tables if they do not exist. The
// schema name is validated before interpolation; it cannot be bound as a
// query parameter.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, fmt.Sprintf(ddl, schema))
	return err
}
