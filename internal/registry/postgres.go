package registry

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
	"github.com/austindbirch/tidehook/internal/matcher"
)

// PGEndpointStore persists endpoints and subscriptions in Postgres, one
// table pair per tenant schema.
type PGEndpointStore struct {
	pool *pgxpool.Pool
}

func NewPGEndpointStore(pool *pgxpool.Pool) *PGEndpointStore {
	return &PGEndpointStore{pool: pool}
}

const endpointColumns = `id, name, url, method, secret, signature_header, custom_headers,
	timeout_ms, retry_policy, health, consecutive_failures, is_active, created_by,
	created_at, updated_at, deleted_at`

func (s *PGEndpointStore) Create(ctx context.Context, schema string, ep *Endpoint) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	headers, _ := json.Marshal(ep.CustomHeaders)
	policy, _ := json.Marshal(ep.Retry)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "begin create endpoint")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.endpoints (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10, $11, $12, $13, $14, $15, $16)`,
		schema, endpointColumns),
		ep.ID, ep.Name, ep.URL, ep.Method, ep.Secret, ep.SignatureHeader, headers,
		ep.Timeout.Milliseconds(), policy, ep.Health, ep.ConsecutiveFailures, ep.Active,
		ep.CreatedBy, ep.CreatedAt, ep.UpdatedAt, ep.DeletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.Wrap(errs.KindConflict, err, "endpoint name %q already exists", ep.Name)
		}
		return errs.Wrap(errs.KindStorageUnavailable, err, "insert endpoint")
	}
	if err := insertSubscriptions(ctx, tx, schema, ep.ID, ep.Subscriptions); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "commit create endpoint")
	}
	return nil
}

func insertSubscriptions(ctx context.Context, tx pgx.Tx, schema string, endpointID uuid.UUID, subs []Subscription) error {
	for _, sub := range subs {
		var filter []byte
		if sub.Filter != nil {
			filter, _ = json.Marshal(sub.Filter)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s.subscriptions (id, endpoint_id, pattern, filter, priority, is_active)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6)`, schema),
			sub.ID, endpointID, sub.Pattern, filter, sub.Priority, sub.Active,
		)
		if err != nil {
			return errs.Wrap(errs.KindStorageUnavailable, err, "insert subscription")
		}
	}
	return nil
}

func (s *PGEndpointStore) Get(ctx context.Context, schema string, id uuid.UUID) (*Endpoint, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.endpoints WHERE id = $1`, endpointColumns, schema), id)
	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.E(errs.KindNotFound, "endpoint %s not found", id)
		}
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "get endpoint")
	}
	if err := s.loadSubscriptions(ctx, schema, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *PGEndpointStore) loadSubscriptions(ctx context.Context, schema string, ep *Endpoint) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, pattern, filter, priority, is_active
		FROM %s.subscriptions WHERE endpoint_id = $1
		ORDER BY priority DESC, id`, schema), ep.ID)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "load subscriptions")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sub    Subscription
			filter []byte
		)
		if err := rows.Scan(&sub.ID, &sub.Pattern, &filter, &sub.Priority, &sub.Active); err != nil {
			return errs.Wrap(errs.KindStorageUnavailable, err, "scan subscription")
		}
		if len(filter) > 0 {
			var f matcher.Filter
			if err := json.Unmarshal(filter, &f); err == nil {
				sub.Filter = &f
			}
		}
		ep.Subscriptions = append(ep.Subscriptions, sub)
	}
	return rows.Err()
}

func (s *PGEndpointStore) List(ctx context.Context, schema string, cursor string, limit int) ([]*Endpoint, string, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after := uuid.Nil
	if cursor != "" {
		id, err := uuid.Parse(cursor)
		if err != nil {
			return nil, "", errs.E(errs.KindInvalidInput, "invalid cursor")
		}
		after = id
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.endpoints
		WHERE deleted_at IS NULL AND id > $1
		ORDER BY id
		LIMIT $2`, endpointColumns, schema), after, limit+1)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindStorageUnavailable, err, "list endpoints")
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, "", errs.Wrap(errs.KindStorageUnavailable, err, "scan endpoint")
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errs.Wrap(errs.KindStorageUnavailable, err, "list endpoints rows")
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID.String()
	}
	for _, ep := range out {
		if err := s.loadSubscriptions(ctx, schema, ep); err != nil {
			return nil, "", err
		}
	}
	return out, next, nil
}

func (s *PGEndpointStore) Update(ctx context.Context, schema string, ep *Endpoint) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	headers, _ := json.Marshal(ep.CustomHeaders)
	policy, _ := json.Marshal(ep.Retry)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "begin update endpoint")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.endpoints
		SET name = $2, url = $3, method = $4, secret = $5, signature_header = $6,
		    custom_headers = $7::jsonb, timeout_ms = $8, retry_policy = $9::jsonb,
		    is_active = $10, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, schema),
		ep.ID, ep.Name, ep.URL, ep.Method, ep.Secret, ep.SignatureHeader,
		headers, ep.Timeout.Milliseconds(), policy, ep.Active,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.Wrap(errs.KindConflict, err, "endpoint name %q already exists", ep.Name)
		}
		return errs.Wrap(errs.KindStorageUnavailable, err, "update endpoint")
	}
	if ct.RowsAffected() == 0 {
		return errs.E(errs.KindNotFound, "endpoint %s not found", ep.ID)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.subscriptions WHERE endpoint_id = $1`, schema), ep.ID); err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "replace subscriptions")
	}
	if err := insertSubscriptions(ctx, tx, schema, ep.ID, ep.Subscriptions); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "commit update endpoint")
	}
	return nil
}

func (s *PGEndpointStore) SoftDelete(ctx context.Context, schema string, id uuid.UUID) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.endpoints SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, schema), id)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "delete endpoint")
	}
	if ct.RowsAffected() == 0 {
		return errs.E(errs.KindNotFound, "endpoint %s not found", id)
	}
	return nil
}

func (s *PGEndpointStore) Rules(ctx context.Context, schema string) ([]matcher.Rule, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT sub.id, sub.endpoint_id, sub.pattern, sub.filter, sub.priority
		FROM %[1]s.subscriptions sub
		JOIN %[1]s.endpoints ep ON ep.id = sub.endpoint_id
		WHERE sub.is_active
		  AND ep.is_active
		  AND ep.deleted_at IS NULL
		  AND ep.health <> 'disabled'`, schema))
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "load rules")
	}
	defer rows.Close()

	var out []matcher.Rule
	for rows.Next() {
		var (
			r      matcher.Rule
			filter []byte
		)
		if err := rows.Scan(&r.SubscriptionID, &r.EndpointID, &r.Pattern, &filter, &r.Priority); err != nil {
			return nil, errs.Wrap(errs.KindStorageUnavailable, err, "scan rule")
		}
		if len(filter) > 0 {
			var f matcher.Filter
			if err := json.Unmarshal(filter, &f); err == nil {
				r.Filter = &f
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, err, "rules rows")
	}
	return out, nil
}

func (s *PGEndpointStore) RecordSuccess(ctx context.Context, schema string, id uuid.UUID) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	// A disabled endpoint stays disabled until an operator re-enables it.
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.endpoints
		SET consecutive_failures = 0,
		    health = CASE WHEN health = 'degraded' THEN 'healthy' ELSE health END,
		    updated_at = now()
		WHERE id = $1`, schema), id)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "record success")
	}
	return nil
}

func (s *PGEndpointStore) RecordFailure(ctx context.Context, schema string, id uuid.UUID) (Health, error) {
	if err := event.ValidateSchema(schema); err != nil {
		return "", err
	}
	var (
		health   string
		failures uint32
	)
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s.endpoints
		SET consecutive_failures = consecutive_failures + 1, updated_at = now()
		WHERE id = $1
		RETURNING health, consecutive_failures`, schema), id).Scan(&health, &failures)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.E(errs.KindNotFound, "endpoint %s not found", id)
		}
		return "", errs.Wrap(errs.KindStorageUnavailable, err, "record failure")
	}
	next := nextHealth(Health(health), failures)
	if next != Health(health) {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE %s.endpoints SET health = $2, updated_at = now() WHERE id = $1`, schema),
			id, next); err != nil {
			return "", errs.Wrap(errs.KindStorageUnavailable, err, "update health")
		}
	}
	return next, nil
}

func (s *PGEndpointStore) SetHealth(ctx context.Context, schema string, id uuid.UUID, h Health) error {
	if err := event.ValidateSchema(schema); err != nil {
		return err
	}
	reset := ""
	if h == HealthHealthy {
		reset = ", consecutive_failures = 0"
	}
	ct, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.endpoints SET health = $2, updated_at = now()%s WHERE id = $1`, schema, reset), id, h)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, err, "set health")
	}
	if ct.RowsAffected() == 0 {
		return errs.E(errs.KindNotFound, "endpoint %s not found", id)
	}
	return nil
}

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var (
		ep        Endpoint
		headers   []byte
		policy    []byte
		timeoutMS int64
		health    string
	)
	if err := row.Scan(&ep.ID, &ep.Name, &ep.URL, &ep.Method, &ep.Secret, &ep.SignatureHeader,
		&headers, &timeoutMS, &policy, &health, &ep.ConsecutiveFailures, &ep.Active,
		&ep.CreatedBy, &ep.CreatedAt, &ep.UpdatedAt, &ep.DeletedAt,
	); err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &ep.CustomHeaders)
	}
	if len(policy) > 0 {
		_ = json.Unmarshal(policy, &ep.Retry)
	}
	ep.Timeout = time.Duration(timeoutMS) * time.Millisecond
	ep.Health = Health(health)
	return &ep, nil
}
