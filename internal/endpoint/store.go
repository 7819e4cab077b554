package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/retrypolicy"
)

// ErrNotFound is returned when an endpoint id does not resolve.
var ErrNotFound = errors.New("endpoint not found")

// Store persists endpoints in the webhook_endpoints table.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const endpointColumns = `id, name, url, enabled, payload_mode, webhook_user_id,
	timeout_seconds, ssl_verify, events_config, project_ids, retry_config,
	custom_headers, created_at, updated_at`

// Create validates and inserts a new endpoint. The acting user, if set,
// must reference an active identity.
func (s *Store) Create(ctx context.Context, e *Endpoint) error {
	if e.PayloadMode == "" {
		e.PayloadMode = PayloadModeMinimal
	}
	if e.Timeout <= 0 {
		e.Timeout = DefaultTimeout
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if err := s.checkActingUser(ctx, e.WebhookUserID); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_endpoints
			(id, name, url, enabled, payload_mode, webhook_user_id, timeout_seconds,
			 ssl_verify, events_config, project_ids, retry_config, custom_headers,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now(), now())`,
		e.ID, e.Name, e.URL, e.Enabled, e.PayloadMode, e.WebhookUserID,
		int64(e.Timeout/time.Second), e.SSLVerify,
		mustJSON(e.Events), mustJSON(e.ProjectIDs), e.Retry.Snapshot(),
		mustJSON(e.CustomHeaders))
	return err
}

// Update persists configuration changes. Retry edits never affect
// deliveries already created; those keep their snapshot.
func (s *Store) Update(ctx context.Context, e *Endpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := s.checkActingUser(ctx, e.WebhookUserID); err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoints
		SET name=$2, url=$3, enabled=$4, payload_mode=$5, webhook_user_id=$6,
		    timeout_seconds=$7, ssl_verify=$8, events_config=$9, project_ids=$10,
		    retry_config=$11, custom_headers=$12, updated_at=now()
		WHERE id=$1`,
		e.ID, e.Name, e.URL, e.Enabled, e.PayloadMode, e.WebhookUserID,
		int64(e.Timeout/time.Second), e.SSLVerify,
		mustJSON(e.Events), mustJSON(e.ProjectIDs), e.Retry.Snapshot(),
		mustJSON(e.CustomHeaders))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Endpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id=$1`, id)
	return scanEndpoint(row)
}

func (s *Store) List(ctx context.Context) ([]*Endpoint, error) {
	return s.list(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints ORDER BY name`)
}

// ListEnabled returns the endpoints considered by the dispatcher.
func (s *Store) ListEnabled(ctx context.Context) ([]*Endpoint, error) {
	return s.list(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE enabled ORDER BY name`)
}

func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE webhook_endpoints SET enabled=$2, updated_at=now() WHERE id=$1`, id, enabled)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the endpoint and, in the same transaction, detaches
// its deliveries and marks them endpoint_deleted so workers abandon
// them without a network call.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status='endpoint_deleted', endpoint_id=NULL, updated_at=now()
		WHERE endpoint_id=$1`, id); err != nil {
		return err
	}
	ct, err := tx.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *Store) list(ctx context.Context, query string) ([]*Endpoint, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	var (
		e              Endpoint
		timeoutSeconds int64
		eventsRaw      []byte
		projectsRaw    []byte
		retryRaw       []byte
		headersRaw     []byte
	)
	err := row.Scan(&e.ID, &e.Name, &e.URL, &e.Enabled, &e.PayloadMode,
		&e.WebhookUserID, &timeoutSeconds, &e.SSLVerify,
		&eventsRaw, &projectsRaw, &retryRaw, &headersRaw,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Timeout = time.Duration(timeoutSeconds) * time.Second
	if e.Timeout <= 0 {
		e.Timeout = DefaultTimeout
	}
	e.Events = eventsFromJSON(eventsRaw)
	e.ProjectIDs = projectIDsFromJSON(projectsRaw)
	e.Retry = retrypolicy.FromSnapshot(retryRaw)
	e.CustomHeaders = headersFromJSON(headersRaw)
	return &e, nil
}

// checkActingUser enforces the invariant that a configured acting user
// references an active identity.
func (s *Store) checkActingUser(ctx context.Context, userID *int64) error {
	if userID == nil {
		return nil
	}
	var active bool
	err := s.pool.QueryRow(ctx,
		`SELECT status = 1 FROM users WHERE id=$1`, *userID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("webhook user %d not found", *userID)
	}
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("webhook user %d is not active", *userID)
	}
	return nil
}
