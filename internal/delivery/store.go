package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a delivery id does not resolve.
var ErrNotFound = errors.New("delivery not found")

// Store persists deliveries in the webhook_deliveries table.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const deliveryColumns = `id, endpoint_id, event_id, event_type, action, payload,
	status, attempt_count, http_status, error_code, response_body_excerpt,
	duration_ms, scheduled_at, delivered_at, locked_by, locked_at,
	retry_policy_snapshot, is_test, created_at, updated_at`

func (s *Store) Create(ctx context.Context, d *Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	if !ValidStatus(d.Status) {
		return fmt.Errorf("invalid delivery status: %q", d.Status)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries
			(id, endpoint_id, event_id, event_type, action, payload, status,
			 attempt_count, retry_policy_snapshot, is_test, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now(), now())`,
		d.ID, d.EndpointID, d.EventID, d.EventType, d.Action, d.Payload,
		d.Status, d.AttemptCount, d.RetrySnapshot, d.IsTest)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Delivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id=$1`, id)
	return scanDelivery(row)
}

// Claim atomically transitions an unclaimed pending/failed delivery to
// delivering, stamping the worker token. A false return means another
// worker won the race (or the record is not claimable); the caller must
// not send. This conditional update is the sole guard against duplicate
// concurrent sends.
func (s *Store) Claim(ctx context.Context, id, token string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status=$3, locked_by=$2, locked_at=now(), updated_at=now()
		WHERE id=$1 AND status IN ($4, $5) AND locked_by IS NULL`,
		id, token, StatusDelivering, StatusPending, StatusFailed)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// Unclaim releases a claim without recording an attempt, returning the
// record to pending. Used when the claim turns out to be unactionable
// (endpoint gone) before any network call.
func (s *Store) Unclaim(ctx context.Context, id, token string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status=$3, locked_by=NULL, locked_at=NULL, updated_at=now()
		WHERE id=$1 AND locked_by=$2`,
		id, token, StatusPending)
	return err
}

// MarkSuccess finalizes a delivered attempt and releases the claim.
func (s *Store) MarkSuccess(ctx context.Context, id, token string, httpStatus int, excerpt string, durationMS int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status=$3, http_status=$4, error_code=NULL, response_body_excerpt=$5,
		    duration_ms=$6, attempt_count=attempt_count+1, delivered_at=now(),
		    locked_by=NULL, locked_at=NULL, updated_at=now()
		WHERE id=$1 AND locked_by=$2`,
		id, token, StatusSuccess, httpStatus, excerpt, durationMS)
	return err
}

// MarkRetry records a failed attempt that will be retried: status back
// to pending with the next schedule, attempt count incremented, claim
// released.
func (s *Store) MarkRetry(ctx context.Context, id, token string, httpStatus *int, errorCode, excerpt string, durationMS int64, scheduledAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status=$3, http_status=$4, error_code=$5, response_body_excerpt=$6,
		    duration_ms=$7, attempt_count=attempt_count+1, scheduled_at=$8,
		    locked_by=NULL, locked_at=NULL, updated_at=now()
		WHERE id=$1 AND locked_by=$2`,
		id, token, StatusPending, httpStatus, errorCode, excerpt, durationMS, scheduledAt)
	return err
}

// MarkFailed records a terminal failure and releases the claim.
func (s *Store) MarkFailed(ctx context.Context, id, token string, errorCode string, httpStatus *int, excerpt string, durationMS int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status=$3, error_code=$4, http_status=$5, response_body_excerpt=$6,
		    duration_ms=$7, attempt_count=attempt_count+1,
		    locked_by=NULL, locked_at=NULL, updated_at=now()
		WHERE id=$1 AND locked_by=$2`,
		id, token, StatusFailed, errorCode, httpStatus, excerpt, durationMS)
	return err
}

// MarkDead promotes a terminally failed delivery to dead.
func (s *Store) MarkDead(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET status=$2, updated_at=now() WHERE id=$1`,
		id, StatusDead)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetForReplay returns a delivery, whatever its status, to a clean
// pending state: attempt history zeroed, error fields, schedule and
// lock cleared.
func (s *Store) ResetForReplay(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status=$2, attempt_count=0, error_code=NULL, http_status=NULL,
		    delivered_at=NULL, response_body_excerpt=NULL, duration_ms=NULL,
		    scheduled_at=NULL, locked_by=NULL, locked_at=NULL, updated_at=now()
		WHERE id=$1`,
		id, StatusPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PickDue returns up to limit deliveries ready for processing: pending,
// or failed but still retry-eligible under their snapshot, unclaimed,
// with no schedule or an elapsed one.
func (s *Store) PickDue(ctx context.Context, limit int) ([]*Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE locked_by IS NULL
		  AND (scheduled_at IS NULL OR scheduled_at <= now())
		  AND (status = $1
		       OR (status = $2
		           AND attempt_count < COALESCE((retry_policy_snapshot->>'max_attempts')::int, 5)))
		ORDER BY created_at
		LIMIT $3`,
		StatusPending, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// CountDue reports the current due backlog for the runner gauge.
func (s *Store) CountDue(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_deliveries
		WHERE locked_by IS NULL
		  AND (scheduled_at IS NULL OR scheduled_at <= now())
		  AND status = $1`, StatusPending).Scan(&n)
	return n, err
}

// Purge deletes terminal deliveries past their retention windows:
// success before successBefore, failed/dead before failedBefore.
// Non-terminal records are never touched.
func (s *Store) Purge(ctx context.Context, successBefore, failedBefore time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_deliveries
		WHERE (status = $1 AND created_at < $2)
		   OR (status IN ($3, $4) AND created_at < $5)`,
		StatusSuccess, successBefore, StatusFailed, StatusDead, failedBefore)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ListFilter narrows List results; zero values mean no filter.
type ListFilter struct {
	EndpointID string
	EventType  string
	Status     string
	EventID    string
	Limit      int
}

// List returns recent deliveries, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Delivery, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(cond, val string) {
		if val != "" {
			args = append(args, val)
			where = append(where, fmt.Sprintf(cond, len(args)))
		}
	}
	add("endpoint_id = $%d", f.EndpointID)
	add("event_type = $%d", f.EventType)
	add("status = $%d", f.Status)
	add("event_id = $%d", f.EventID)

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	q := fmt.Sprintf(`SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Delivery, error) {
	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var (
		d       Delivery
		excerpt *string
	)
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.EventType, &d.Action,
		&d.Payload, &d.Status, &d.AttemptCount, &d.HTTPStatus, &d.ErrorCode,
		&excerpt, &d.DurationMS, &d.ScheduledAt, &d.DeliveredAt,
		&d.LockedBy, &d.LockedAt, &d.RetrySnapshot, &d.IsTest,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if excerpt != nil {
		d.ResponseExcerpt = *excerpt
	}
	return &d, nil
}
