// Package sender executes one delivery attempt end to end: claim the
// record, resolve endpoint and credentials, perform the HTTP POST, and
// record the outcome under the delivery's retry policy snapshot.
package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/httpclient"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/metrics"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/retrypolicy"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/tracing"
)

// ErrCodeUserInactive marks attempts refused because the acting user is
// deactivated or gone. Never retried: the condition will not clear on
// its own.
const ErrCodeUserInactive = "user_inactive"

// DeliveryStore is the slice of the delivery store the sender needs.
type DeliveryStore interface {
	Claim(ctx context.Context, id, token string) (bool, error)
	Unclaim(ctx context.Context, id, token string) error
	MarkSuccess(ctx context.Context, id, token string, httpStatus int, excerpt string, durationMS int64) error
	MarkRetry(ctx context.Context, id, token string, httpStatus *int, errorCode, excerpt string, durationMS int64, scheduledAt time.Time) error
	MarkFailed(ctx context.Context, id, token string, errorCode string, httpStatus *int, excerpt string, durationMS int64) error
}

// EndpointGetter resolves the endpoint a delivery targets.
type EndpointGetter interface {
	Get(ctx context.Context, id string) (*endpoint.Endpoint, error)
}

// Poster performs the HTTP POST for one attempt.
type Poster interface {
	Post(ctx context.Context, url string, payload []byte, headers map[string]string) httpclient.Result
}

// PosterFactory builds a Poster for one endpoint's timeout and TLS
// settings. Connection config is per-endpoint, so clients are built per
// attempt rather than shared.
type PosterFactory func(timeout time.Duration, sslVerify bool) Poster

// Sender processes claimed deliveries. One Sender is shared by all
// worker goroutines; per-attempt state lives on the stack.
type Sender struct {
	deliveries  DeliveryStore
	endpoints   EndpointGetter
	credentials CredentialResolver
	pause       settings.PauseChecker
	newPoster   PosterFactory
	userAgent   string
	workerID    string
	log         *logging.Logger

	now    func() time.Time
	jitter func() float64
}

func New(deliveries DeliveryStore, endpoints EndpointGetter, credentials CredentialResolver,
	pause settings.PauseChecker, workerID string, log *logging.Logger) *Sender {
	return &Sender{
		deliveries:  deliveries,
		endpoints:   endpoints,
		credentials: credentials,
		pause:       pause,
		newPoster: func(timeout time.Duration, sslVerify bool) Poster {
			return httpclient.New(timeout, sslVerify)
		},
		workerID: workerID,
		log:      log,
		now:      time.Now,
		jitter:   retrypolicy.Jitter,
	}
}

// WithPosterFactory overrides how HTTP clients are built. Used by tests
// to substitute a fake transport.
func (s *Sender) WithPosterFactory(f PosterFactory) *Sender {
	s.newPoster = f
	return s
}

// WithUserAgent overrides the default outbound User-Agent.
func (s *Sender) WithUserAgent(ua string) *Sender {
	s.userAgent = ua
	return s
}

// WithClock pins the clock and jitter source for deterministic tests.
func (s *Sender) WithClock(now func() time.Time, jitter func() float64) *Sender {
	s.now = now
	s.jitter = jitter
	return s
}

// Send processes one delivery attempt. Skips silently when processing
// is paused, the record is not claimable, or another worker holds the
// claim. Returns an error only for infrastructure failures (storage);
// endpoint HTTP failures are recorded on the delivery, not returned.
func (s *Sender) Send(ctx context.Context, del *delivery.Delivery) error {
	ctx, span := tracing.StartSpan(ctx, "sender.send",
		attribute.String("delivery_id", del.ID),
		attribute.String("event_id", del.EventID),
		attribute.Int("attempt", del.AttemptCount),
	)
	defer span.End()

	log := s.log.WithContext(ctx).WithDelivery(del.ID).WithEvent(del.EventID)

	if s.pause.Paused(ctx) {
		tracing.AddSpanEvent(ctx, "sender.paused")
		log.Info("deliveries paused, skipping")
		return nil
	}
	if !del.CanRetry() {
		log.WithField("status", del.Status).Info("delivery not claimable, skipping")
		return nil
	}

	claimed, err := s.deliveries.Claim(ctx, del.ID, s.workerID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("claim delivery %s: %w", del.ID, err)
	}
	if !claimed {
		log.Info("delivery claimed elsewhere, skipping")
		return nil
	}

	ep, err := s.resolveEndpoint(ctx, del)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	if ep == nil {
		// Endpoint gone between dispatch and processing. Release the
		// claim untouched; the endpoint delete path marks the record.
		if err := s.deliveries.Unclaim(ctx, del.ID, s.workerID); err != nil {
			return fmt.Errorf("unclaim delivery %s: %w", del.ID, err)
		}
		log.Info("endpoint missing, delivery unclaimed")
		return nil
	}
	log = log.WithEndpoint(ep.ID)

	apiKey, failCode, err := s.resolveCredential(ctx, ep)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("resolve credential: %w", err)
	}
	if failCode != "" {
		if err := s.deliveries.MarkFailed(ctx, del.ID, s.workerID, failCode, nil, "", 0); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		metrics.RecordDelivery(delivery.StatusFailed, del.EventType)
		log.WithField("error_code", failCode).Warn("delivery failed before send")
		return nil
	}

	headers := BuildHeaders(HeaderParams{
		EventID:    del.EventID,
		EventType:  del.EventType,
		Action:     del.Action,
		APIKey:     apiKey,
		DeliveryID: del.ID,
		UserAgent:  s.userAgent,
		Custom:     ep.CustomHeaders,
	})

	poster := s.newPoster(ep.Timeout, ep.SSLVerify)
	result := poster.Post(ctx, ep.URL, del.Payload, headers)
	metrics.ObserveDeliveryDuration(float64(result.DurationMS) / 1000)

	if result.Success {
		if err := s.deliveries.MarkSuccess(ctx, del.ID, s.workerID,
			result.HTTPStatus, result.ResponseBody, result.DurationMS); err != nil {
			return fmt.Errorf("mark success: %w", err)
		}
		metrics.RecordDelivery(delivery.StatusSuccess, del.EventType)
		log.WithField("http_status", result.HTTPStatus).
			WithField("duration_ms", result.DurationMS).
			Info("delivery succeeded")
		return nil
	}

	return s.recordFailure(ctx, log, del, ep, result)
}

// recordFailure applies the delivery's snapshot policy to a failed
// attempt: schedule a retry or finalize as failed.
func (s *Sender) recordFailure(ctx context.Context, log *logging.LogEntry,
	del *delivery.Delivery, ep *endpoint.Endpoint, result httpclient.Result) error {

	var httpStatus *int
	if result.HTTPStatus != 0 {
		st := result.HTTPStatus
		httpStatus = &st
	}

	policy := del.Policy()
	// The attempt being recorded counts toward the cap.
	if policy.ShouldRetry(del.AttemptCount+1, result.HTTPStatus, result.ErrorCode, ep.SSLVerify) {
		next := policy.NextRetryAt(del.AttemptCount, s.now(), s.jitter())
		if err := s.deliveries.MarkRetry(ctx, del.ID, s.workerID, httpStatus,
			result.ErrorCode, result.ResponseBody, result.DurationMS, next); err != nil {
			return fmt.Errorf("mark retry: %w", err)
		}
		metrics.RecordRetry(result.ErrorCode)
		log.WithField("error_code", result.ErrorCode).
			WithField("next_attempt_at", next.UTC().Format(time.RFC3339)).
			Warn("delivery attempt failed, retry scheduled")
		return nil
	}

	if err := s.deliveries.MarkFailed(ctx, del.ID, s.workerID,
		result.ErrorCode, httpStatus, result.ResponseBody, result.DurationMS); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	metrics.RecordDelivery(delivery.StatusFailed, del.EventType)
	log.WithField("error_code", result.ErrorCode).
		WithField("attempt", del.AttemptCount+1).
		Error("delivery failed terminally")
	return nil
}

// resolveEndpoint returns nil, nil when the endpoint no longer exists.
func (s *Sender) resolveEndpoint(ctx context.Context, del *delivery.Delivery) (*endpoint.Endpoint, error) {
	if del.EndpointID == nil {
		return nil, nil
	}
	ep, err := s.endpoints.Get(ctx, *del.EndpointID)
	if errors.Is(err, endpoint.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint %s: %w", *del.EndpointID, err)
	}
	return ep, nil
}

// resolveCredential returns the api key to attach, or a terminal error
// code when the acting user cannot be used. Endpoints without an acting
// user send unauthenticated.
func (s *Sender) resolveCredential(ctx context.Context, ep *endpoint.Endpoint) (apiKey, failCode string, err error) {
	if ep.WebhookUserID == nil {
		return "", "", nil
	}
	cred, err := s.credentials.Resolve(ctx, *ep.WebhookUserID)
	if err != nil {
		return "", "", err
	}
	if !cred.Active {
		return "", ErrCodeUserInactive, nil
	}
	return cred.APIKey, "", nil
}
