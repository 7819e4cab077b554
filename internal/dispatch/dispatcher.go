// Package dispatch fans an incoming event out to every matching enabled
// endpoint, building the endpoint-specific payload and persisting one
// pending delivery per match.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/event"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/metrics"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/tracing"
)

// EndpointLister supplies the endpoints considered for matching.
type EndpointLister interface {
	ListEnabled(ctx context.Context) ([]*endpoint.Endpoint, error)
}

// DeliveryCreator persists new delivery records.
type DeliveryCreator interface {
	Create(ctx context.Context, d *delivery.Delivery) error
}

// PayloadBuilder builds the serialized payload for one endpoint's mode.
type PayloadBuilder interface {
	Build(ctx context.Context, ev *event.Event, mode string) ([]byte, error)
}

// Dispatcher matches events against endpoints and creates deliveries.
type Dispatcher struct {
	endpoints  EndpointLister
	deliveries DeliveryCreator
	builder    PayloadBuilder
	pause      settings.PauseChecker
	mode       ModeResolver
	enqueuer   Enqueuer
	log        *logging.Logger
}

func New(endpoints EndpointLister, deliveries DeliveryCreator, builder PayloadBuilder,
	pause settings.PauseChecker, mode ModeResolver, enqueuer Enqueuer, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints:  endpoints,
		deliveries: deliveries,
		builder:    builder,
		pause:      pause,
		mode:       mode,
		enqueuer:   enqueuer,
		log:        log,
	}
}

// Dispatch creates one pending delivery per matching enabled endpoint
// and returns the created records. When globally paused it returns
// immediately with no records and no side effects. A payload build
// failure for one endpoint skips that endpoint only.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) ([]*delivery.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.event",
		attribute.String("event_id", ev.EventID),
		attribute.String("event_type", ev.EventType),
		attribute.String("action", ev.Action),
	)
	defer span.End()

	if d.pause.Paused(ctx) {
		tracing.AddSpanEvent(ctx, "dispatch.paused")
		return []*delivery.Delivery{}, nil
	}

	endpoints, err := d.endpoints.ListEnabled(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	var created []*delivery.Delivery
	for _, ep := range endpoints {
		if !ep.MatchesEvent(ev.EventType, ev.Action, ev.ProjectID) {
			continue
		}

		// Payloads are built per matched endpoint: modes may differ.
		payload, err := d.builder.Build(ctx, ev, ep.PayloadMode)
		if err != nil {
			d.log.WithContext(ctx).WithEvent(ev.EventID).WithEndpoint(ep.ID).
				WithError(err).Error("payload build failed")
			metrics.RecordPayloadBuildFailure(ev.EventType)
			continue
		}

		epID := ep.ID
		del := &delivery.Delivery{
			EndpointID:    &epID,
			EventID:       ev.EventID,
			EventType:     ev.EventType,
			Action:        ev.Action,
			Payload:       payload,
			Status:        delivery.StatusPending,
			RetrySnapshot: ep.Retry.Snapshot(),
		}
		if err := d.deliveries.Create(ctx, del); err != nil {
			tracing.SetSpanError(ctx, err)
			return created, fmt.Errorf("create delivery: %w", err)
		}
		created = append(created, del)
		metrics.RecordDispatch(ev.EventType, ev.Action)
	}

	span.SetAttributes(attribute.Int("deliveries_created", len(created)))

	if len(created) > 0 && d.mode.Mode(ctx) == ModeQueue && d.enqueuer != nil {
		for _, del := range created {
			task := delivery.Task{
				DeliveryID:  del.ID,
				EventID:     del.EventID,
				EndpointID:  deref(del.EndpointID),
				EventType:   del.EventType,
				Action:      del.Action,
				Attempt:     0,
				PublishedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if err := d.enqueuer.Enqueue(ctx, task); err != nil {
				// The record stays pending; the batch picker will find it.
				d.log.WithContext(ctx).WithDelivery(del.ID).WithError(err).
					Warn("enqueue failed, left for batch pickup")
			}
		}
	}

	return created, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
