// Package metrics defines the engine's Prometheus collectors and the
// record helpers the pipeline calls.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_dispatches_total",
			Help: "Deliveries created by event type and action.",
		},
		[]string{"event_type", "action"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Finished delivery attempts by outcome and event type.",
		},
		[]string{"status", "event_type"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_retries_total",
			Help: "Scheduled retries by failure reason.",
		},
		[]string{"reason"}, // e.g. server_error, connection_timeout
	)

	PayloadBuildFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_payload_build_failures_total",
			Help: "Payloads that could not be built, by event type.",
		},
		[]string{"event_type"},
	)

	DeliveryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Wall-clock duration of one delivery attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	DueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_due_backlog",
			Help: "Deliveries currently due and unclaimed.",
		},
	)

	PurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_purged_total",
			Help: "Terminal deliveries deleted by retention purge.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		DispatchesTotal,
		DeliveriesTotal,
		RetriesTotal,
		PayloadBuildFailuresTotal,
		DeliveryDurationSeconds,
		DueBacklog,
		PurgedTotal,
	)
}

func RecordDispatch(eventType, action string) {
	DispatchesTotal.WithLabelValues(eventType, action).Inc()
}

func RecordDelivery(status, eventType string) {
	DeliveriesTotal.WithLabelValues(status, eventType).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordPayloadBuildFailure(eventType string) {
	PayloadBuildFailuresTotal.WithLabelValues(eventType).Inc()
}

func ObserveDeliveryDuration(seconds float64) {
	DeliveryDurationSeconds.Observe(seconds)
}

func SetDueBacklog(n int64) {
	DueBacklog.Set(float64(n))
}

func RecordPurged(n int64) {
	PurgedTotal.Add(float64(n))
}
