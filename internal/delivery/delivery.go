// Package delivery holds the persisted delivery record, its state
// machine, and the queue task that triggers processing of one record.
package delivery

import (
	"time"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/retrypolicy"
)

// Delivery statuses. pending -> delivering -> success | pending
// (rescheduled) | failed; failed may be promoted to dead externally;
// endpoint_deleted is set in bulk when the endpoint is removed.
const (
	StatusPending         = "pending"
	StatusDelivering      = "delivering"
	StatusSuccess         = "success"
	StatusFailed          = "failed"
	StatusDead            = "dead"
	StatusEndpointDeleted = "endpoint_deleted"
)

var Statuses = []string{
	StatusPending, StatusDelivering, StatusSuccess,
	StatusFailed, StatusDead, StatusEndpointDeleted,
}

func ValidStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Delivery is one pending-or-attempted transmission of an event payload
// to one endpoint; the unit of retry and state tracking.
type Delivery struct {
	ID              string
	EndpointID      *string // nil once the endpoint is deleted
	EventID         string  // idempotency token
	EventType       string
	Action          string
	Payload         []byte
	Status          string
	AttemptCount    int
	HTTPStatus      *int
	ErrorCode       *string
	ResponseExcerpt string
	DurationMS      *int64
	ScheduledAt     *time.Time // nil or past means due now
	DeliveredAt     *time.Time
	LockedBy        *string
	LockedAt        *time.Time
	RetrySnapshot   []byte // endpoint retry config at creation time
	IsTest          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CanRetry reports whether the record is in a claimable state.
func (d *Delivery) CanRetry() bool {
	return d.Status == StatusPending || d.Status == StatusFailed
}

// Policy returns the retry policy snapshot taken at creation time.
// Retry decisions always use this, never the live endpoint config.
func (d *Delivery) Policy() retrypolicy.Policy {
	return retrypolicy.FromSnapshot(d.RetrySnapshot)
}

// Task is the NSQ message that triggers processing of one delivery in
// queue execution mode. The payload stays on the record; the task is
// only a pointer to it.
type Task struct {
	DeliveryID   string            `json:"delivery_id"`
	EventID      string            `json:"event_id"`
	EndpointID   string            `json:"endpoint_id"`
	EventType    string            `json:"event_type"`
	Action       string            `json:"action"`
	Attempt      int               `json:"attempt"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}
