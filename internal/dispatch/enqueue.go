package dispatch

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/tracing"
)

// Enqueuer hands a delivery task to the execution trigger.
type Enqueuer interface {
	Enqueue(ctx context.Context, task delivery.Task) error
}

// NSQEnqueuer publishes delivery tasks to the deliveries topic.
type NSQEnqueuer struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQEnqueuer(producer *nsq.Producer, topic string) *NSQEnqueuer {
	return &NSQEnqueuer{producer: producer, topic: topic}
}

func (e *NSQEnqueuer) Enqueue(ctx context.Context, task delivery.Task) error {
	task.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return e.producer.Publish(e.topic, body)
}
