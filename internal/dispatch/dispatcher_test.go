package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/event"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/retrypolicy"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
)

type fakeEndpoints struct {
	endpoints []*endpoint.Endpoint
	err       error
}

func (f *fakeEndpoints) ListEnabled(context.Context) ([]*endpoint.Endpoint, error) {
	return f.endpoints, f.err
}

type fakeDeliveries struct {
	created []*delivery.Delivery
	err     error
}

func (f *fakeDeliveries) Create(_ context.Context, d *delivery.Delivery) error {
	if f.err != nil {
		return f.err
	}
	d.ID = "del-" + d.EventID
	f.created = append(f.created, d)
	return nil
}

type fakeBuilder struct {
	failFor map[string]bool // payload mode -> fail
	builds  int
}

func (f *fakeBuilder) Build(_ context.Context, ev *event.Event, mode string) ([]byte, error) {
	f.builds++
	if f.failFor[mode] {
		return nil, errors.New("build exploded")
	}
	return []byte(`{"mode":"` + mode + `"}`), nil
}

type fakeEnqueuer struct {
	tasks []delivery.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, task delivery.Task) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func matchAll() endpoint.EventFilter {
	return endpoint.EventFilter{
		"issue":      {"created": true, "updated": true, "deleted": true},
		"time_entry": {"created": true, "updated": true, "deleted": true},
	}
}

func testEndpoint(id string) *endpoint.Endpoint {
	return &endpoint.Endpoint{
		ID:          id,
		Name:        id,
		URL:         "https://example.com/" + id,
		Enabled:     true,
		PayloadMode: endpoint.PayloadModeMinimal,
		Events:      matchAll(),
		Retry:       retrypolicy.Default(),
	}
}

func testEvent() *event.Event {
	return &event.Event{
		EventID:   "evt-1",
		EventType: event.TypeIssue,
		Action:    event.ActionCreated,
		ProjectID: 3,
	}
}

func newTestDispatcher(eps *fakeEndpoints, dels *fakeDeliveries, builder *fakeBuilder,
	pause settings.PauseChecker, mode ModeResolver, enq Enqueuer) *Dispatcher {
	return New(eps, dels, builder, pause, mode, enq, logging.New("test"))
}

func TestDispatchPausedIsNoOp(t *testing.T) {
	dels := &fakeDeliveries{}
	builder := &fakeBuilder{}
	d := newTestDispatcher(
		&fakeEndpoints{endpoints: []*endpoint.Endpoint{testEndpoint("ep-1")}},
		dels, builder, settings.StaticPause(true), StaticMode(ModeBatch), nil)

	created, err := d.Dispatch(context.Background(), testEvent())

	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, dels.created, "paused dispatch must not create deliveries")
	assert.Zero(t, builder.builds, "paused dispatch must not build payloads")
}

func TestDispatchCreatesOneDeliveryPerMatch(t *testing.T) {
	epYes1 := testEndpoint("ep-1")
	epYes2 := testEndpoint("ep-2")
	epWrongAction := testEndpoint("ep-3")
	epWrongAction.Events = endpoint.EventFilter{"issue": {"deleted": true}}
	epWrongProject := testEndpoint("ep-4")
	epWrongProject.ProjectIDs = []int64{99}

	dels := &fakeDeliveries{}
	d := newTestDispatcher(
		&fakeEndpoints{endpoints: []*endpoint.Endpoint{epYes1, epYes2, epWrongAction, epWrongProject}},
		dels, &fakeBuilder{}, settings.StaticPause(false), StaticMode(ModeBatch), nil)

	created, err := d.Dispatch(context.Background(), testEvent())

	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "ep-1", *created[0].EndpointID)
	assert.Equal(t, "ep-2", *created[1].EndpointID)
	for _, del := range created {
		assert.Equal(t, delivery.StatusPending, del.Status)
		assert.Equal(t, "evt-1", del.EventID)
		assert.NotEmpty(t, del.Payload)
		assert.NotEmpty(t, del.RetrySnapshot)
	}
}

func TestDispatchSnapshotCapturesPolicyAtCreation(t *testing.T) {
	ep := testEndpoint("ep-1")
	ep.Retry = retrypolicy.Policy{
		MaxAttempts:       2,
		BaseDelay:         5 * time.Second,
		MaxDelay:          10 * time.Second,
		RetryableStatuses: []int{503},
	}

	dels := &fakeDeliveries{}
	d := newTestDispatcher(&fakeEndpoints{endpoints: []*endpoint.Endpoint{ep}},
		dels, &fakeBuilder{}, settings.StaticPause(false), StaticMode(ModeBatch), nil)

	created, err := d.Dispatch(context.Background(), testEvent())
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Mutating the endpoint afterwards must not affect the snapshot.
	ep.Retry.MaxAttempts = 50

	p := created[0].Policy()
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 5*time.Second, p.BaseDelay)
}

func TestDispatchPayloadFailureSkipsEndpointOnly(t *testing.T) {
	epFull := testEndpoint("ep-full")
	epFull.PayloadMode = endpoint.PayloadModeFull
	epMinimal := testEndpoint("ep-min")

	dels := &fakeDeliveries{}
	builder := &fakeBuilder{failFor: map[string]bool{endpoint.PayloadModeFull: true}}
	d := newTestDispatcher(&fakeEndpoints{endpoints: []*endpoint.Endpoint{epFull, epMinimal}},
		dels, builder, settings.StaticPause(false), StaticMode(ModeBatch), nil)

	created, err := d.Dispatch(context.Background(), testEvent())

	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "ep-min", *created[0].EndpointID)
}

func TestDispatchQueueModeEnqueuesTasks(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := newTestDispatcher(
		&fakeEndpoints{endpoints: []*endpoint.Endpoint{testEndpoint("ep-1")}},
		&fakeDeliveries{}, &fakeBuilder{}, settings.StaticPause(false), StaticMode(ModeQueue), enq)

	created, err := d.Dispatch(context.Background(), testEvent())

	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, created[0].ID, enq.tasks[0].DeliveryID)
	assert.Equal(t, "ep-1", enq.tasks[0].EndpointID)
}

func TestDispatchBatchModeDoesNotEnqueue(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := newTestDispatcher(
		&fakeEndpoints{endpoints: []*endpoint.Endpoint{testEndpoint("ep-1")}},
		&fakeDeliveries{}, &fakeBuilder{}, settings.StaticPause(false), StaticMode(ModeBatch), enq)

	_, err := d.Dispatch(context.Background(), testEvent())

	require.NoError(t, err)
	assert.Empty(t, enq.tasks)
}

func TestDispatchEnqueueFailureLeavesDeliveryPending(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("nsqd down")}
	d := newTestDispatcher(
		&fakeEndpoints{endpoints: []*endpoint.Endpoint{testEndpoint("ep-1")}},
		&fakeDeliveries{}, &fakeBuilder{}, settings.StaticPause(false), StaticMode(ModeQueue), enq)

	created, err := d.Dispatch(context.Background(), testEvent())

	require.NoError(t, err, "enqueue failure must not fail the dispatch")
	require.Len(t, created, 1)
	assert.Equal(t, delivery.StatusPending, created[0].Status)
}

func TestDispatchListFailure(t *testing.T) {
	d := newTestDispatcher(&fakeEndpoints{err: errors.New("db down")},
		&fakeDeliveries{}, &fakeBuilder{}, settings.StaticPause(false), StaticMode(ModeBatch), nil)

	_, err := d.Dispatch(context.Background(), testEvent())
	assert.Error(t, err)
}

func TestAutoResolverFallsBackToQueueAvailability(t *testing.T) {
	assert.Equal(t, ModeQueue, NewAutoResolver(nil, true).Mode(context.Background()))
	assert.Equal(t, ModeBatch, NewAutoResolver(nil, false).Mode(context.Background()))
}
