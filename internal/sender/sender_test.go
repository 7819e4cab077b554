package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/delivery"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/endpoint"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/httpclient"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/logging"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/retrypolicy"
	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
)

type markCall struct {
	kind        string
	httpStatus  *int
	errorCode   string
	scheduledAt time.Time
}

type fakeDeliveries struct {
	claimResult bool
	claimErr    error
	claims      int
	unclaims    int
	marks       []markCall
}

func (f *fakeDeliveries) Claim(_ context.Context, _, _ string) (bool, error) {
	f.claims++
	return f.claimResult, f.claimErr
}

func (f *fakeDeliveries) Unclaim(_ context.Context, _, _ string) error {
	f.unclaims++
	return nil
}

func (f *fakeDeliveries) MarkSuccess(_ context.Context, _, _ string, httpStatus int, _ string, _ int64) error {
	f.marks = append(f.marks, markCall{kind: "success", httpStatus: &httpStatus})
	return nil
}

func (f *fakeDeliveries) MarkRetry(_ context.Context, _, _ string, httpStatus *int, errorCode, _ string, _ int64, scheduledAt time.Time) error {
	f.marks = append(f.marks, markCall{kind: "retry", httpStatus: httpStatus, errorCode: errorCode, scheduledAt: scheduledAt})
	return nil
}

func (f *fakeDeliveries) MarkFailed(_ context.Context, _, _ string, errorCode string, httpStatus *int, _ string, _ int64) error {
	f.marks = append(f.marks, markCall{kind: "failed", httpStatus: httpStatus, errorCode: errorCode})
	return nil
}

type fakeEndpoints struct {
	endpoint *endpoint.Endpoint
	err      error
}

func (f *fakeEndpoints) Get(context.Context, string) (*endpoint.Endpoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.endpoint, nil
}

type fakeCredentials struct {
	cred Credential
	err  error
}

func (f *fakeCredentials) Resolve(context.Context, int64) (Credential, error) {
	return f.cred, f.err
}

type fakePoster struct {
	result  httpclient.Result
	posts   int
	lastURL string
	headers map[string]string
	payload []byte
}

func (f *fakePoster) Post(_ context.Context, url string, payload []byte, headers map[string]string) httpclient.Result {
	f.posts++
	f.lastURL = url
	f.headers = headers
	f.payload = payload
	return f.result
}

func testEndpoint() *endpoint.Endpoint {
	return &endpoint.Endpoint{
		ID:          "ep-1",
		Name:        "hooks",
		URL:         "https://example.com/hook",
		Enabled:     true,
		PayloadMode: endpoint.PayloadModeMinimal,
		Timeout:     endpoint.DefaultTimeout,
		SSLVerify:   true,
		Retry:       retrypolicy.Default(),
	}
}

func testDelivery(ep *endpoint.Endpoint) *delivery.Delivery {
	d := &delivery.Delivery{
		ID:        "del-1",
		EventID:   "evt-1",
		EventType: "issue",
		Action:    "created",
		Payload:   []byte(`{"a":1}`),
		Status:    delivery.StatusPending,
	}
	if ep != nil {
		d.EndpointID = &ep.ID
		d.RetrySnapshot = ep.Retry.Snapshot()
	}
	return d
}

func newTestSender(dels *fakeDeliveries, eps *fakeEndpoints, creds *fakeCredentials,
	pause settings.PauseChecker, poster *fakePoster) *Sender {
	s := New(dels, eps, creds, pause, "worker-test", logging.New("test"))
	s.WithPosterFactory(func(time.Duration, bool) Poster { return poster })
	s.WithClock(func() time.Time {
		return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	}, func() float64 { return 1.0 })
	return s
}

func TestSendSuccess(t *testing.T) {
	ep := testEndpoint()
	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{result: httpclient.Result{Success: true, HTTPStatus: 200, ResponseBody: "ok", DurationMS: 12}}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), poster)

	err := s.Send(context.Background(), testDelivery(ep))

	require.NoError(t, err)
	assert.Equal(t, 1, dels.claims)
	assert.Equal(t, 1, poster.posts)
	assert.Equal(t, ep.URL, poster.lastURL)
	require.Len(t, dels.marks, 1)
	assert.Equal(t, "success", dels.marks[0].kind)
	assert.Equal(t, 200, *dels.marks[0].httpStatus)
}

func TestSendPausedIsNoOp(t *testing.T) {
	ep := testEndpoint()
	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(true), poster)

	err := s.Send(context.Background(), testDelivery(ep))

	require.NoError(t, err)
	assert.Zero(t, dels.claims, "paused send must not claim")
	assert.Zero(t, poster.posts)
	assert.Empty(t, dels.marks)
}

func TestSendSkipsUnclaimableStatuses(t *testing.T) {
	ep := testEndpoint()
	for _, status := range []string{delivery.StatusSuccess, delivery.StatusDead, delivery.StatusDelivering, delivery.StatusEndpointDeleted} {
		dels := &fakeDeliveries{claimResult: true}
		poster := &fakePoster{}
		s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), poster)

		del := testDelivery(ep)
		del.Status = status
		require.NoError(t, s.Send(context.Background(), del))
		assert.Zero(t, dels.claims, "status %s must not be claimed", status)
		assert.Zero(t, poster.posts)
	}
}

func TestSendClaimLostMeansNoSend(t *testing.T) {
	ep := testEndpoint()
	dels := &fakeDeliveries{claimResult: false}
	poster := &fakePoster{}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), poster)

	err := s.Send(context.Background(), testDelivery(ep))

	require.NoError(t, err)
	assert.Equal(t, 1, dels.claims)
	assert.Zero(t, poster.posts, "a lost claim race must never produce a send")
	assert.Empty(t, dels.marks)
}

func TestSendEndpointMissingUnclaims(t *testing.T) {
	ep := testEndpoint()
	tests := []struct {
		name string
		eps  *fakeEndpoints
		del  *delivery.Delivery
	}{
		{name: "endpoint row gone", eps: &fakeEndpoints{err: endpoint.ErrNotFound}, del: testDelivery(ep)},
		{name: "endpoint id nil", eps: &fakeEndpoints{endpoint: ep}, del: testDelivery(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dels := &fakeDeliveries{claimResult: true}
			poster := &fakePoster{}
			s := newTestSender(dels, tt.eps, &fakeCredentials{}, settings.StaticPause(false), poster)

			require.NoError(t, s.Send(context.Background(), tt.del))
			assert.Zero(t, poster.posts, "a dangling delivery must make zero network calls")
			assert.Equal(t, 1, dels.unclaims, "the claim must be released without an attempt")
			assert.Empty(t, dels.marks)
		})
	}
}

func TestSendInactiveUserFailsWithoutNetworkCall(t *testing.T) {
	ep := testEndpoint()
	userID := int64(9)
	ep.WebhookUserID = &userID

	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{}
	creds := &fakeCredentials{cred: Credential{Active: false}}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, creds, settings.StaticPause(false), poster)

	require.NoError(t, s.Send(context.Background(), testDelivery(ep)))

	assert.Zero(t, poster.posts)
	require.Len(t, dels.marks, 1)
	assert.Equal(t, "failed", dels.marks[0].kind)
	assert.Equal(t, ErrCodeUserInactive, dels.marks[0].errorCode)
	assert.Nil(t, dels.marks[0].httpStatus)
}

func TestSendAttachesCredentialAndCustomHeaders(t *testing.T) {
	ep := testEndpoint()
	userID := int64(9)
	ep.WebhookUserID = &userID
	ep.CustomHeaders = map[string]string{"X-Env": "prod", "User-Agent": "custom-agent"}

	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{result: httpclient.Result{Success: true, HTTPStatus: 204}}
	creds := &fakeCredentials{cred: Credential{Active: true, APIKey: "key-123"}}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, creds, settings.StaticPause(false), poster)

	require.NoError(t, s.Send(context.Background(), testDelivery(ep)))

	require.Equal(t, 1, poster.posts)
	assert.Equal(t, "key-123", poster.headers[HeaderAPIKey])
	assert.Equal(t, "issue.created", poster.headers[HeaderEvent])
	assert.Equal(t, "evt-1", poster.headers[HeaderEventID])
	assert.Equal(t, "del-1", poster.headers[HeaderDelivery])
	assert.Equal(t, "prod", poster.headers["X-Env"])
	assert.Equal(t, "custom-agent", poster.headers[HeaderUserAgent], "custom headers win")
}

func TestSendRetryableFailureSchedulesRetry(t *testing.T) {
	ep := testEndpoint()
	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{result: httpclient.Result{Success: false, HTTPStatus: 503, ErrorCode: "server_error"}}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), poster)

	del := testDelivery(ep)
	del.AttemptCount = 1
	require.NoError(t, s.Send(context.Background(), del))

	require.Len(t, dels.marks, 1)
	m := dels.marks[0]
	assert.Equal(t, "retry", m.kind)
	assert.Equal(t, 503, *m.httpStatus)
	assert.Equal(t, "server_error", m.errorCode)
	// base 60s * 2^1, jitter pinned at 1.0
	want := time.Date(2026, 4, 2, 10, 2, 0, 0, time.UTC)
	assert.Equal(t, want, m.scheduledAt)
}

func TestSendExhaustedAttemptsFailTerminally(t *testing.T) {
	ep := testEndpoint()
	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{result: httpclient.Result{Success: false, HTTPStatus: 503, ErrorCode: "server_error"}}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), poster)

	del := testDelivery(ep)
	del.AttemptCount = 4 // this attempt is the fifth and last
	require.NoError(t, s.Send(context.Background(), del))

	require.Len(t, dels.marks, 1)
	assert.Equal(t, "failed", dels.marks[0].kind)
}

func TestSendNonRetryableFailureFailsImmediately(t *testing.T) {
	ep := testEndpoint()
	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{result: httpclient.Result{Success: false, HTTPStatus: 404, ErrorCode: "client_error"}}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), poster)

	del := testDelivery(ep)
	require.NoError(t, s.Send(context.Background(), del))

	require.Len(t, dels.marks, 1)
	assert.Equal(t, "failed", dels.marks[0].kind)
	assert.Equal(t, "client_error", dels.marks[0].errorCode)
}

func TestSendRetryDecisionUsesSnapshotNotLiveConfig(t *testing.T) {
	ep := testEndpoint()
	// The snapshot was taken when the endpoint allowed only 2 attempts.
	snapshot := retrypolicy.Policy{
		MaxAttempts:       2,
		BaseDelay:         60 * time.Second,
		MaxDelay:          3600 * time.Second,
		RetryableStatuses: []int{503},
	}
	// Live config has since been raised; it must not matter.
	ep.Retry.MaxAttempts = 100

	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{result: httpclient.Result{Success: false, HTTPStatus: 503, ErrorCode: "server_error"}}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), poster)

	del := testDelivery(ep)
	del.RetrySnapshot = snapshot.Snapshot()
	del.AttemptCount = 1
	require.NoError(t, s.Send(context.Background(), del))

	require.Len(t, dels.marks, 1)
	assert.Equal(t, "failed", dels.marks[0].kind, "snapshot cap of 2 governs, not the live 100")
}

func TestSendTransportErrorWithoutStatus(t *testing.T) {
	ep := testEndpoint()
	dels := &fakeDeliveries{claimResult: true}
	poster := &fakePoster{result: httpclient.Result{Success: false, ErrorCode: "connection_refused", ErrorMessage: "dial tcp: refused"}}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), poster)

	require.NoError(t, s.Send(context.Background(), testDelivery(ep)))

	require.Len(t, dels.marks, 1)
	m := dels.marks[0]
	assert.Equal(t, "retry", m.kind)
	assert.Nil(t, m.httpStatus, "no HTTP status must be recorded for transport failures")
}

func TestSendClaimErrorPropagates(t *testing.T) {
	ep := testEndpoint()
	dels := &fakeDeliveries{claimErr: errors.New("db down")}
	s := newTestSender(dels, &fakeEndpoints{endpoint: ep}, &fakeCredentials{}, settings.StaticPause(false), &fakePoster{})

	assert.Error(t, s.Send(context.Background(), testDelivery(ep)))
}
