package alerting_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/adapter/memory"
	"github.com/couchcryptid/crop-risk-alerts/internal/alerting"
	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/governance"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type published struct {
	lat, lon float64
	crop     string
	payload  domain.AlertPayload
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (p *fakePublisher) PublishAlert(_ context.Context, lat, lon float64, crop string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{lat: lat, lon: lon, crop: crop, payload: payload.(domain.AlertPayload)})
	return p.fail
}

type fakePusher struct {
	mu     sync.Mutex
	sent   []domain.PushMessage
	result domain.PushResult
	err    error
}

func (p *fakePusher) Send(_ context.Context, msg domain.PushMessage) (domain.PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	if p.err != nil {
		return domain.PushResult{}, p.err
	}
	return p.result, nil
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fixture struct {
	dispatcher *alerting.Dispatcher
	governor   *governance.Governor
	directory  *alerting.KVDirectory
	publisher  *fakePublisher
	pusher     *fakePusher
	clock      *clockwork.FakeClock
	metrics    *observability.Metrics
}

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	store := memory.NewStore(clock)
	metrics := observability.NewMetricsForTesting()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gov := governance.New(store, governance.DefaultLimits(), clock, logger, metrics)
	dir := alerting.NewKVDirectory(store, clock)
	pub := &fakePublisher{}
	pusher := &fakePusher{result: domain.PushResult{Success: true, MessageID: "projects/p/messages/1"}}

	return fixture{
		dispatcher: alerting.NewDispatcher(pub, gov, dir, pusher, clock, logger, metrics, domain.DefaultBucketResolution),
		governor:   gov,
		directory:  dir,
		publisher:  pub,
		pusher:     pusher,
		clock:      clock,
		metrics:    metrics,
	}
}

func farmSub(recipient string) domain.Subscription {
	return domain.Subscription{
		ConnectionID: "conn-1",
		RecipientID:  recipient,
		Lat:          37.42,
		Lon:          -122.08,
		Crop:         "potato",
		Label:        "North Field",
	}
}

var (
	obs  = domain.Observation{Temperature: 18, Humidity: 93, RainfallMM: 4}
	high = domain.Verdict{
		Risk:     "late_blight",
		Severity: domain.SeverityHigh,
		Message:  "Late blight risk is high.",
		Advice:   "Apply a protectant fungicide.",
	}
)

func register(t *testing.T, f fixture, id string) {
	t.Helper()
	require.NoError(t, f.directory.Register(context.Background(), alerting.Recipient{ID: id, Name: "Amara", Token: "device-" + id}))
}

func TestDispatch_PublishesAndPushes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high))

	require.Len(t, f.publisher.got, 1)
	p := f.publisher.got[0]
	assert.InDelta(t, 37.42, p.lat, 1e-9)
	assert.Equal(t, "potato", p.crop)
	assert.Equal(t, domain.AlertType, p.payload.Type)
	assert.Equal(t, domain.SeverityHigh, p.payload.Severity)
	assert.Equal(t, "u1", p.payload.RecipientID)
	assert.True(t, testNow.Equal(p.payload.Timestamp))

	require.Equal(t, 1, f.pusher.count())
	msg := f.pusher.sent[0]
	assert.Equal(t, "device-u1", msg.Token)
	assert.Equal(t, "🟠 Important: North Field Alert", msg.Title)
	assert.Contains(t, msg.Body, "Amara, ")
	assert.Equal(t, domain.SeverityHigh, msg.Severity)
	assert.Equal(t, "late_blight", msg.Data["risk"])
	assert.Equal(t, "37.42", msg.Data["lat"])
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.PushRequests.WithLabelValues("sent")), 0)
}

func TestDispatch_DuplicateSuppressedAfterMarkSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high))
	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high))

	assert.Len(t, f.publisher.got, 2, "live clients always receive the broadcast")
	assert.Equal(t, 1, f.pusher.count())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.PushRequests.WithLabelValues("suppressed")), 0)

	other := farmSub("u1")
	other.Lat = 40
	require.NoError(t, f.dispatcher.Dispatch(ctx, other, obs, high))
	assert.Equal(t, 2, f.pusher.count(), "a different bucket is a different summary")
}

func TestDispatch_CriticalBypassesDedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	critical := high
	critical.Severity = domain.SeverityCritical
	for range 3 {
		require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, critical))
	}
	assert.Equal(t, 3, f.pusher.count())
	assert.Equal(t, "🔴 URGENT: North Field Alert", f.pusher.sent[0].Title)
}

func TestDispatch_NoRecipientOnlyPublishes(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), farmSub(""), obs, high))
	assert.Len(t, f.publisher.got, 1)
	assert.Zero(t, f.pusher.count())
}

func TestDispatch_NoPushTargetIsNotMarkedSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high))
	assert.Zero(t, f.pusher.count())

	register(t, f, "u1")
	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high))
	assert.Equal(t, 1, f.pusher.count())
}

func TestDispatch_PushErrorIsNotMarkedSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	f.pusher.err = errors.New("fcm: connection reset")
	err := f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high)
	require.Error(t, err)
	assert.ErrorIs(t, err, f.pusher.err)

	f.pusher.err = nil
	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high))
	assert.Equal(t, 2, f.pusher.count())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.PushRequests.WithLabelValues("error")), 0)
}

func TestDispatch_UnregisteredTokenIsForgotten(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	f.pusher.result = domain.PushResult{Success: false, Error: domain.PushTokenUnregistered}
	err := f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high)
	require.ErrorIs(t, err, alerting.ErrPushRejected)

	_, err = f.directory.Lookup(ctx, "u1")
	assert.ErrorIs(t, err, alerting.ErrNoPushTarget)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.PushRequests.WithLabelValues("rejected")), 0)
}

func TestDispatch_MediumWeatherIsBatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	medium := high
	medium.Severity = domain.SeverityMedium
	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, medium))

	assert.Zero(t, f.pusher.count())
	pending, err := f.governor.PendingBatch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "North Field", pending[0].Location)
	assert.Equal(t, "late_blight", pending[0].Risk)
	assert.Equal(t, domain.SeverityMedium, pending[0].Severity)
	assert.NotEmpty(t, pending[0].Title)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.PushRequests.WithLabelValues("batched")), 0)
}

func TestDispatch_PublishFailureStillPushes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	f.publisher.fail = errors.New("redis down")
	err := f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, high)
	require.Error(t, err)
	assert.ErrorIs(t, err, f.publisher.fail)
	assert.Equal(t, 1, f.pusher.count())
}

func TestAlertPayload_WireShape(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), farmSub("u1"), obs, high))

	data, err := json.Marshal(f.publisher.got[0].payload)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	for _, key := range []string{"type", "severity", "risk", "message", "advice", "location", "crop", "weather", "timestamp", "user_id"} {
		assert.Contains(t, wire, key)
	}
}

func TestDispatch_BatchedDuplicateSuppressed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	medium := high
	medium.Severity = domain.SeverityMedium
	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, medium))
	require.NoError(t, f.dispatcher.Dispatch(ctx, farmSub("u1"), obs, medium))

	pending, err := f.governor.PendingBatch(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.PushRequests.WithLabelValues("suppressed")), 0)

	d, err := f.governor.ShouldSend(ctx, "u1", governance.TypeWeather, domain.SeverityMedium,
		"late_blight:37.4,-122.1:potato", false)
	require.NoError(t, err)
	assert.Equal(t, governance.ReasonDuplicate, d.Reason)
}

func TestDispatch_BatchedCountsTowardRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	medium := high
	medium.Severity = domain.SeverityMedium
	for i := range governance.DefaultLimits().MaxPerHour {
		sub := farmSub("u1")
		sub.Lat = float64(10 + i)
		require.NoError(t, f.dispatcher.Dispatch(ctx, sub, obs, medium))
	}

	out, err := f.dispatcher.Notify(ctx, alerting.NotificationRequest{
		Recipient: "u1",
		Title:     "Heads up",
		Body:      "Rain later today.",
	})
	require.NoError(t, err)
	assert.Equal(t, alerting.OutcomeSuppressed, out.Status)
	assert.Equal(t, governance.ReasonRateLimitHourly, out.Reason)
}

func TestNotify_MediumWeatherIsBatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	req := alerting.NotificationRequest{
		Recipient: "u1",
		Title:     "Rain expected",
		Body:      "Heavy rain tonight at North Field.",
		Location:  "North Field",
	}
	out, err := f.dispatcher.Notify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, alerting.OutcomeBatched, out.Status)
	assert.Zero(t, f.pusher.count())

	pending, err := f.governor.PendingBatch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.SeverityMedium, pending[0].Severity)
	assert.Equal(t, governance.TypeWeather, pending[0].Type)
	assert.Equal(t, "Rain expected", pending[0].Title)

	out, err = f.dispatcher.Notify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, alerting.OutcomeSuppressed, out.Status)
	assert.Equal(t, governance.ReasonDuplicate, out.Reason)
}

func TestNotify_ActionIsPushedNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	register(t, f, "u1")

	out, err := f.dispatcher.Notify(ctx, alerting.NotificationRequest{
		Recipient: "u1",
		Type:      governance.TypeAction,
		Title:     "Spray window",
		Body:      "Conditions are right for spraying.",
		Data:      map[string]string{"field": "north"},
	})
	require.NoError(t, err)
	assert.Equal(t, alerting.OutcomeSent, out.Status)
	assert.Equal(t, "projects/p/messages/1", out.MessageID)

	require.Equal(t, 1, f.pusher.count())
	msg := f.pusher.sent[0]
	assert.Equal(t, "Spray window", msg.Title)
	assert.Equal(t, domain.SeverityMedium, msg.Severity)
	assert.Equal(t, map[string]string{"field": "north", "type": governance.TypeAction}, msg.Data)
}

func TestNotify_NoPushTarget(t *testing.T) {
	f := newFixture(t)

	out, err := f.dispatcher.Notify(context.Background(), alerting.NotificationRequest{
		Recipient: "u1",
		Severity:  domain.SeverityHigh,
		Title:     "Frost",
		Body:      "Frost tonight.",
	})
	require.NoError(t, err)
	assert.Equal(t, alerting.OutcomeNoTarget, out.Status)
}

func TestNotify_RequiresRecipientAndContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Notify(context.Background(), alerting.NotificationRequest{Recipient: "u1", Title: "x"})
	assert.ErrorIs(t, err, alerting.ErrInvalidNotification)
	_, err = f.dispatcher.Notify(context.Background(), alerting.NotificationRequest{Title: "x", Body: "y"})
	assert.ErrorIs(t, err, alerting.ErrInvalidNotification)
}
