package monitor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/monitor"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeSource struct {
	mu     sync.Mutex
	subs   []domain.Subscription
	err    error
	calls  int
	called chan struct{}
}

func newFakeSource(subs ...domain.Subscription) *fakeSource {
	return &fakeSource{subs: subs, called: make(chan struct{}, 16)}
}

func (s *fakeSource) List(context.Context) ([]domain.Subscription, error) {
	s.mu.Lock()
	s.calls++
	subs, err := append([]domain.Subscription(nil), s.subs...), s.err
	s.mu.Unlock()

	select {
	case s.called <- struct{}{}:
	default:
	}
	return subs, err
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeWeather struct {
	mu      sync.Mutex
	fail    map[string]error // keyed by latKey
	block   chan struct{}
	entered chan struct{}
	fetches int
	lastErr error
}

func (w *fakeWeather) Fetch(ctx context.Context, lat, _ float64) (domain.Observation, error) {
	w.mu.Lock()
	w.fetches++
	w.mu.Unlock()

	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			w.mu.Lock()
			w.lastErr = ctx.Err()
			w.mu.Unlock()
			return domain.Observation{}, ctx.Err()
		}
	}
	if err, ok := w.fail[latKey(lat)]; ok {
		return domain.Observation{}, err
	}
	return domain.Observation{Temperature: 18, Humidity: 92}, nil
}

func (w *fakeWeather) fetchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fetches
}

func latKey(lat float64) string {
	switch lat {
	case 1:
		return "a"
	case 2:
		return "b"
	default:
		return "c"
	}
}

// cropEvaluator grades every observation by crop alone.
type cropEvaluator map[string]domain.Severity

func (e cropEvaluator) Evaluate(_ domain.Observation, crop string) domain.Verdict {
	sev, ok := e[crop]
	if !ok {
		return domain.NoRisk()
	}
	return domain.Verdict{Risk: crop + "_risk", Severity: sev, Message: "m", Advice: "a"}
}

type recordingAlerter struct {
	mu   sync.Mutex
	got  []string
	fail map[string]error
}

func (a *recordingAlerter) Dispatch(_ context.Context, sub domain.Subscription, _ domain.Observation, v domain.Verdict) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, sub.ConnectionID+":"+string(v.Severity))
	return a.fail[sub.ConnectionID]
}

func (a *recordingAlerter) dispatched() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.got...)
}

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func sub(id string, lat float64, crop string) domain.Subscription {
	return domain.Subscription{ConnectionID: id, RecipientID: "user-" + id, Lat: lat, Lon: 10, Crop: crop}
}

func newMonitor(src monitor.SubscriptionSource, w domain.WeatherSource, ev monitor.Evaluator, al monitor.Alerter,
	clock clockwork.Clock,
) (*monitor.Monitor, *observability.Metrics) {
	metrics := observability.NewMetricsForTesting()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return monitor.New(src, w, ev, al, clock, logger, metrics, monitor.Config{}), metrics
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

// --- single tick ---

func TestRunOnce_DispatchesOnlyHighAndCritical(t *testing.T) {
	src := newFakeSource(
		sub("a", 1, "potato"),
		sub("b", 2, "tomato"),
		sub("c", 3, "rice"),
		sub("d", 4, ""),
	)
	ev := cropEvaluator{
		"potato":  domain.SeverityCritical,
		"tomato":  domain.SeverityHigh,
		"rice":    domain.SeverityMedium,
		"generic": domain.SeverityLow,
	}
	al := &recordingAlerter{}
	m, metrics := newMonitor(src, &fakeWeather{}, ev, al, clockwork.NewFakeClockAt(testNow))

	require.NoError(t, m.RunOnce(context.Background()))

	assert.Equal(t, []string{"a:critical", "b:high"}, al.dispatched())
	for sev, want := range map[string]float64{"critical": 1, "high": 1, "medium": 1, "low": 1} {
		assert.InDelta(t, want, testutil.ToFloat64(metrics.Evaluations.WithLabelValues(sev)), 0, sev)
	}
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.MonitorTicks), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.SubscriptionErrors), 0)
}

func TestRunOnce_CropLookupUsesStoredCrop(t *testing.T) {
	src := newFakeSource(sub("a", 1, "Potato"))
	al := &recordingAlerter{}
	m, _ := newMonitor(src, &fakeWeather{}, cropEvaluator{"Potato": domain.SeverityHigh}, al, clockwork.NewFakeClockAt(testNow))

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, []string{"a:high"}, al.dispatched())
}

func TestRunOnce_SubscriptionFailuresAreIsolated(t *testing.T) {
	src := newFakeSource(
		sub("a", 1, "potato"),
		sub("b", 2, "potato"),
		sub("c", 3, "potato"),
	)
	w := &fakeWeather{fail: map[string]error{"a": errors.New("upstream 503")}}
	al := &recordingAlerter{fail: map[string]error{"b": errors.New("fabric down")}}
	m, metrics := newMonitor(src, w, cropEvaluator{"potato": domain.SeverityHigh}, al, clockwork.NewFakeClockAt(testNow))

	require.NoError(t, m.RunOnce(context.Background()))

	assert.Equal(t, 3, w.fetchCount())
	assert.Equal(t, []string{"b:high", "c:high"}, al.dispatched())
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.SubscriptionErrors), 0)
}

func TestRunOnce_ListErrorReturned(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("redis unreachable")
	m, _ := newMonitor(src, &fakeWeather{}, cropEvaluator{}, &recordingAlerter{}, clockwork.NewFakeClockAt(testNow))

	err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, src.err)
}

func TestRunOnce_FetchBoundedByTimeout(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource(sub("a", 1, "potato"))
	w := &fakeWeather{block: make(chan struct{})}
	al := &recordingAlerter{}
	m, metrics := newMonitor(src, w, cropEvaluator{"potato": domain.SeverityCritical}, al, clock)

	errc := make(chan error, 1)
	go func() { errc <- m.RunOnce(context.Background()) }()

	blockUntil(t, clock, 1)
	clock.Advance(monitor.DefaultFetchTimeout)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not cancelled by its timeout")
	}

	w.mu.Lock()
	lastErr := w.lastErr
	w.mu.Unlock()
	assert.ErrorIs(t, lastErr, context.DeadlineExceeded)
	assert.Empty(t, al.dispatched())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.SubscriptionErrors), 0)
}

// --- lifecycle ---

func TestStart_TicksOnIntervalAndIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	m, metrics := newMonitor(src, &fakeWeather{}, cropEvaluator{}, &recordingAlerter{}, clock)

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)
	defer m.Stop()

	waitSignal(t, src.called, "first tick")
	blockUntil(t, clock, 1)
	assert.True(t, m.Running())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.MonitorRunning), 0)

	clock.Advance(monitor.DefaultInterval - time.Second)
	select {
	case <-src.called:
		t.Fatal("ticked before the interval elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	waitSignal(t, src.called, "second tick")
	assert.Equal(t, 2, src.callCount(), "a second Start must not add a loop")
}

func TestStart_BacksOffAfterListFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.err = errors.New("redis unreachable")
	m, _ := newMonitor(src, &fakeWeather{}, cropEvaluator{}, &recordingAlerter{}, clock)

	m.Start(context.Background())
	defer m.Stop()

	waitSignal(t, src.called, "first tick")
	blockUntil(t, clock, 1)
	clock.Advance(monitor.DefaultBackoff)
	waitSignal(t, src.called, "retry after backoff")
}

func TestStop_WakesSleepingLoop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	m, metrics := newMonitor(src, &fakeWeather{}, cropEvaluator{}, &recordingAlerter{}, clock)

	m.Start(context.Background())
	waitSignal(t, src.called, "first tick")
	blockUntil(t, clock, 1)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	waitSignal(t, stopped, "Stop")

	assert.False(t, m.Running())
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.MonitorRunning), 0)
	m.Stop()
}

func TestStop_WaitsForInFlightTick(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource(sub("a", 1, ""), sub("b", 2, ""))
	w := &fakeWeather{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	m, _ := newMonitor(src, w, cropEvaluator{}, &recordingAlerter{}, clock)

	m.Start(context.Background())
	waitSignal(t, w.entered, "first fetch")

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a fetch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(w.block)
	waitSignal(t, stopped, "Stop")
	assert.Equal(t, 1, w.fetchCount(), "remaining subscriptions are skipped once stopping")
}

func TestStart_AfterStopRestarts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	m, _ := newMonitor(src, &fakeWeather{}, cropEvaluator{}, &recordingAlerter{}, clock)

	m.Start(context.Background())
	waitSignal(t, src.called, "first tick")
	m.Stop()
	require.False(t, m.Running())

	m.Start(context.Background())
	defer m.Stop()
	waitSignal(t, src.called, "tick after restart")
	assert.True(t, m.Running())
}

func TestStart_EndsWithParentContext(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	m, _ := newMonitor(src, &fakeWeather{}, cropEvaluator{}, &recordingAlerter{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	waitSignal(t, src.called, "first tick")
	cancel()

	assert.Eventually(t, func() bool { return !m.Running() }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
}
