package governance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/adapter/memory"
	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/kv"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	gov     *Governor
	store   *memory.Store
	clock   *clockwork.FakeClock
	metrics *observability.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(clock)
	metrics := observability.NewMetricsForTesting()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fixture{
		gov:     New(store, DefaultLimits(), clock, logger, metrics),
		store:   store,
		clock:   clock,
		metrics: metrics,
	}
}

func TestShouldSend_FreshRecipientApproved(t *testing.T) {
	f := newFixture(t)
	d, err := f.gov.ShouldSend(context.Background(), "u1", TypeWeather, domain.SeverityMedium, "blight", false)
	require.NoError(t, err)
	assert.Equal(t, Decision{Send: true, Reason: ReasonApproved}, d)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.GovernanceDecisions.WithLabelValues(ReasonApproved)), 0)
}

func TestShouldSend_CriticalAlwaysSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for range 30 {
		require.NoError(t, f.gov.MarkSent(ctx, "u1", TypeWeather, domain.SeverityCritical, "frost"))
	}

	d, err := f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityCritical, "frost", false)
	require.NoError(t, err)
	assert.Equal(t, Decision{Send: true, Reason: ReasonCritical}, d)

	d, err = f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityLow, "anything", true)
	require.NoError(t, err)
	assert.Equal(t, Decision{Send: true, Reason: ReasonCritical}, d, "force behaves like critical")
}

func TestShouldSend_Duplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.gov.MarkSent(ctx, "u1", TypeWeather, domain.SeverityHigh, "late_blight"))

	d, err := f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityHigh, "late_blight", false)
	require.NoError(t, err)
	assert.Equal(t, Decision{Send: false, Reason: ReasonDuplicate}, d)

	// A different summary, type, severity or recipient is not a duplicate.
	for _, tc := range []struct {
		recipient, typ, summary string
		severity                domain.Severity
	}{
		{"u1", TypeWeather, "heavy_rain", domain.SeverityHigh},
		{"u1", TypeDisease, "late_blight", domain.SeverityHigh},
		{"u1", TypeWeather, "late_blight", domain.SeverityMedium},
		{"u2", TypeWeather, "late_blight", domain.SeverityHigh},
	} {
		d, err := f.gov.ShouldSend(ctx, tc.recipient, tc.typ, tc.severity, tc.summary, false)
		require.NoError(t, err)
		assert.True(t, d.Send, "%+v", tc)
	}

	f.clock.Advance(60 * time.Minute)
	d, err = f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityHigh, "late_blight", false)
	require.NoError(t, err)
	assert.Equal(t, ReasonApproved, d.Reason, "marker expires after the dedup window")
}

func TestShouldSend_HourlyLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := range 5 {
		require.NoError(t, f.gov.MarkSent(ctx, "u1", TypeWeather, domain.SeverityMedium, string(rune('a'+i))))
	}

	d, err := f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityMedium, "new", false)
	require.NoError(t, err)
	assert.Equal(t, Decision{Send: false, Reason: ReasonRateLimitHourly}, d)

	d, err = f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityHigh, "new", false)
	require.NoError(t, err)
	assert.Equal(t, Decision{Send: true, Reason: ReasonApproved}, d, "high severity bypasses the hourly ceiling")

	f.clock.Advance(time.Hour)
	d, err = f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityMedium, "new", false)
	require.NoError(t, err)
	assert.Equal(t, ReasonApproved, d.Reason, "hourly counter resets after its window")
}

func TestShouldSend_DailyLimitAppliesToHigh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := range 20 {
		require.NoError(t, f.gov.MarkSent(ctx, "u1", TypeWeather, domain.SeverityHigh, string(rune('a'+i))))
		if i%5 == 4 {
			f.clock.Advance(time.Hour)
		}
	}

	d, err := f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityHigh, "new", false)
	require.NoError(t, err)
	assert.Equal(t, Decision{Send: false, Reason: ReasonRateLimitDaily}, d)

	f.clock.Advance(20 * time.Hour)
	d, err = f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityHigh, "new", false)
	require.NoError(t, err)
	assert.Equal(t, ReasonApproved, d.Reason)
}

func TestMarkSent_CounterWindowsStartOnFirstUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.gov.MarkSent(ctx, "u1", TypeWeather, domain.SeverityLow, "a"))
	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.gov.MarkSent(ctx, "u1", TypeWeather, domain.SeverityLow, "b"))

	raw, err := f.store.Get(ctx, kv.HourlyRatePrefix+"u1")
	require.NoError(t, err)
	assert.Equal(t, "2", string(raw))

	// The window started with the first increment, not the second.
	f.clock.Advance(30 * time.Minute)
	_, err = f.store.Get(ctx, kv.HourlyRatePrefix+"u1")
	require.ErrorIs(t, err, kv.ErrNotFound)

	raw, err = f.store.Get(ctx, kv.DailyRatePrefix+"u1")
	require.NoError(t, err)
	assert.Equal(t, "2", string(raw))
}

// ShouldSend and MarkSent are two round-trips; concurrent callers for the same
// content can both be approved before either records the send.
func TestShouldSend_ConcurrentCallersCanBothBeApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var (
		wg        sync.WaitGroup
		decisions [2]Decision
		start     = make(chan struct{})
	)
	for i := range decisions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityHigh, "late_blight", false)
			assert.NoError(t, err)
			decisions[i] = d
		}()
	}
	close(start)
	wg.Wait()

	assert.True(t, decisions[0].Send)
	assert.True(t, decisions[1].Send)

	for range decisions {
		require.NoError(t, f.gov.MarkSent(ctx, "u1", TypeWeather, domain.SeverityHigh, "late_blight"))
	}
	raw, err := f.store.Get(ctx, kv.HourlyRatePrefix+"u1")
	require.NoError(t, err)
	assert.Equal(t, "2", string(raw), "both deliveries are counted")

	d, err := f.gov.ShouldSend(ctx, "u1", TypeWeather, domain.SeverityHigh, "late_blight", false)
	require.NoError(t, err)
	assert.Equal(t, ReasonDuplicate, d.Reason)
}

type failingStore struct {
	kv.Store
}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestShouldSend_StoreErrorReturned(t *testing.T) {
	f := newFixture(t)
	gov := New(failingStore{Store: f.store}, DefaultLimits(), f.clock, slog.New(slog.NewTextHandler(io.Discard, nil)), f.metrics)

	_, err := gov.ShouldSend(context.Background(), "u1", TypeWeather, domain.SeverityHigh, "x", false)
	assert.Error(t, err)

	d, err := gov.ShouldSend(context.Background(), "u1", TypeWeather, domain.SeverityCritical, "x", false)
	require.NoError(t, err, "critical never touches the store")
	assert.True(t, d.Send)
}

func TestShouldBatch(t *testing.T) {
	tests := []struct {
		severity domain.Severity
		typ      string
		want     bool
	}{
		{domain.SeverityLow, TypeWeather, true},
		{domain.SeverityMedium, TypeWeather, true},
		{domain.SeverityHigh, TypeWeather, false},
		{domain.SeverityCritical, TypeWeather, false},
		{domain.SeverityLow, TypeAction, false},
		{domain.SeverityMedium, TypeDisease, false},
		{domain.SeverityCritical, TypeAction, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity)+"/"+tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldBatch(tt.severity, tt.typ))
		})
	}
}

func TestBatchQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := Notification{Type: TypeWeather, Severity: domain.SeverityLow, Risk: "dry_spell", Location: "North Field", Crop: "wheat"}
	second := Notification{Type: TypeWeather, Severity: domain.SeverityMedium, Risk: "high_humidity", Location: "River Plot", Crop: "rice"}
	require.NoError(t, f.gov.Enqueue(ctx, "u1", first))
	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.gov.Enqueue(ctx, "u1", second))

	got, err := f.gov.PendingBatch(ctx, "u1")
	require.NoError(t, err)

	first.Recipient, first.QueuedAt = "u1", time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	second.Recipient, second.QueuedAt = "u1", time.Date(2026, 5, 4, 9, 10, 0, 0, time.UTC)
	if diff := cmp.Diff([]Notification{first, second}, got); diff != "" {
		t.Errorf("pending batch mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.NotificationsBatched), 0)

	// Each enqueue restarts the 15 minute window.
	f.clock.Advance(14 * time.Minute)
	got, err = f.gov.PendingBatch(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, f.gov.ClearBatch(ctx, "u1"))
	got, err = f.gov.PendingBatch(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBatchQueue_Expires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.gov.Enqueue(ctx, "u1", Notification{Type: TypeWeather, Severity: domain.SeverityLow}))
	f.clock.Advance(15 * time.Minute)

	got, err := f.gov.PendingBatch(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPendingBatch_SkipsMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.RPush(ctx, kv.BatchPrefix+"u1", []byte("garbage")))
	require.NoError(t, f.gov.Enqueue(ctx, "u1", Notification{Type: TypeWeather, Severity: domain.SeverityLow, Risk: "dry_spell"}))

	got, err := f.gov.PendingBatch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dry_spell", got[0].Risk)
}

func TestBatchedRecipients(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.gov.Enqueue(ctx, "u2", Notification{Severity: domain.SeverityMedium}))
	require.NoError(t, f.gov.Enqueue(ctx, "u1", Notification{Severity: domain.SeverityLow}))
	require.NoError(t, f.gov.Enqueue(ctx, "u1", Notification{Severity: domain.SeverityMedium}))

	got, err := f.gov.BatchedRecipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got)

	require.NoError(t, f.gov.ClearBatch(ctx, "u1"))
	got, err = f.gov.BatchedRecipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, got)
}
