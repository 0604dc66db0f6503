// Package governance decides whether an outbound notification is sent now,
// queued for a batched summary, or suppressed.
//
// Decisions are based on a content-hash dedup marker and per-recipient hourly
// and daily counters held in the shared key-value store. [Governor.ShouldSend]
// and [Governor.MarkSent] are separate round-trips and are not atomic: two
// concurrent callers for the same recipient and content can both be approved
// before either marks the notification sent, so a duplicate delivery is
// possible under contention. Callers must only call MarkSent after a
// successful delivery.
package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/kv"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Notification types.
const (
	TypeWeather = "weather"
	TypeDisease = "disease"
	TypeAction  = "action"
)

// Decision reasons.
const (
	ReasonCritical        = "critical_priority"
	ReasonDuplicate       = "duplicate_recent"
	ReasonRateLimitHourly = "rate_limit_hourly"
	ReasonRateLimitDaily  = "rate_limit_daily"
	ReasonApproved        = "approved"
)

const (
	hourlyWindow = time.Hour
	dailyWindow  = 24 * time.Hour
)

// Limits configures rate ceilings and time windows.
type Limits struct {
	MaxPerHour  int
	MaxPerDay   int
	DedupWindow time.Duration
	BatchWindow time.Duration
}

// DefaultLimits returns 5 per hour, 20 per day, a 60 minute dedup window and a
// 15 minute batch window.
func DefaultLimits() Limits {
	return Limits{
		MaxPerHour:  5,
		MaxPerDay:   20,
		DedupWindow: 60 * time.Minute,
		BatchWindow: 15 * time.Minute,
	}
}

// Decision is the outcome of ShouldSend. A suppressed notification is not an
// error; Reason says why.
type Decision struct {
	Send   bool
	Reason string
}

// Governor applies dedup, rate limiting and batching policy.
type Governor struct {
	store   kv.Store
	limits  Limits
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Governor backed by store.
func New(store kv.Store, limits Limits, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Governor {
	return &Governor{store: store, limits: limits, clock: clock, logger: logger, metrics: metrics}
}

// ShouldSend checks, in order: critical or forced (always sent), the dedup
// marker, the hourly ceiling (high severity bypasses it), and the daily
// ceiling (applies to every severity).
func (g *Governor) ShouldSend(ctx context.Context, recipient, typ string, severity domain.Severity, summary string, force bool) (Decision, error) {
	d, err := g.decide(ctx, recipient, typ, severity, summary, force)
	if err != nil {
		return Decision{}, err
	}
	g.metrics.GovernanceDecisions.WithLabelValues(d.Reason).Inc()
	return d, nil
}

func (g *Governor) decide(ctx context.Context, recipient, typ string, severity domain.Severity, summary string, force bool) (Decision, error) {
	if force || severity == domain.SeverityCritical {
		return Decision{Send: true, Reason: ReasonCritical}, nil
	}

	_, err := g.store.Get(ctx, dedupKey(recipient, typ, severity, summary))
	switch {
	case err == nil:
		return Decision{Reason: ReasonDuplicate}, nil
	case !errors.Is(err, kv.ErrNotFound):
		return Decision{}, fmt.Errorf("read dedup marker: %w", err)
	}

	hourly, err := g.counter(ctx, kv.HourlyRatePrefix+recipient)
	if err != nil {
		return Decision{}, err
	}
	if hourly >= int64(g.limits.MaxPerHour) && severity != domain.SeverityHigh {
		return Decision{Reason: ReasonRateLimitHourly}, nil
	}

	daily, err := g.counter(ctx, kv.DailyRatePrefix+recipient)
	if err != nil {
		return Decision{}, err
	}
	if daily >= int64(g.limits.MaxPerDay) {
		return Decision{Reason: ReasonRateLimitDaily}, nil
	}

	return Decision{Send: true, Reason: ReasonApproved}, nil
}

// MarkSent records a delivered notification: it sets the dedup marker and
// bumps the hourly and daily counters, starting each counter's window on its
// first increment.
func (g *Governor) MarkSent(ctx context.Context, recipient, typ string, severity domain.Severity, summary string) error {
	if err := g.store.SetEx(ctx, dedupKey(recipient, typ, severity, summary), []byte("1"), g.limits.DedupWindow); err != nil {
		return fmt.Errorf("set dedup marker: %w", err)
	}
	if err := g.bump(ctx, kv.HourlyRatePrefix+recipient, hourlyWindow); err != nil {
		return err
	}
	return g.bump(ctx, kv.DailyRatePrefix+recipient, dailyWindow)
}

func (g *Governor) bump(ctx context.Context, key string, window time.Duration) error {
	n, err := g.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("increment %s: %w", key, err)
	}
	if n == 1 {
		if err := g.store.Expire(ctx, key, window); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

func (g *Governor) counter(ctx context.Context, key string) (int64, error) {
	raw, err := g.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s is not an integer: %w", key, err)
	}
	return n, nil
}

// ShouldBatch reports whether a notification waits for a batched summary.
// Critical and action notifications never wait; low and medium weather
// notifications do.
func ShouldBatch(severity domain.Severity, typ string) bool {
	if severity == domain.SeverityCritical || typ == TypeAction {
		return false
	}
	return typ == TypeWeather && (severity == domain.SeverityLow || severity == domain.SeverityMedium)
}

func dedupKey(recipient, typ string, severity domain.Severity, summary string) string {
	sum := sha256.Sum256([]byte(recipient + ":" + typ + ":" + string(severity) + ":" + summary))
	return kv.DedupPrefix + hex.EncodeToString(sum[:])
}
