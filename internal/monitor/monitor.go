// Package monitor periodically re-evaluates every mirrored subscription and
// hands high and critical verdicts to the alert pipeline.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultInterval     = 5 * time.Minute
	DefaultBackoff      = time.Minute
	DefaultFetchTimeout = 10 * time.Second
)

// SubscriptionSource enumerates the subscriptions to check.
type SubscriptionSource interface {
	List(ctx context.Context) ([]domain.Subscription, error)
}

// Evaluator grades an observation for a crop.
type Evaluator interface {
	Evaluate(obs domain.Observation, crop string) domain.Verdict
}

// Alerter receives verdicts that warrant an alert.
type Alerter interface {
	Dispatch(ctx context.Context, sub domain.Subscription, obs domain.Observation, v domain.Verdict) error
}

// Config controls loop timing. Zero values select the defaults.
type Config struct {
	Interval     time.Duration
	Backoff      time.Duration
	FetchTimeout time.Duration
}

// Monitor runs the check loop in a background goroutine.
type Monitor struct {
	subs    SubscriptionSource
	weather domain.WeatherSource
	rules   Evaluator
	alerter Alerter
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Monitor.
func New(subs SubscriptionSource, weather domain.WeatherSource, rules Evaluator, alerter Alerter,
	clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, cfg Config,
) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Monitor{
		subs:    subs,
		weather: weather,
		rules:   rules,
		alerter: alerter,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Start launches the loop. The first check runs immediately. Calling Start
// while the loop is running does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningLocked() {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.run(runCtx, done)
}

// Stop ends the loop and waits for an in-flight tick to finish. A tick that
// is interrupted skips its remaining subscriptions. Calling Stop on a stopped
// Monitor does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop goroutine is alive.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Monitor) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.logger.Info("alert monitor started", "interval", m.cfg.Interval)
	m.metrics.MonitorRunning.Set(1)
	defer m.metrics.MonitorRunning.Set(0)

	for {
		wait := m.cfg.Interval
		if err := m.tick(ctx); err != nil {
			m.logger.Error("alert monitor tick failed", "error", err, "retry_in", m.cfg.Backoff)
			wait = m.cfg.Backoff
		}
		if !sleepWithContext(ctx, m.clock, wait) {
			m.logger.Info("alert monitor stopped", "reason", ctx.Err())
			return
		}
	}
}

// RunOnce checks every subscription once. Only a failure to enumerate
// subscriptions is returned; per-subscription failures are logged and
// counted.
func (m *Monitor) RunOnce(ctx context.Context) error {
	return m.tick(ctx)
}

// tick works on a context detached from ctx so Stop never aborts a fetch
// halfway; ctx is only consulted between subscriptions.
func (m *Monitor) tick(ctx context.Context) error {
	start := m.clock.Now()
	m.metrics.MonitorTicks.Inc()
	defer func() {
		m.metrics.MonitorTickDuration.Observe(m.clock.Since(start).Seconds())
	}()

	work := context.WithoutCancel(ctx)
	subs, err := m.subs.List(work)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	m.logger.Debug("checking subscriptions", "count", len(subs))

	for i, sub := range subs {
		if ctx.Err() != nil {
			m.logger.Info("tick interrupted", "checked", i, "remaining", len(subs)-i)
			return nil
		}
		if err := m.check(work, sub); err != nil {
			m.metrics.SubscriptionErrors.Inc()
			m.logger.Warn("subscription check failed",
				"connection_id", sub.ConnectionID,
				"lat", sub.Lat,
				"lon", sub.Lon,
				"error", err,
			)
		}
	}
	return nil
}

func (m *Monitor) check(ctx context.Context, sub domain.Subscription) error {
	fetchCtx, cancel := clockwork.WithTimeout(ctx, m.clock, m.cfg.FetchTimeout)
	obs, err := m.weather.Fetch(fetchCtx, sub.Lat, sub.Lon)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch weather: %w", err)
	}

	crop := sub.CropOrGeneric()
	v := m.rules.Evaluate(obs, crop)
	m.metrics.Evaluations.WithLabelValues(string(v.Severity)).Inc()
	if !v.Severity.Alerting() {
		return nil
	}

	m.logger.Info("risk detected",
		"connection_id", sub.ConnectionID,
		"user_id", sub.RecipientID,
		"crop", crop,
		"risk", v.Risk,
		"severity", v.Severity,
	)
	if err := m.alerter.Dispatch(ctx, sub, obs, v); err != nil {
		return fmt.Errorf("dispatch alert: %w", err)
	}
	return nil
}

// sleepWithContext waits d on clock. It returns false if ctx ended first.
func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
