// Package fabric bridges alerts between service instances. Every alert is
// published on a global channel, a location-bucket channel and a crop channel;
// each instance listens on the global channel and hands envelopes to its local
// connection registry.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/jonboulle/clockwork"
)

// GlobalChannel carries every alert.
const GlobalChannel = "weather:alerts"

// ErrListenerStopped is returned by Err when the listener ended because its
// subscription closed without a transport error.
var ErrListenerStopped = errors.New("fabric listener stopped")

// LocationChannel returns the channel for a location bucket.
func LocationChannel(bucket string) string { return "weather:location:" + bucket }

// CropChannel returns the channel for a crop.
func CropChannel(crop string) string { return "weather:crop:" + domain.NormalizeCrop(crop) }

// Matcher receives envelopes from the listener.
type Matcher interface {
	BroadcastToMatching(ctx context.Context, env domain.Envelope) int
}

// Fabric publishes alerts and runs the cross-instance listener.
type Fabric struct {
	broker     Broker
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	resolution float64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a Fabric over broker. resolution must match the registry's.
func New(broker Broker, resolution float64, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Fabric {
	return &Fabric{
		broker:     broker,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		resolution: resolution,
	}
}

// PublishAlert wraps payload in an envelope and publishes it on the global,
// location and crop channels. All three are attempted; the first error is
// returned.
func (f *Fabric) PublishAlert(ctx context.Context, lat, lon float64, crop string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	msg, err := json.Marshal(domain.Envelope{
		Type:      domain.AlertType,
		Lat:       lat,
		Lon:       lon,
		Crop:      crop,
		Data:      data,
		Timestamp: f.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	channels := []string{GlobalChannel, LocationChannel(domain.Bucket(lat, lon, f.resolution))}
	if c := domain.NormalizeCrop(crop); c != "" {
		channels = append(channels, CropChannel(c))
	}

	var first error
	for _, ch := range channels {
		if err := f.broker.Publish(ctx, ch, msg); err != nil {
			f.metrics.FabricPublishes.WithLabelValues("error").Inc()
			f.logger.Error("publish alert failed", "channel", ch, "error", err)
			if first == nil {
				first = fmt.Errorf("publish %s: %w", ch, err)
			}
			continue
		}
		f.metrics.FabricPublishes.WithLabelValues("success").Inc()
	}
	return first
}

// Subscribe listens on the global channel and calls fn for each decoded
// envelope until ctx ends or the transport fails. Malformed messages are
// logged and skipped. A nil return means ctx ended.
func (f *Fabric) Subscribe(ctx context.Context, fn func(context.Context, domain.Envelope)) error {
	sub, err := f.broker.Subscribe(ctx, GlobalChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", GlobalChannel, err)
	}
	return f.listen(ctx, sub, fn)
}

func (f *Fabric) listen(ctx context.Context, sub Subscription, fn func(context.Context, domain.Envelope)) error {
	defer sub.Close()

	f.logger.Info("fabric listener started", "channel", GlobalChannel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				return ErrListenerStopped
			}
			env, err := domain.ParseEnvelope(raw)
			if err != nil {
				f.metrics.FabricMessages.WithLabelValues("malformed").Inc()
				f.logger.Warn("skipping malformed fabric message", "error", err, "size", len(raw))
				continue
			}
			f.metrics.FabricMessages.WithLabelValues("delivered").Inc()
			fn(ctx, env)
		}
	}
}

// Start subscribes to the global channel and feeds the matcher from a
// background listener. Subscription failures are returned directly. It is a
// no-op while a listener is already running. When the listener ends on its
// own, Done is closed and Err reports why; the owner is expected to restart.
func (f *Fabric) Start(ctx context.Context, m Matcher) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done != nil {
		select {
		case <-f.done:
		default:
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := f.broker.Subscribe(runCtx, GlobalChannel)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", GlobalChannel, err)
	}

	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	f.err = nil
	f.metrics.FabricListenerRunning.Set(1)

	go func() {
		defer close(done)
		defer f.metrics.FabricListenerRunning.Set(0)

		err := f.listen(runCtx, sub, func(ctx context.Context, env domain.Envelope) {
			m.BroadcastToMatching(ctx, env)
		})
		if err != nil {
			f.logger.Error("fabric listener ended", "error", err)
		}

		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
	}()
	return nil
}

// Stop cancels the listener and waits for it to exit. Safe to call when not
// running.
func (f *Fabric) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.logger.Info("fabric listener stopped")
}

// Done is closed when the current listener exits. It is nil before Start.
func (f *Fabric) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Err returns the error that ended the last listener, if any.
func (f *Fabric) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// CheckReadiness reports an error unless the listener is running.
func (f *Fabric) CheckReadiness(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done == nil {
		return errors.New("fabric listener not started")
	}
	select {
	case <-f.done:
		if f.err != nil {
			return fmt.Errorf("fabric listener ended: %w", f.err)
		}
		return errors.New("fabric listener stopped")
	default:
		return nil
	}
}
