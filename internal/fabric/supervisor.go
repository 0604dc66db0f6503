package fabric

import (
	"context"
	"time"
)

const (
	initialRestartBackoff = 200 * time.Millisecond
	maxRestartBackoff     = 30 * time.Second
)

// Supervise keeps the listener running until ctx ends. A failed Start or a
// listener that exits on its own is retried with exponential backoff; the
// backoff resets once a listener has been up for a full maxRestartBackoff.
func (f *Fabric) Supervise(ctx context.Context, m Matcher) {
	backoff := initialRestartBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		if err := f.Start(ctx, m); err != nil {
			f.logger.Error("fabric listener start failed", "error", err, "retry_in", backoff)
			if !f.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxRestartBackoff)
			continue
		}

		started := f.clock.Now()
		select {
		case <-ctx.Done():
			return
		case <-f.Done():
		}
		if ctx.Err() != nil {
			return
		}

		if f.clock.Since(started) >= maxRestartBackoff {
			backoff = initialRestartBackoff
		}
		f.logger.Warn("restarting fabric listener", "error", f.Err(), "retry_in", backoff)
		if !f.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, maxRestartBackoff)
	}
}

func (f *Fabric) sleep(ctx context.Context, d time.Duration) bool {
	timer := f.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
