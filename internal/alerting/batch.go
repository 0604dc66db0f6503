package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/governance"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/jonboulle/clockwork"
)

// BatchType is the push data type of a batched summary.
const BatchType = "weather_batch"

// BatchQueue is the governance batch store.
type BatchQueue interface {
	BatchedRecipients(ctx context.Context) ([]string, error)
	PendingBatch(ctx context.Context, recipient string) ([]governance.Notification, error)
	ClearBatch(ctx context.Context, recipient string) error
}

// BatchFlusher sends one summary push per recipient for queued low and
// medium notifications. A queue is flushed once its oldest entry is minAge
// old; minAge must be shorter than the queue expiry or entries are lost.
type BatchFlusher struct {
	queue     BatchQueue
	directory Directory
	pusher    domain.Pusher
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	minAge    time.Duration
}

// NewBatchFlusher creates a BatchFlusher.
func NewBatchFlusher(queue BatchQueue, directory Directory, pusher domain.Pusher, clock clockwork.Clock,
	logger *slog.Logger, metrics *observability.Metrics, minAge time.Duration,
) *BatchFlusher {
	return &BatchFlusher{
		queue:     queue,
		directory: directory,
		pusher:    pusher,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		minAge:    minAge,
	}
}

// Run flushes every interval until ctx is cancelled.
func (f *BatchFlusher) Run(ctx context.Context, interval time.Duration) {
	ticker := f.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := f.Flush(ctx); err != nil {
				f.logger.Warn("batch flush incomplete", "error", err)
			}
		}
	}
}

// Flush sends every due batch. Failures for one recipient do not stop the
// others; a batch whose push fails stays queued for the next pass.
func (f *BatchFlusher) Flush(ctx context.Context) error {
	recipients, err := f.queue.BatchedRecipients(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, recipient := range recipients {
		if err := f.flushOne(ctx, recipient); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", recipient, err))
		}
	}
	return errors.Join(errs...)
}

func (f *BatchFlusher) flushOne(ctx context.Context, recipient string) error {
	batch, err := f.queue.PendingBatch(ctx, recipient)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return f.queue.ClearBatch(ctx, recipient)
	}
	if f.clock.Since(batch[0].QueuedAt) < f.minAge {
		return nil
	}

	target, err := f.directory.Lookup(ctx, recipient)
	if errors.Is(err, ErrNoPushTarget) {
		f.logger.Info("dropping batch for recipient without push target", "user_id", recipient, "count", len(batch))
		return f.queue.ClearBatch(ctx, recipient)
	}
	if err != nil {
		return err
	}

	highest := batch[0].Severity
	for _, n := range batch[1:] {
		if n.Severity.Rank() > highest.Rank() {
			highest = n.Severity
		}
	}
	msg := governance.ComposeBatch(batch)

	res, err := f.pusher.Send(ctx, domain.PushMessage{
		Token:    target.Token,
		Title:    msg.Title,
		Body:     msg.Body,
		Severity: highest,
		Data: map[string]string{
			"type":  BatchType,
			"count": strconv.Itoa(len(batch)),
		},
	})
	if err != nil {
		f.metrics.PushRequests.WithLabelValues("error").Inc()
		return fmt.Errorf("push batch: %w", err)
	}
	if !res.Success {
		// Any rejection drops the digest.
		f.metrics.PushRequests.WithLabelValues("rejected").Inc()
		if err := f.queue.ClearBatch(ctx, recipient); err != nil {
			return err
		}
		if res.Error == domain.PushTokenUnregistered {
			if err := f.directory.Forget(ctx, recipient); err != nil {
				f.logger.Warn("forget unregistered push token failed", "user_id", recipient, "error", err)
			}
			return nil
		}
		return fmt.Errorf("%w: %s", ErrPushRejected, res.Error)
	}

	f.metrics.PushRequests.WithLabelValues("sent").Inc()
	f.logger.Info("batched summary sent", "user_id", recipient, "count", len(batch), "message_id", res.MessageID)
	return f.queue.ClearBatch(ctx, recipient)
}
