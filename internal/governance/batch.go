package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/kv"
)

// Notification is one queued notification awaiting a batched summary.
type Notification struct {
	Recipient string          `json:"user_id"`
	Type      string          `json:"type"`
	Severity  domain.Severity `json:"severity"`
	Risk      string          `json:"risk"`
	Location  string          `json:"farm_name"`
	Crop      string          `json:"crop"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	QueuedAt  time.Time       `json:"queued_at"`
}

// Enqueue appends n to the recipient's batch queue and restarts the queue's
// expiry window.
func (g *Governor) Enqueue(ctx context.Context, recipient string, n Notification) error {
	n.Recipient = recipient
	n.QueuedAt = g.clock.Now().UTC()

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	key := kv.BatchPrefix + recipient
	if err := g.store.RPush(ctx, key, data); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	if err := g.store.Expire(ctx, key, g.limits.BatchWindow); err != nil {
		return fmt.Errorf("expire batch queue: %w", err)
	}
	g.metrics.NotificationsBatched.Inc()
	return nil
}

// PendingBatch returns the recipient's queued notifications in arrival order.
// Entries that fail to decode are logged and dropped.
func (g *Governor) PendingBatch(ctx context.Context, recipient string) ([]Notification, error) {
	raw, err := g.store.LRange(ctx, kv.BatchPrefix+recipient)
	if err != nil {
		return nil, fmt.Errorf("read batch queue: %w", err)
	}

	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal(item, &n); err != nil {
			g.logger.Warn("dropping malformed batch entry", "user_id", recipient, "error", err)
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// ClearBatch deletes the recipient's batch queue.
func (g *Governor) ClearBatch(ctx context.Context, recipient string) error {
	if err := g.store.Delete(ctx, kv.BatchPrefix+recipient); err != nil {
		return fmt.Errorf("clear batch queue: %w", err)
	}
	return nil
}

// BatchedRecipients lists recipients that have a batch queue, sorted.
func (g *Governor) BatchedRecipients(ctx context.Context) ([]string, error) {
	keys, err := g.store.Scan(ctx, kv.BatchPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan batch queues: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, kv.BatchPrefix))
	}
	sort.Strings(out)
	return out, nil
}
