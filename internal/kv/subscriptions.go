package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
)

// SubscriptionTTL bounds how long a mirrored subscription outlives a process
// that died without cleaning up.
const SubscriptionTTL = 24 * time.Hour

// Subscriptions mirrors live subscriptions into the store so the monitor on
// any instance can enumerate them.
type Subscriptions struct {
	store  Store
	logger *slog.Logger
}

// NewSubscriptions creates a subscription mirror over store.
func NewSubscriptions(store Store, logger *slog.Logger) *Subscriptions {
	return &Subscriptions{store: store, logger: logger}
}

// Put stores sub under its connection id, replacing any previous record.
func (s *Subscriptions) Put(ctx context.Context, sub domain.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := s.store.SetEx(ctx, SubscriptionPrefix+sub.ConnectionID, data, SubscriptionTTL); err != nil {
		return fmt.Errorf("store subscription %s: %w", sub.ConnectionID, err)
	}
	return nil
}

// Remove deletes the record for connID. Missing records are not an error.
func (s *Subscriptions) Remove(ctx context.Context, connID string) error {
	if err := s.store.Delete(ctx, SubscriptionPrefix+connID); err != nil {
		return fmt.Errorf("delete subscription %s: %w", connID, err)
	}
	return nil
}

// List returns every mirrored subscription. Records that expire between the
// scan and the read are skipped, as are records that fail to decode.
func (s *Subscriptions) List(ctx context.Context) ([]domain.Subscription, error) {
	keys, err := s.store.Scan(ctx, SubscriptionPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan subscriptions: %w", err)
	}

	subs := make([]domain.Subscription, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}

		var sub domain.Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			s.logger.Warn("skipping malformed subscription record", "key", key, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
