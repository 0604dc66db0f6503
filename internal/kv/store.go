// Package kv defines the key-value port shared by governance, the subscription
// mirror and the push-token directory, plus the key layout they agree on.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("key not found")

// Store is a key-value store with per-key expiry. A zero ttl means the key
// does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan returns every live key starting with prefix, in no particular order.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// Incr increments an integer counter, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	RPush(ctx context.Context, key string, value []byte) error
	// LRange returns the whole list stored at key; missing keys read as empty.
	LRange(ctx context.Context, key string) ([][]byte, error)
	Ping(ctx context.Context) error
}

// Key prefixes.
const (
	SubscriptionPrefix = "weather:subscription:"
	DedupPrefix        = "notif:dedup:"
	HourlyRatePrefix   = "notif:rate:hour:"
	DailyRatePrefix    = "notif:rate:day:"
	BatchPrefix        = "notif:batch:"
	PushTokenPrefix    = "push:token:"
)
