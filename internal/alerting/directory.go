package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/kv"
	"github.com/jonboulle/clockwork"
)

// ErrNoPushTarget is returned by Lookup when a recipient has no registered
// device handle.
var ErrNoPushTarget = errors.New("no push target registered")

// ErrInvalidRecipient is returned by Register for incomplete records.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Recipient is a push-capable user.
type Recipient struct {
	ID        string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory resolves recipients to push targets.
type Directory interface {
	Lookup(ctx context.Context, recipient string) (Recipient, error)
	Forget(ctx context.Context, recipient string) error
}

// KVDirectory keeps push targets in the key-value store, one record per
// recipient.
type KVDirectory struct {
	store kv.Store
	clock clockwork.Clock
}

// NewKVDirectory creates a KVDirectory.
func NewKVDirectory(store kv.Store, clock clockwork.Clock) *KVDirectory {
	return &KVDirectory{store: store, clock: clock}
}

// Register stores or replaces the recipient's push target.
func (d *KVDirectory) Register(ctx context.Context, r Recipient) error {
	r.ID = strings.TrimSpace(r.ID)
	r.Token = strings.TrimSpace(r.Token)
	if r.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRecipient)
	}
	if r.Token == "" {
		return fmt.Errorf("%w: push token is required", ErrInvalidRecipient)
	}
	r.UpdatedAt = d.clock.Now().UTC()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal recipient: %w", err)
	}
	if err := d.store.SetEx(ctx, kv.PushTokenPrefix+r.ID, data, 0); err != nil {
		return fmt.Errorf("store push token: %w", err)
	}
	return nil
}

// Lookup returns the recipient's push target or ErrNoPushTarget.
func (d *KVDirectory) Lookup(ctx context.Context, recipient string) (Recipient, error) {
	data, err := d.store.Get(ctx, kv.PushTokenPrefix+recipient)
	if errors.Is(err, kv.ErrNotFound) {
		return Recipient{}, ErrNoPushTarget
	}
	if err != nil {
		return Recipient{}, fmt.Errorf("read push token: %w", err)
	}

	var r Recipient
	if err := json.Unmarshal(data, &r); err != nil {
		return Recipient{}, fmt.Errorf("decode push token for %s: %w", recipient, err)
	}
	if r.Token == "" {
		return Recipient{}, ErrNoPushTarget
	}
	return r, nil
}

// Forget removes the recipient's push target.
func (d *KVDirectory) Forget(ctx context.Context, recipient string) error {
	if err := d.store.Delete(ctx, kv.PushTokenPrefix+recipient); err != nil {
		return fmt.Errorf("delete push token: %w", err)
	}
	return nil
}
