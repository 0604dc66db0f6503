package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/couchcryptid/crop-risk-alerts/internal/fabric"
)

const subscriptionBuffer = 64

// ErrBrokerClosed is returned by operations on a closed Broker.
var ErrBrokerClosed = errors.New("memory broker closed")

// Broker is a fabric.Broker that delivers within the current process.
// Publish blocks until every current subscriber has accepted the message,
// its context ends, or the subscriber closes.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

var _ fabric.Broker = (*Broker)(nil)

// NewBroker creates an in-process broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	targets := make([]*subscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.deliver(ctx, append([]byte(nil), data...)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, channel string) (fabric.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	s := &subscription{
		broker:  b,
		channel: channel,
		ch:      make(chan []byte, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Close ends every open subscription with ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.end(ErrBrokerClosed)
	}
	return nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

type subscription struct {
	broker  *Broker
	channel string

	ch   chan []byte
	done chan struct{}
	once sync.Once

	// mu is held for reading while delivering so end can close ch safely.
	mu     sync.RWMutex
	closed bool
	err    error
}

func (s *subscription) deliver(ctx context.Context, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}
	select {
	case s.ch <- data:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *subscription) Close() error {
	s.broker.remove(s)
	s.end(nil)
	return nil
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.ch)
		s.mu.Unlock()
	})
}
