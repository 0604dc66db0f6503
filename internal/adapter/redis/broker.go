package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/couchcryptid/crop-risk-alerts/internal/fabric"
	goredis "github.com/redis/go-redis/v9"
)

// Broker implements fabric.Broker with Redis PUBLISH/SUBSCRIBE.
type Broker struct {
	client goredis.UniversalClient
}

var _ fabric.Broker = (*Broker)(nil)

// NewBroker creates a broker over an existing client.
func NewBroker(client goredis.UniversalClient) *Broker {
	return &Broker{client: client}
}

func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription before returning,
// so messages published afterwards are not missed.
func (b *Broker) Subscribe(ctx context.Context, channel string) (fabric.Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		ps:     ps,
		cancel: cancel,
		ch:     make(chan []byte),
		done:   make(chan struct{}),
	}
	go s.run(runCtx)
	return s, nil
}

type subscription struct {
	ps     *goredis.PubSub
	cancel context.CancelFunc
	ch     chan []byte
	done   chan struct{}

	mu      sync.Mutex
	closing bool
	err     error
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closing && !errors.Is(err, context.Canceled) {
				s.err = fmt.Errorf("redis receive: %w", err)
			}
			s.mu.Unlock()
			return
		}
		select {
		case s.ch <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	err := s.ps.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("redis unsubscribe: %w", err)
	}
	return nil
}
