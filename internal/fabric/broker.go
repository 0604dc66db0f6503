package fabric

import "context"

// Broker is a publish/subscribe transport shared by every instance.
type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe starts receiving messages published on channel after the call
	// returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live channel subscription.
type Subscription interface {
	// Messages is closed when the subscription ends, either by Close or by a
	// transport failure.
	Messages() <-chan []byte
	// Err reports the transport failure that ended the subscription, or nil
	// if it was closed normally.
	Err() error
	Close() error
}
