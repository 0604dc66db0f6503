package domain

import "context"

// WeatherSource fetches a fresh observation for a coordinate.
type WeatherSource interface {
	Fetch(ctx context.Context, lat, lon float64) (Observation, error)
}

// PushMessage is a single push notification addressed to one device handle.
type PushMessage struct {
	Token    string
	Title    string
	Body     string
	Data     map[string]string
	Severity Severity
}

// PushResult reports the outcome of a push delivery.
type PushResult struct {
	Success   bool
	MessageID string
	Error     string // provider reason when Success is false, e.g. "token_unregistered"
}

// Pusher delivers push notifications. A nil error with Success=false means the
// provider rejected the message; an error means the call itself failed.
type Pusher interface {
	Send(ctx context.Context, msg PushMessage) (PushResult, error)
}

// PushTokenUnregistered is the PushResult.Error reported when the provider no
// longer recognises the device handle.
const PushTokenUnregistered = "token_unregistered"
