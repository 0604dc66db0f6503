package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AlertType is the envelope and payload type of a weather alert.
const AlertType = "weather_alert"

// Location is a WGS-84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AlertPayload is the message delivered to WebSocket clients.
type AlertPayload struct {
	Type        string      `json:"type"`
	Severity    Severity    `json:"severity"`
	Risk        string      `json:"risk"`
	Message     string      `json:"message"`
	Advice      string      `json:"advice"`
	Location    Location    `json:"location"`
	Crop        string      `json:"crop"`
	Weather     Observation `json:"weather"`
	Timestamp   time.Time   `json:"timestamp"`
	RecipientID string      `json:"user_id,omitempty"`
}

// NewAlertPayload builds the client-facing alert for a subscription's verdict.
func NewAlertPayload(sub Subscription, obs Observation, v Verdict, at time.Time) AlertPayload {
	return AlertPayload{
		Type:        AlertType,
		Severity:    v.Severity,
		Risk:        v.Risk,
		Message:     v.Message,
		Advice:      v.Advice,
		Location:    Location{Lat: sub.Lat, Lon: sub.Lon},
		Crop:        sub.Crop,
		Weather:     obs,
		Timestamp:   at.UTC(),
		RecipientID: sub.RecipientID,
	}
}

// Envelope wraps an alert payload with the routing metadata used to match it
// against subscriptions on every instance.
type Envelope struct {
	Type      string          `json:"type"`
	Lat       float64         `json:"lat"`
	Lon       float64         `json:"lon"`
	Crop      string          `json:"crop"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrMalformedEnvelope is returned by ParseEnvelope for undecodable input.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ParseEnvelope decodes a fabric message. Coordinates and data are required.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var wire struct {
		Type      string          `json:"type"`
		Lat       *float64        `json:"lat"`
		Lon       *float64        `json:"lon"`
		Crop      string          `json:"crop"`
		Data      json.RawMessage `json:"data"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if wire.Lat == nil || wire.Lon == nil {
		return Envelope{}, fmt.Errorf("%w: missing coordinates", ErrMalformedEnvelope)
	}
	if len(wire.Data) == 0 || string(wire.Data) == "null" {
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	return Envelope{
		Type:      wire.Type,
		Lat:       *wire.Lat,
		Lon:       *wire.Lon,
		Crop:      wire.Crop,
		Data:      wire.Data,
		Timestamp: wire.Timestamp,
	}, nil
}
