package domain

import "time"

// Subscription is a live connection's interest in alerts for one coordinate and
// crop. The connection registry owns it for the lifetime of the connection and
// mirrors it into the key-value store so a monitor in any process can find it.
type Subscription struct {
	ConnectionID string    `json:"connection_id"`
	RecipientID  string    `json:"user_id,omitempty"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Crop         string    `json:"crop"`
	Label        string    `json:"label,omitempty"` // farm name, when the client supplied one
	CreatedAt    time.Time `json:"timestamp"`
}

// CropOrGeneric returns the subscription crop, or "generic" when unset.
func (s Subscription) CropOrGeneric() string {
	if s.Crop == "" {
		return GenericCrop
	}
	return s.Crop
}

// GenericCrop is the rule set used when a crop has no rules of its own.
const GenericCrop = "generic"
