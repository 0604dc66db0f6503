package alerting

import (
	"context"
	"errors"
	"maps"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/governance"
)

// ErrInvalidNotification is returned by Notify for incomplete requests.
var ErrInvalidNotification = errors.New("invalid notification")

// Outcome statuses.
const (
	OutcomeSent       = "sent"
	OutcomeBatched    = "batched"
	OutcomeSuppressed = "suppressed"
	OutcomeNoTarget   = "no_target"
)

// Outcome reports what happened to a governed notification.
type Outcome struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// NotificationRequest is a push addressed to a recipient directly rather
// than raised by the monitor. Type defaults to weather and Severity to
// medium.
type NotificationRequest struct {
	Recipient string
	Type      string
	Severity  domain.Severity
	Title     string
	Body      string
	Location  string
	Crop      string
	Data      map[string]string
	Force     bool
}

// Notify sends a notification through the same governance as monitor
// alerts: low and medium weather notifications join the recipient's batch,
// everything else is pushed now.
func (d *Dispatcher) Notify(ctx context.Context, req NotificationRequest) (Outcome, error) {
	if req.Recipient == "" || req.Title == "" || req.Body == "" {
		return Outcome{}, ErrInvalidNotification
	}
	if req.Type == "" {
		req.Type = governance.TypeWeather
	}
	if req.Severity == "" {
		req.Severity = domain.SeverityMedium
	}

	data := make(map[string]string, len(req.Data)+1)
	maps.Copy(data, req.Data)
	if _, ok := data["type"]; !ok {
		data["type"] = req.Type
	}

	return d.deliver(ctx, delivery{
		recipient: req.Recipient,
		typ:       req.Type,
		severity:  req.Severity,
		summary:   req.Title + "\n" + req.Body,
		force:     req.Force,
		queued: governance.Notification{
			Location: req.Location,
			Crop:     req.Crop,
			Title:    req.Title,
			Body:     req.Body,
		},
		compose: func(string) governance.Message {
			return governance.Message{Title: req.Title, Body: req.Body}
		},
		data: data,
	})
}
