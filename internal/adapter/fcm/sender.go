// Package fcm delivers push notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/jonboulle/clockwork"
	"google.golang.org/api/option"
)

const (
	androidChannelID = "critical_alerts_channel"
	androidIcon      = "ic_launcher"
	androidColor     = "#4CAF50"
	defaultSound     = "default"
)

// Messenger is the subset of *messaging.Client used by Sender.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Config selects the Firebase project and credentials. Options are appended
// after the credentials option.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Options         []option.ClientOption
}

// Sender implements domain.Pusher on top of FCM.
type Sender struct {
	client Messenger
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewSender wraps an existing messaging client.
func NewSender(client Messenger, clock clockwork.Clock, logger *slog.Logger) *Sender {
	return &Sender{client: client, clock: clock, logger: logger}
}

// New initialises a Firebase app and returns a Sender bound to its messaging
// client.
func New(ctx context.Context, cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Sender, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	opts = append(opts, cfg.Options...)

	var fbCfg *firebase.Config
	if cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return NewSender(client, clock, logger), nil
}

// Send delivers one notification. Tokens the provider no longer recognises
// come back as a rejected result with domain.PushTokenUnregistered.
func (s *Sender) Send(ctx context.Context, msg domain.PushMessage) (domain.PushResult, error) {
	id, err := s.client.Send(ctx, buildMessage(msg, s.clock.Now()))
	switch {
	case err == nil:
		s.logger.Debug("push sent", "message_id", id, "token", redact(msg.Token))
		return domain.PushResult{Success: true, MessageID: id}, nil
	case messaging.IsUnregistered(err):
		s.logger.Warn("push token unregistered", "token", redact(msg.Token))
		return domain.PushResult{Error: domain.PushTokenUnregistered}, nil
	case messaging.IsInvalidArgument(err):
		s.logger.Warn("push rejected", "token", redact(msg.Token), "error", err)
		return domain.PushResult{Error: "invalid_argument"}, nil
	default:
		return domain.PushResult{}, fmt.Errorf("fcm send: %w", err)
	}
}

func buildMessage(msg domain.PushMessage, now time.Time) *messaging.Message {
	data := make(map[string]string, len(msg.Data)+2)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["severity"] = string(msg.Severity)
	data["timestamp"] = now.UTC().Format(time.RFC3339)

	priority, notifPriority := "normal", messaging.PriorityDefault
	if msg.Severity.Alerting() {
		priority, notifPriority = "high", messaging.PriorityHigh
	}
	badge := 1

	return &messaging.Message{
		Token: msg.Token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: priority,
			Notification: &messaging.AndroidNotification{
				ChannelID: androidChannelID,
				Icon:      androidIcon,
				Color:     androidColor,
				Sound:     defaultSound,
				Priority:  notifPriority,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: msg.Title, Body: msg.Body},
					Badge: &badge,
					Sound: defaultSound,
				},
			},
		},
	}
}

// redact keeps enough of a device token to correlate log lines.
func redact(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
