package fcm

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/google/uuid"
)

// LogPusher stands in for FCM when push delivery is disabled. Every message
// is logged and reported as delivered.
type LogPusher struct {
	logger *slog.Logger
}

func NewLogPusher(logger *slog.Logger) *LogPusher {
	return &LogPusher{logger: logger}
}

func (p *LogPusher) Send(_ context.Context, msg domain.PushMessage) (domain.PushResult, error) {
	id := "log:" + uuid.NewString()
	p.logger.Info("push delivery disabled, logging notification",
		"message_id", id,
		"token", redact(msg.Token),
		"severity", msg.Severity,
		"title", msg.Title,
		"body", msg.Body,
	)
	return domain.PushResult{Success: true, MessageID: id}, nil
}
