// Package alerting turns verdicts into outbound alerts: a fabric broadcast for
// live clients and, when the recipient is known, a governed push
// notification.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/couchcryptid/crop-risk-alerts/internal/domain"
	"github.com/couchcryptid/crop-risk-alerts/internal/governance"
	"github.com/couchcryptid/crop-risk-alerts/internal/observability"
	"github.com/jonboulle/clockwork"
)

// ErrPushRejected is returned when the push provider refused a message.
var ErrPushRejected = errors.New("push rejected")

// Publisher broadcasts an alert to every instance.
type Publisher interface {
	PublishAlert(ctx context.Context, lat, lon float64, crop string, payload any) error
}

// Governor gates push notifications.
type Governor interface {
	ShouldSend(ctx context.Context, recipient, typ string, severity domain.Severity, summary string, force bool) (governance.Decision, error)
	MarkSent(ctx context.Context, recipient, typ string, severity domain.Severity, summary string) error
	Enqueue(ctx context.Context, recipient string, n governance.Notification) error
}

// Dispatcher runs the alert pipeline for one verdict.
type Dispatcher struct {
	publisher  Publisher
	governor   Governor
	directory  Directory
	pusher     domain.Pusher
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	resolution float64
}

// NewDispatcher creates a Dispatcher. resolution is the location bucket size
// used in the dedup summary.
func NewDispatcher(publisher Publisher, governor Governor, directory Directory, pusher domain.Pusher,
	clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, resolution float64,
) *Dispatcher {
	return &Dispatcher{
		publisher:  publisher,
		governor:   governor,
		directory:  directory,
		pusher:     pusher,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		resolution: resolution,
	}
}

// Dispatch publishes the alert on the fabric, then pushes it to the
// subscription's recipient if governance approves. A failed publish does not
// prevent the push; both failures are returned joined.
func (d *Dispatcher) Dispatch(ctx context.Context, sub domain.Subscription, obs domain.Observation, v domain.Verdict) error {
	payload := domain.NewAlertPayload(sub, obs, v, d.clock.Now())

	var errs []error
	if err := d.publisher.PublishAlert(ctx, sub.Lat, sub.Lon, sub.Crop, payload); err != nil {
		errs = append(errs, fmt.Errorf("publish alert: %w", err))
	}
	if sub.RecipientID != "" {
		if err := d.notify(ctx, sub, obs, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) notify(ctx context.Context, sub domain.Subscription, obs domain.Observation, v domain.Verdict) error {
	queued := governance.ComposeMessage(d.messageInput(sub, obs, v, ""))
	_, err := d.deliver(ctx, delivery{
		recipient: sub.RecipientID,
		typ:       governance.TypeWeather,
		severity:  v.Severity,
		summary:   d.summary(sub, v),
		force:     v.Severity == domain.SeverityCritical,
		queued: governance.Notification{
			Risk:     v.Risk,
			Location: sub.Label,
			Crop:     sub.Crop,
			Title:    queued.Title,
			Body:     queued.Body,
		},
		compose: func(name string) governance.Message {
			return governance.ComposeMessage(d.messageInput(sub, obs, v, name))
		},
		data: pushData(sub, v),
	})
	return err
}

// delivery is one governed push: what it is for dedup, what to queue when
// it is batched and how to render it once the recipient is known.
type delivery struct {
	recipient string
	typ       string
	severity  domain.Severity
	summary   string
	force     bool
	queued    governance.Notification
	compose   func(name string) governance.Message
	data      map[string]string
}

// deliver runs governance, then either queues the notification for the next
// batch digest or pushes it immediately. A queued notification is marked
// sent at enqueue time so repeats inside the dedup window are suppressed and
// it counts toward the recipient's rate limits.
func (d *Dispatcher) deliver(ctx context.Context, dl delivery) (Outcome, error) {
	decision, err := d.governor.ShouldSend(ctx, dl.recipient, dl.typ, dl.severity, dl.summary, dl.force)
	if err != nil {
		return Outcome{}, fmt.Errorf("governance check: %w", err)
	}
	if !decision.Send {
		d.metrics.PushRequests.WithLabelValues("suppressed").Inc()
		d.logger.Debug("push suppressed", "user_id", dl.recipient, "reason", decision.Reason, "summary", dl.summary)
		return Outcome{Status: OutcomeSuppressed, Reason: decision.Reason}, nil
	}

	if governance.ShouldBatch(dl.severity, dl.typ) {
		n := dl.queued
		n.Type = dl.typ
		n.Severity = dl.severity
		if err := d.governor.Enqueue(ctx, dl.recipient, n); err != nil {
			return Outcome{}, fmt.Errorf("enqueue notification: %w", err)
		}
		d.metrics.PushRequests.WithLabelValues("batched").Inc()
		if err := d.governor.MarkSent(ctx, dl.recipient, dl.typ, dl.severity, dl.summary); err != nil {
			return Outcome{}, fmt.Errorf("mark sent: %w", err)
		}
		return Outcome{Status: OutcomeBatched, Reason: decision.Reason}, nil
	}

	target, err := d.directory.Lookup(ctx, dl.recipient)
	if errors.Is(err, ErrNoPushTarget) {
		d.logger.Debug("no push target", "user_id", dl.recipient)
		return Outcome{Status: OutcomeNoTarget}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup push target: %w", err)
	}

	msg := dl.compose(target.Name)
	res, err := d.pusher.Send(ctx, domain.PushMessage{
		Token:    target.Token,
		Title:    msg.Title,
		Body:     msg.Body,
		Data:     dl.data,
		Severity: dl.severity,
	})
	if err != nil {
		d.metrics.PushRequests.WithLabelValues("error").Inc()
		return Outcome{}, fmt.Errorf("push to %s: %w", dl.recipient, err)
	}
	if !res.Success {
		d.metrics.PushRequests.WithLabelValues("rejected").Inc()
		if res.Error == domain.PushTokenUnregistered {
			if err := d.directory.Forget(ctx, dl.recipient); err != nil {
				d.logger.Warn("forget unregistered push token failed", "user_id", dl.recipient, "error", err)
			}
		}
		return Outcome{}, fmt.Errorf("%w: %s", ErrPushRejected, res.Error)
	}

	d.metrics.PushRequests.WithLabelValues("sent").Inc()
	d.logger.Info("push sent",
		"user_id", dl.recipient,
		"severity", dl.severity,
		"summary", dl.summary,
		"message_id", res.MessageID,
	)
	if err := d.governor.MarkSent(ctx, dl.recipient, dl.typ, dl.severity, dl.summary); err != nil {
		return Outcome{}, fmt.Errorf("mark sent: %w", err)
	}
	return Outcome{Status: OutcomeSent, Reason: decision.Reason, MessageID: res.MessageID}, nil
}

// summary identifies the alert content for dedup: the same risk at the same
// bucket and crop is one notification.
func (d *Dispatcher) summary(sub domain.Subscription, v domain.Verdict) string {
	return v.Risk + ":" + domain.Bucket(sub.Lat, sub.Lon, d.resolution) + ":" + domain.NormalizeCrop(sub.CropOrGeneric())
}

func (d *Dispatcher) messageInput(sub domain.Subscription, obs domain.Observation, v domain.Verdict, name string) governance.MessageInput {
	return governance.MessageInput{
		RecipientName: name,
		LocationName:  sub.Label,
		Crop:          sub.Crop,
		Severity:      v.Severity,
		Risk:          v.Message,
		Weather:       obs,
	}
}

func pushData(sub domain.Subscription, v domain.Verdict) map[string]string {
	return map[string]string{
		"type": domain.AlertType,
		"risk": v.Risk,
		"crop": sub.CropOrGeneric(),
		"lat":  strconv.FormatFloat(sub.Lat, 'f', -1, 64),
		"lon":  strconv.FormatFloat(sub.Lon, 'f', -1, 64),
	}
}
