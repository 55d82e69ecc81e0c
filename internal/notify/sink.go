package notify

import (
	"context"

	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/model"
	"github.com/diamondops/custody/pkg/webhook"
)

// Sink delivers one notification attempt.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec model.NotificationRecord) error
}

// LogSink writes notices to a logger. It never fails.
type LogSink struct {
	Log *logging.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, rec model.NotificationRecord) error {
	s.Log.Info("notification", map[string]any{
		"notification_id": rec.NotificationID,
		"recipient":       rec.Recipient,
		"template":        rec.Template,
		"attempt":         rec.Attempt,
		"notice":          rec.Notice,
	})
	return nil
}

// WebhookSink posts notices to the configured webhooks.
type WebhookSink struct {
	Client *webhook.Client
}

func (WebhookSink) Name() string { return "webhook" }

func (s WebhookSink) Deliver(ctx context.Context, rec model.NotificationRecord) error {
	return s.Client.Deliver(ctx, webhook.Payload{
		NotificationID: rec.NotificationID,
		Template:       rec.Template,
		Recipient:      rec.Recipient,
		Attempt:        rec.Attempt,
		Notice:         rec.Notice,
	})
}
