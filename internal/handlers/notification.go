// Package handlers holds the processors registered into the queue and the
// typed payload each job type carries.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nmang004/thecommons-sub001/internal/job"
	"github.com/nmang004/thecommons-sub001/internal/log"
	"github.com/nmang004/thecommons-sub001/internal/notify"
	"github.com/nmang004/thecommons-sub001/internal/queue"

	"go.uber.org/zap"
)

// Job types with pre-registered processors.
const (
	TypeNotification = "notification.dispatch"
	TypeReminder     = "review.reminder"
	TypeDigest       = "editorial.digest"
)

// NotificationPayload is the payload for TypeNotification jobs.
type NotificationPayload struct {
	RecipientID string `json:"recipientId"`
	Channel     string `json:"channel"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	DedupKey    string `json:"dedupKey,omitempty"`
}

func (p *NotificationPayload) validate() error {
	if p.RecipientID == "" {
		return fmt.Errorf("recipientId is required")
	}
	if p.Channel != "email" && p.Channel != "in_app" {
		return fmt.Errorf("unknown channel %q", p.Channel)
	}
	return nil
}

// NewNotificationHandler dispatches outbound notifications through the
// notifier collaborator. Rate-limit responses become retry-after hints so
// the queue reschedules at the pace the downstream asked for.
func NewNotificationHandler(n notify.Notifier, logger *log.Logger) queue.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var p NotificationPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("decode notification payload: %w", err)
		}
		if err := p.validate(); err != nil {
			return fmt.Errorf("invalid notification payload: %w", err)
		}

		err := n.Send(ctx, notify.Notification{
			RecipientID: p.RecipientID,
			Channel:     p.Channel,
			Subject:     p.Subject,
			Body:        p.Body,
			DedupKey:    p.DedupKey,
		})
		if err != nil {
			var rl *notify.RateLimitedError
			if errors.As(err, &rl) {
				return &queue.RetryAfterError{After: rl.After, Err: err}
			}
			return err
		}

		logger.Infow("Notification dispatched",
			zap.String("job_id", j.ID),
			zap.String("recipient", p.RecipientID),
			zap.String("channel", p.Channel))
		return nil
	}
}
