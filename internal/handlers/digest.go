package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nmang004/thecommons-sub001/internal/job"
	"github.com/nmang004/thecommons-sub001/internal/log"
	"github.com/nmang004/thecommons-sub001/internal/notify"
	"github.com/nmang004/thecommons-sub001/internal/queue"

	"go.uber.org/zap"
)

// DigestPayload is the payload for TypeDigest jobs, enqueued by the cron
// service.
type DigestPayload struct {
	Date        string `json:"date"`
	RecipientID string `json:"recipientId"`
}

// StatsFunc reads queue stats for the digest body; injected to avoid a
// handler->service cycle.
type StatsFunc func(ctx context.Context) (queue.Stats, error)

// NewDigestHandler sends the editorial team a daily queue summary.
func NewDigestHandler(n notify.Notifier, stats StatsFunc, logger *log.Logger) queue.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var p DigestPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("decode digest payload: %w", err)
		}
		if p.RecipientID == "" {
			p.RecipientID = "editorial-team"
		}

		st, err := stats(ctx)
		if err != nil {
			return fmt.Errorf("collect digest stats: %w", err)
		}

		body := fmt.Sprintf(
			"Queue summary for %s: %d ready, %d scheduled, %d completed, %d failed.",
			p.Date, st.Ready, st.Scheduled, st.Completed, st.Failed)

		err = n.Send(ctx, notify.Notification{
			RecipientID: p.RecipientID,
			Channel:     "in_app",
			Subject:     "Daily job queue digest",
			Body:        body,
			DedupKey:    "digest:" + p.Date,
		})
		if err != nil {
			return err
		}

		logger.Infow("Digest sent", zap.String("job_id", j.ID), zap.String("date", p.Date))
		return nil
	}
}

// RegisterAll wires the pre-registered processors into the queue.
func RegisterAll(q *queue.Service, n notify.Notifier, logger *log.Logger) {
	q.RegisterProcessor(TypeNotification, NewNotificationHandler(n, logger))
	q.RegisterProcessor(TypeReminder, NewReminderHandler(n, logger))
	q.RegisterProcessor(TypeDigest, NewDigestHandler(n, q.Stats, logger))
}
