package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/job"
	"github.com/nmang004/thecommons-sub001/internal/log"
	"github.com/nmang004/thecommons-sub001/internal/notify"
	"github.com/nmang004/thecommons-sub001/internal/queue"

	"go.uber.org/zap"
)

// ReminderPayload is the payload for TypeReminder jobs.
type ReminderPayload struct {
	ReviewerID      string    `json:"reviewerId"`
	ReviewerEmail   string    `json:"reviewerEmail"`
	ManuscriptID    string    `json:"manuscriptId"`
	ManuscriptTitle string    `json:"manuscriptTitle"`
	DueDate         time.Time `json:"dueDate"`
}

// NewReminderHandler emails reviewers about pending review assignments. The
// dedup key is stable per reviewer+manuscript+due date, so a promotion that
// crashes mid-move and re-delivers is dropped downstream.
func NewReminderHandler(n notify.Notifier, logger *log.Logger) queue.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var p ReminderPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return fmt.Errorf("decode reminder payload: %w", err)
		}
		if p.ReviewerID == "" || p.ManuscriptID == "" {
			return fmt.Errorf("invalid reminder payload: reviewerId and manuscriptId are required")
		}

		subject := fmt.Sprintf("Review reminder: %s", p.ManuscriptTitle)
		body := fmt.Sprintf("Your review of manuscript %s is due on %s.",
			p.ManuscriptID, p.DueDate.Format("January 2, 2006"))

		err := n.Send(ctx, notify.Notification{
			RecipientID: p.ReviewerID,
			Channel:     "email",
			Subject:     subject,
			Body:        body,
			DedupKey: fmt.Sprintf("reminder:%s:%s:%s",
				p.ReviewerID, p.ManuscriptID, p.DueDate.Format("2006-01-02")),
		})
		if err != nil {
			var rl *notify.RateLimitedError
			if errors.As(err, &rl) {
				return &queue.RetryAfterError{After: rl.After, Err: err}
			}
			return err
		}

		logger.Infow("Reminder sent",
			zap.String("job_id", j.ID),
			zap.String("reviewer", p.ReviewerID),
			zap.String("manuscript", p.ManuscriptID))
		return nil
	}
}
