package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/log"

	"go.uber.org/zap"
)

// Notification is the platform-facing message shape. DedupKey is the stable
// business identifier the downstream uses to drop duplicate sends.
type Notification struct {
	RecipientID string `json:"recipientId"`
	Channel     string `json:"channel"` // "email" or "in_app"
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	DedupKey    string `json:"dedupKey,omitempty"`
}

// Notifier delivers a notification. Implementations own all wire-level
// concerns; the queue only sees success or failure.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// RateLimitedError signals the downstream asked us to back off.
type RateLimitedError struct {
	After time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("notifier rate limited, retry after %s", e.After)
}

// LogNotifier is the fallback when no webhook endpoint is configured; it
// records the send and succeeds.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, msg Notification) error {
	n.logger.Infow("Notification (log only)",
		zap.String("recipient", msg.RecipientID),
		zap.String("channel", msg.Channel),
		zap.String("subject", msg.Subject),
		zap.String("dedup_key", msg.DedupKey))
	return nil
}
