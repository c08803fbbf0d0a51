package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/log"

	"github.com/sony/gobreaker"
)

// WebhookNotifier posts notifications to the journal platform's delivery
// endpoint. A circuit breaker fails fast while the endpoint is down so a
// broken downstream does not stall every dispatch slot.
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *log.Logger
}

func NewWebhookNotifier(url, token string, logger *log.Logger) *WebhookNotifier {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notifier",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Notifier circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &WebhookNotifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
		cb:     cb,
		logger: logger,
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Notification) error {
	_, err := n.cb.Execute(func() (interface{}, error) {
		return nil, n.post(ctx, msg)
	})
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, msg Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{After: retryAfter(resp)}
	default:
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}
