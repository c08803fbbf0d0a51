package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/job"
)

func TestDefaultLadder(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 10 * time.Second},
		{2, 60 * time.Second},
		{3, 300 * time.Second},
		{4, 300 * time.Second}, // clamps to the last rung
		{10, 300 * time.Second},
	}
	for _, c := range cases {
		j := &job.Job{Attempts: c.attempts}
		if got := calculateRetryDelay(j, errors.New("boom")); got != c.want {
			t.Errorf("attempt %d: got %s, want %s", c.attempts, got, c.want)
		}
	}
}

func TestFixedBackoff(t *testing.T) {
	j := &job.Job{
		Attempts: 2,
		Backoff: &job.Backoff{
			Type:     job.BackoffFixed,
			Settings: job.BackoffSettings{Delay: 5000},
		},
	}
	if got := calculateRetryDelay(j, errors.New("boom")); got != 5*time.Second {
		t.Errorf("got %s, want 5s", got)
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	policy := &job.Backoff{
		Type: job.BackoffExponential,
		Settings: job.BackoffSettings{
			Initial:    1000,
			Multiplier: 2,
			Max:        5000,
		},
	}

	j := &job.Job{Attempts: 3, Backoff: policy}
	if got := calculateRetryDelay(j, errors.New("boom")); got != 4*time.Second {
		t.Errorf("attempt 3: got %s, want 4s", got)
	}

	j.Attempts = 4
	if got := calculateRetryDelay(j, errors.New("boom")); got != 5*time.Second {
		t.Errorf("attempt 4: got %s, want capped 5s", got)
	}
}

func TestExponentialBackoffDefaultCap(t *testing.T) {
	j := &job.Job{
		Attempts: 20,
		Backoff: &job.Backoff{
			Type:     job.BackoffExponential,
			Settings: job.BackoffSettings{Initial: 1000, Multiplier: 2},
		},
	}
	if got := calculateRetryDelay(j, errors.New("boom")); got != job.DefaultExponentialMax {
		t.Errorf("got %s, want default cap %s", got, job.DefaultExponentialMax)
	}
}

func TestRetryAfterHintWins(t *testing.T) {
	j := &job.Job{
		Attempts: 1,
		Backoff: &job.Backoff{
			Type:     job.BackoffFixed,
			Settings: job.BackoffSettings{Delay: 60000},
		},
	}
	err := fmt.Errorf("send: %w", &RetryAfterError{After: 2 * time.Second, Err: errors.New("429")})
	if got := calculateRetryDelay(j, err); got != 2*time.Second {
		t.Errorf("got %s, want hinted 2s", got)
	}
}

func TestRetryAfterErrorUnwrap(t *testing.T) {
	cause := errors.New("rate limited")
	err := &RetryAfterError{After: time.Second, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected RetryAfterError to unwrap to its cause")
	}
	if err.Error() != "rate limited" {
		t.Errorf("got %q, want cause message", err.Error())
	}
}
