package queue

import (
	"errors"
	"math"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/job"
)

// RetryAfterError lets a handler dictate the delay before the next attempt,
// e.g. when a downstream returns 429 with a Retry-After header.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "retry after " + e.After.String()
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// defaultRetryLadder indexes retry delays by attempt number; attempts past
// the last rung clamp to it.
var defaultRetryLadder = []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second}

// calculateRetryDelay resolves the delay before re-running j after a failed
// attempt. Precedence: explicit handler hint, then the job's backoff policy,
// then the default ladder.
func calculateRetryDelay(j *job.Job, handlerErr error) time.Duration {
	var ra *RetryAfterError
	if errors.As(handlerErr, &ra) && ra.After > 0 {
		return ra.After
	}

	if j.Backoff != nil {
		switch j.Backoff.Type {
		case job.BackoffFixed:
			if j.Backoff.Settings.Delay > 0 {
				return time.Duration(j.Backoff.Settings.Delay) * time.Millisecond
			}
		case job.BackoffExponential:
			return exponentialDelay(j.Backoff.Settings, j.Attempts)
		}
	}

	idx := j.Attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(defaultRetryLadder) {
		idx = len(defaultRetryLadder) - 1
	}
	return defaultRetryLadder[idx]
}

func exponentialDelay(s job.BackoffSettings, attempts int) time.Duration {
	initial := time.Duration(s.Initial) * time.Millisecond
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := s.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	max := job.DefaultExponentialMax
	if s.Max > 0 {
		max = time.Duration(s.Max) * time.Millisecond
	}

	exp := attempts - 1
	if exp < 0 {
		exp = 0
	}
	delay := time.Duration(float64(initial) * math.Pow(multiplier, float64(exp)))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
