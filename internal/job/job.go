package job

import (
	"encoding/json"
	"time"
)

// Backoff policy kinds.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// DefaultExponentialMax caps exponential backoff when the policy does not
// set its own ceiling.
const DefaultExponentialMax = 300 * time.Second

// Backoff is the retry delay policy attached to a job. Delays are carried
// in milliseconds on the wire.
type Backoff struct {
	Type     string          `json:"type"`
	Settings BackoffSettings `json:"settings"`
}

type BackoffSettings struct {
	// Delay is the constant delay for fixed policies, in milliseconds.
	Delay int64 `json:"delay,omitempty"`
	// Initial, Multiplier and Max drive exponential policies.
	Initial    int64   `json:"initial,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Max        int64   `json:"max,omitempty"`
}

// Job is the unit of asynchronous work. A job's id is a member of exactly
// one of the ready, scheduled, completed or failed indexes at any time; the
// record itself lives under its own key with a bounded TTL.
type Job struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Payload      json.RawMessage        `json:"payload"`
	Priority     int                    `json:"priority"`
	Attempts     int                    `json:"attempts"`
	MaxAttempts  int                    `json:"maxAttempts"`
	CreatedAt    time.Time              `json:"createdAt"`
	ScheduledFor time.Time              `json:"scheduledFor"`
	Backoff      *Backoff               `json:"backoff,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	LastError    string                 `json:"lastError,omitempty"`
}

// Options customize enqueueing. The zero value means: priority 0, the
// service's default attempt ceiling, immediate dispatch, ladder backoff.
type Options struct {
	Priority    int
	MaxAttempts int
	Delay       time.Duration
	Backoff     *Backoff
	Metadata    map[string]interface{}
}

// Normalize applies service defaults to unset fields.
func (o *Options) Normalize(defaultMaxAttempts int) {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
}
