package store

import "time"

// DeadLetter is a job that exhausted its retries, archived in Postgres so
// it outlives the Redis record TTL.
type DeadLetter struct {
	ID        int64                  `json:"id"`
	JobID     string                 `json:"job_id"`
	Type      string                 `json:"type"`
	Payload   []byte                 `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Priority  int                    `json:"priority"`
	Attempts  int                    `json:"attempts"`
	LastError *string                `json:"last_error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	FailedAt  time.Time              `json:"failed_at"`
}
