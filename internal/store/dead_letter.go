package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/job"
	"github.com/nmang004/thecommons-sub001/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

type DeadLetterStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewDeadLetterStore(dbURL string, logger *log.Logger) (*DeadLetterStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &DeadLetterStore{db: db, logger: logger}, nil
}

func (s *DeadLetterStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the dead_letter table if it does not exist.
func (s *DeadLetterStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS dead_letter (
            id BIGSERIAL PRIMARY KEY,
            job_id VARCHAR(64) NOT NULL,
            type VARCHAR(255) NOT NULL,
            payload BYTEA,
            metadata JSONB,
            priority INTEGER NOT NULL DEFAULT 0,
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at TIMESTAMP WITH TIME ZONE NOT NULL,
            failed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
        );
        CREATE INDEX IF NOT EXISTS idx_dead_letter_failed_at ON dead_letter (failed_at);
    `)
	if err != nil {
		return fmt.Errorf("ensure dead_letter schema: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) Insert(ctx context.Context, j *job.Job) error {
	var metadata []byte
	if j.Metadata != nil {
		var err error
		metadata, err = json.Marshal(j.Metadata)
		if err != nil {
			return fmt.Errorf("marshal dead letter metadata: %w", err)
		}
	}
	var lastError *string
	if j.LastError != "" {
		lastError = &j.LastError
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO dead_letter (job_id, type, payload, metadata, priority, attempts, last_error, created_at, failed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `, j.ID, j.Type, []byte(j.Payload), metadata, j.Priority, j.Attempts, lastError, j.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	s.logger.Infow("Archived dead letter", zap.String("job_id", j.ID), zap.String("type", j.Type))
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, job_id, type, payload, metadata, priority, attempts, last_error, created_at, failed_at
        FROM dead_letter
        ORDER BY failed_at DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var items []DeadLetter
	for rows.Next() {
		var item DeadLetter
		var metadata []byte
		err := rows.Scan(&item.ID, &item.JobID, &item.Type, &item.Payload, &metadata,
			&item.Priority, &item.Attempts, &item.LastError, &item.CreatedAt, &item.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal dead letter metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *DeadLetterStore) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	s.logger.Infow("Deleted dead letter", zap.String("job_id", jobID))
	return nil
}

func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}
