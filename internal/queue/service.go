package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/config"
	"github.com/nmang004/thecommons-sub001/internal/id"
	"github.com/nmang004/thecommons-sub001/internal/job"
	"github.com/nmang004/thecommons-sub001/internal/log"
	"github.com/nmang004/thecommons-sub001/internal/metrics"
	"github.com/nmang004/thecommons-sub001/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	readyKey     = "jobs:ready"
	scheduledKey = "jobs:scheduled"
	completedKey = "jobs:completed"
	failedKey    = "jobs:failed"
)

func jobKey(jobID string) string {
	return "jobs:job:" + jobID
}

// Handler processes one job. A nil return records the job as completed;
// any error triggers retry bookkeeping. Wrap the error in RetryAfterError
// to dictate the next attempt's delay.
type Handler func(ctx context.Context, j *job.Job) error

// Service is the job queue: it persists jobs in Redis, indexes them by
// state in four sorted sets, and dispatches ready jobs to registered
// processors from a polling worker.
type Service struct {
	rdb     *redis.Client
	cfg     *config.Config
	logger  *log.Logger
	metrics *metrics.QueueMetrics
	archive *store.DeadLetterStore
	ids     *id.Generator

	procsMu sync.RWMutex
	procs   map[string]Handler

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	trigger chan struct{}
	wg      sync.WaitGroup
}

// New builds a Service. metrics and archive may be nil.
func New(rdb *redis.Client, cfg *config.Config, logger *log.Logger, m *metrics.QueueMetrics, archive *store.DeadLetterStore) *Service {
	return &Service{
		rdb:     rdb,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		archive: archive,
		ids:     id.NewGenerator(),
		procs:   make(map[string]Handler),
		trigger: make(chan struct{}, 1),
	}
}

// AddJob persists a job and indexes it as ready (or scheduled when delayed).
// It returns the job id without executing anything synchronously.
func (s *Service) AddJob(ctx context.Context, jobType string, payload json.RawMessage, opts job.Options) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("job type is required")
	}
	opts.Normalize(s.cfg.DefaultMaxAttempts)

	now := time.Now()
	j := &job.Job{
		ID:           s.ids.NewID(),
		Type:         jobType,
		Payload:      payload,
		Priority:     opts.Priority,
		Attempts:     0,
		MaxAttempts:  opts.MaxAttempts,
		CreatedAt:    now,
		ScheduledFor: now.Add(opts.Delay),
		Backoff:      opts.Backoff,
		Metadata:     opts.Metadata,
	}

	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(j.ID), data, s.cfg.Retention())
	due := opts.Delay <= 0
	if due {
		pipe.ZAdd(ctx, readyKey, redis.Z{Score: float64(j.Priority), Member: j.ID})
	} else {
		pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(j.ScheduledFor.UnixMilli()), Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EnqueueTotal.WithLabelValues(jobType).Inc()
	}
	s.logger.Infow("Enqueued job",
		zap.String("job_id", j.ID),
		zap.String("type", jobType),
		zap.Int("priority", j.Priority),
		zap.Duration("delay", opts.Delay))

	if due {
		s.wake()
	}
	return j.ID, nil
}

// ScheduleJob enqueues a job due at scheduleFor. Times in the past behave
// like an immediate AddJob.
func (s *Service) ScheduleJob(ctx context.Context, jobType string, payload json.RawMessage, scheduleFor time.Time, opts job.Options) (string, error) {
	opts.Delay = time.Until(scheduleFor)
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return s.AddJob(ctx, jobType, payload, opts)
}

// RegisterProcessor associates a handler with a job type. Exactly one
// handler per type; the last registration wins.
func (s *Service) RegisterProcessor(jobType string, h Handler) {
	s.procsMu.Lock()
	defer s.procsMu.Unlock()
	s.procs[jobType] = h
	s.logger.Infow("Registered processor", zap.String("type", jobType))
}

func (s *Service) processor(jobType string) (Handler, bool) {
	s.procsMu.RLock()
	defer s.procsMu.RUnlock()
	h, ok := s.procs[jobType]
	return h, ok
}

// Stats reports the cardinality of each state index.
type Stats struct {
	Ready     int64 `json:"ready"`
	Scheduled int64 `json:"scheduled"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	pipe := s.rdb.Pipeline()
	ready := pipe.ZCard(ctx, readyKey)
	scheduled := pipe.ZCard(ctx, scheduledKey)
	completed := pipe.ZCard(ctx, completedKey)
	failed := pipe.ZCard(ctx, failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Ready:     ready.Val(),
		Scheduled: scheduled.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// FailedJobs returns up to limit most-recently-failed jobs whose records
// have not yet expired.
func (s *Service) FailedJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	ids, err := s.rdb.ZRevRange(ctx, failedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jobID := range ids {
		data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
		if err == redis.Nil {
			continue // record expired, index entry outlives it until cleanup
		}
		if err != nil {
			return nil, fmt.Errorf("load failed job %s: %w", jobID, err)
		}
		var j job.Job
		if err := json.Unmarshal(data, &j); err != nil {
			s.logger.Errorw("Corrupt job record", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// Cleanup prunes completed and failed index entries older than the given
// number of days. Ready and scheduled entries are never touched.
func (s *Service) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = s.cfg.RetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()
	max := fmt.Sprintf("%d", cutoff)

	pipe := s.rdb.Pipeline()
	completed := pipe.ZRemRangeByScore(ctx, completedKey, "-inf", max)
	failed := pipe.ZRemRangeByScore(ctx, failedKey, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cleanup indexes: %w", err)
	}

	removed := completed.Val() + failed.Val()
	if removed > 0 {
		s.logger.Infow("Pruned terminal index entries",
			zap.Int64("removed", removed),
			zap.Int("older_than_days", olderThanDays))
	}
	return removed, nil
}

// Close stops the worker and releases the store connections.
func (s *Service) Close() error {
	s.StopWorker()
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.Errorw("Failed to close dead-letter archive", zap.Error(err))
		}
	}
	return s.rdb.Close()
}
