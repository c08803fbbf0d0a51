package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/job"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartWorker launches the dispatch and promotion loops. Calling it while
// the worker is already running is a no-op.
func (s *Service) StartWorker() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.promoteLoop()
	s.logger.Infow("Worker started",
		zap.String("worker_id", s.cfg.WorkerID),
		zap.Duration("dispatch_interval", s.cfg.DispatchInterval),
		zap.Duration("promote_interval", s.cfg.PromoteInterval))
}

// StopWorker stops both loops and waits for the in-flight tick to finish.
// Idempotent.
func (s *Service) StopWorker() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.running = false
	s.logger.Infow("Worker stopped", zap.String("worker_id", s.cfg.WorkerID))
}

// wake nudges the dispatch loop without waiting for the next tick.
// Non-blocking; a pending nudge is enough.
func (s *Service) wake() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.dispatchBatch(ctx); err != nil {
				s.logger.Errorw("Dispatch tick failed", zap.Error(err))
			}
		case <-s.trigger:
			ticker.Reset(s.cfg.DispatchInterval)
			if err := s.dispatchBatch(ctx); err != nil {
				s.logger.Errorw("Dispatch tick failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) promoteLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PromoteInterval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.moveScheduledJobs(ctx); err != nil {
				s.logger.Errorw("Promotion tick failed", zap.Error(err))
			}
		}
	}
}

// dispatchBatch pulls up to DispatchBatchSize ready ids, highest priority
// first, and processes each in turn. Batches never overlap within one
// process.
func (s *Service) dispatchBatch(ctx context.Context) error {
	ids, err := s.rdb.ZRevRange(ctx, readyKey, 0, int64(s.cfg.DispatchBatchSize-1)).Result()
	if err != nil {
		return fmt.Errorf("range ready index: %w", err)
	}
	for _, jobID := range ids {
		if err := s.processJob(ctx, jobID); err != nil {
			s.logger.Errorw("Job processing step failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

// processJob runs one dispatch step for a single id. The ZRem is the claim:
// when it reports zero members removed another worker got there first and
// this step aborts without side effects.
func (s *Service) processJob(ctx context.Context, jobID string) error {
	removed, err := s.rdb.ZRem(ctx, readyKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if removed == 0 {
		return nil
	}

	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		s.logger.Warnw("Job record missing at dispatch, dropping", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		s.logger.Warnw("Corrupt job record, dropping", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}

	j.Attempts++
	if err := s.persist(ctx, &j); err != nil {
		return err
	}

	if j.Attempts > j.MaxAttempts {
		return s.markFailed(ctx, &j, fmt.Errorf("attempts exhausted"))
	}

	h, ok := s.processor(j.Type)
	if !ok {
		// Configuration error, not a transient fault: no retry.
		return s.markFailed(ctx, &j, fmt.Errorf("no processor registered for type %q", j.Type))
	}

	if err := s.invoke(ctx, h, &j); err != nil {
		return s.handleFailure(ctx, &j, err)
	}
	return s.markCompleted(ctx, &j)
}

// invoke runs the handler under the configured timeout and converts panics
// into errors so nothing escapes the dispatch loop.
func (s *Service) invoke(ctx context.Context, h Handler, j *job.Job) (err error) {
	if s.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, j)
}

func (s *Service) handleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	j.LastError = handlerErr.Error()
	if err := s.persist(ctx, j); err != nil {
		return err
	}

	if j.Attempts >= j.MaxAttempts {
		return s.markFailed(ctx, j, handlerErr)
	}

	delay := calculateRetryDelay(j, handlerErr)
	dueAt := time.Now().Add(delay)
	if err := s.rdb.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: j.ID,
	}).Err(); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RetryTotal.WithLabelValues(j.Type).Inc()
	}
	s.logger.Infow("Job scheduled for retry",
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.Int("attempt", j.Attempts),
		zap.Duration("delay", delay),
		zap.String("error", j.LastError))
	return nil
}

func (s *Service) markCompleted(ctx context.Context, j *job.Job) error {
	if err := s.rdb.ZAdd(ctx, completedKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: j.ID,
	}).Err(); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CompletedTotal.WithLabelValues(j.Type).Inc()
	}
	s.logger.Infow("Job completed",
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.Int("attempts", j.Attempts))
	return nil
}

func (s *Service) markFailed(ctx context.Context, j *job.Job, cause error) error {
	j.LastError = cause.Error()
	if err := s.persist(ctx, j); err != nil {
		return err
	}
	if err := s.rdb.ZAdd(ctx, failedKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: j.ID,
	}).Err(); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	if s.archive != nil {
		// Archive failures must not disturb queue bookkeeping.
		if err := s.archive.Insert(ctx, j); err != nil {
			s.logger.Errorw("Failed to archive dead letter", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.FailedTotal.WithLabelValues(j.Type).Inc()
	}
	s.logger.Warnw("Job failed",
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.Int("attempts", j.Attempts),
		zap.String("error", j.LastError))
	return nil
}

// moveScheduledJobs promotes due scheduled jobs into the ready index, a
// bounded batch per tick. The ZAdd/ZRem pair is deliberately not a single
// atomic move; handlers own dedup for the rare crash in between.
func (s *Service) moveScheduledJobs(ctx context.Context) error {
	now := time.Now().UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: int64(s.cfg.PromoteBatchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("range scheduled index: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	promoted := 0
	for _, jobID := range ids {
		data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
		if err == redis.Nil {
			s.rdb.ZRem(ctx, scheduledKey, jobID)
			s.logger.Warnw("Scheduled job record expired, dropping", zap.String("job_id", jobID))
			continue
		}
		if err != nil {
			s.logger.Errorw("Failed to load scheduled job", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		var j job.Job
		if err := json.Unmarshal(data, &j); err != nil {
			s.rdb.ZRem(ctx, scheduledKey, jobID)
			s.logger.Warnw("Corrupt scheduled job record, dropping", zap.String("job_id", jobID), zap.Error(err))
			continue
		}

		if err := s.rdb.ZAdd(ctx, readyKey, redis.Z{Score: float64(j.Priority), Member: jobID}).Err(); err != nil {
			s.logger.Errorw("Failed to promote job", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if err := s.rdb.ZRem(ctx, scheduledKey, jobID).Err(); err != nil {
			s.logger.Errorw("Failed to remove promoted job from scheduled index",
				zap.String("job_id", jobID), zap.Error(err))
		}
		promoted++
	}

	if promoted > 0 {
		s.logger.Infow("Promoted scheduled jobs", zap.Int("count", promoted))
		s.wake()
	}
	return nil
}

func (s *Service) persist(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.rdb.Set(ctx, jobKey(j.ID), data, s.cfg.Retention()).Err(); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	return nil
}
