// Package schedule runs the recurring maintenance work: the nightly
// retention sweep and the daily editorial digest enqueue.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/config"
	"github.com/nmang004/thecommons-sub001/internal/handlers"
	"github.com/nmang004/thecommons-sub001/internal/job"
	"github.com/nmang004/thecommons-sub001/internal/log"
	"github.com/nmang004/thecommons-sub001/internal/queue"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Service struct {
	queue  *queue.Service
	cfg    *config.Config
	logger *log.Logger
	cron   *cron.Cron
}

func NewService(q *queue.Service, cfg *config.Config, logger *log.Logger) (*Service, error) {
	s := &Service{
		queue:  q,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
	}

	if _, err := s.cron.AddFunc(cfg.CleanupCron, s.runCleanup); err != nil {
		return nil, fmt.Errorf("invalid CLEANUP_CRON %q: %w", cfg.CleanupCron, err)
	}
	if cfg.DigestCron != "" {
		if _, err := s.cron.AddFunc(cfg.DigestCron, s.enqueueDigest); err != nil {
			return nil, fmt.Errorf("invalid DIGEST_CRON %q: %w", cfg.DigestCron, err)
		}
	}

	return s, nil
}

func (s *Service) Start() {
	s.cron.Start()
	s.logger.Infow("Schedule service started",
		zap.String("cleanup_cron", s.cfg.CleanupCron),
		zap.String("digest_cron", s.cfg.DigestCron))
}

// Stop halts the cron scheduler and waits for running entries to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Schedule service stopped")
}

func (s *Service) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := s.queue.Cleanup(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.logger.Errorw("Scheduled cleanup failed", zap.Error(err))
		return
	}
	s.logger.Infow("Scheduled cleanup completed", zap.Int64("removed", removed))
}

func (s *Service) enqueueDigest() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, _ := json.Marshal(handlers.DigestPayload{
		Date: time.Now().Format("2006-01-02"),
	})
	jobID, err := s.queue.AddJob(ctx, handlers.TypeDigest, payload, job.Options{})
	if err != nil {
		s.logger.Errorw("Failed to enqueue digest job", zap.Error(err))
		return
	}
	s.logger.Infow("Digest job enqueued", zap.String("job_id", jobID))
}
