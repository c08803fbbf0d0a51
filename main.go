package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nmang004/thecommons-sub001/internal/config"
	"github.com/nmang004/thecommons-sub001/internal/handlers"
	"github.com/nmang004/thecommons-sub001/internal/log"
	"github.com/nmang004/thecommons-sub001/internal/metrics"
	"github.com/nmang004/thecommons-sub001/internal/notify"
	"github.com/nmang004/thecommons-sub001/internal/queue"
	"github.com/nmang004/thecommons-sub001/internal/schedule"
	"github.com/nmang004/thecommons-sub001/internal/server"
	"github.com/nmang004/thecommons-sub001/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("Failed to load config", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatalw("Failed to connect to Redis", zap.Error(err))
	}

	var archive *store.DeadLetterStore
	if cfg.DatabaseURL != "" {
		archive, err = store.NewDeadLetterStore(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatalw("Failed to initialize dead-letter archive", zap.Error(err))
		}
		if err := archive.EnsureSchema(context.Background()); err != nil {
			logger.Fatalw("Failed to ensure dead-letter schema", zap.Error(err))
		}
	} else {
		logger.Warn("DATABASE_URL not set, dead-letter archive disabled")
	}

	queueMetrics := metrics.NewQueueMetrics(cfg, logger)
	q := queue.New(rdb, cfg, logger, queueMetrics, archive)

	var notifier notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyAuthToken, logger)
	} else {
		logger.Warn("NOTIFY_WEBHOOK_URL not set, notifications are log-only")
		notifier = notify.NewLogNotifier(logger)
	}
	handlers.RegisterAll(q, notifier, logger)

	q.StartWorker()

	scheduler, err := schedule.NewService(q, cfg, logger)
	if err != nil {
		logger.Fatalw("Failed to initialize schedule service", zap.Error(err))
	}
	scheduler.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go queueMetrics.Run(ctx, func(ctx context.Context) (metrics.Depths, error) {
		stats, err := q.Stats(ctx)
		if err != nil {
			return metrics.Depths{}, err
		}
		return metrics.Depths{
			Ready:     stats.Ready,
			Scheduled: stats.Scheduled,
			Completed: stats.Completed,
			Failed:    stats.Failed,
		}, nil
	})

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, q, rdb, archive)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatalw("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Infow("Server starting with TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("Server failed", zap.Error(err))
			}
		} else {
			logger.Infow("Server starting without TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("Server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Errorw("Server shutdown failed", zap.Error(err))
	}
	scheduler.Stop()
	if err := q.Close(); err != nil {
		logger.Errorw("Queue shutdown failed", zap.Error(err))
	}
}
