package metrics

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/config"
	"github.com/nmang004/thecommons-sub001/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Depths are the cardinalities of the four state indexes.
type Depths struct {
	Ready     int64
	Scheduled int64
	Completed int64
	Failed    int64
}

// DepthFunc reads current index depths; wired from the queue service so
// this package stays free of queue imports.
type DepthFunc func(ctx context.Context) (Depths, error)

type QueueMetrics struct {
	EnqueueTotal   *prometheus.CounterVec
	CompletedTotal *prometheus.CounterVec
	RetryTotal     *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	IndexDepth     *prometheus.GaugeVec

	cfg    *config.Config
	logger *log.Logger
}

func NewQueueMetrics(cfg *config.Config, logger *log.Logger) *QueueMetrics {
	m := &QueueMetrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobq_enqueue_total",
				Help: "Total number of enqueued jobs",
			},
			[]string{"type"},
		),
		CompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobq_completed_total",
				Help: "Total number of completed jobs",
			},
			[]string{"type"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobq_retry_total",
				Help: "Total number of retry reschedules",
			},
			[]string{"type"},
		),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobq_failed_total",
				Help: "Total number of terminally failed jobs",
			},
			[]string{"type"},
		),
		IndexDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobq_index_depth",
				Help: "Number of job ids in each state index",
			},
			[]string{"state"},
		),
		cfg:    cfg,
		logger: logger,
	}

	prometheus.MustRegister(
		m.EnqueueTotal,
		m.CompletedTotal,
		m.RetryTotal,
		m.FailedTotal,
		m.IndexDepth,
	)

	return m
}

// Run serves /metrics and refreshes index depth gauges until ctx is done.
func (m *QueueMetrics) Run(ctx context.Context, depths DepthFunc) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    ":" + m.cfg.MetricsPort,
		Handler: mux,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatalw("Failed to load TLS certificates for metrics", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	go m.collect(ctx, depths)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Infow("Metrics server starting with TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Errorw("Metrics server failed", zap.Error(err))
			}
		} else {
			logger.Infow("Metrics server starting without TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("Metrics server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Errorw("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *QueueMetrics) collect(ctx context.Context, depths DepthFunc) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d, err := depths(ctx)
			if err != nil {
				m.logger.Errorw("Failed to collect index depths", zap.Error(err))
				continue
			}
			m.IndexDepth.WithLabelValues("ready").Set(float64(d.Ready))
			m.IndexDepth.WithLabelValues("scheduled").Set(float64(d.Scheduled))
			m.IndexDepth.WithLabelValues("completed").Set(float64(d.Completed))
			m.IndexDepth.WithLabelValues("failed").Set(float64(d.Failed))
		}
	}
}
