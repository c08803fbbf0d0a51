package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nmang004/thecommons-sub001/internal/config"
	"github.com/nmang004/thecommons-sub001/internal/job"
	"github.com/nmang004/thecommons-sub001/internal/log"
	"github.com/nmang004/thecommons-sub001/internal/queue"
	"github.com/nmang004/thecommons-sub001/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type enqueueRequest struct {
	Type        string                 `json:"type"`
	Payload     json.RawMessage        `json:"payload"`
	Priority    int                    `json:"priority"`
	MaxAttempts int                    `json:"maxAttempts"`
	DelayMS     int64                  `json:"delayMs"`
	ScheduleFor *time.Time             `json:"scheduleFor,omitempty"`
	Backoff     *job.Backoff           `json:"backoff,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SetupRouter mounts the producer/operator API. archive may be nil; the DLQ
// routes then answer 404.
func SetupRouter(r *chi.Mux, cfg *config.Config, q *queue.Service, rdb *redis.Client, archive *store.DeadLetterStore) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			logger.Errorw("Redis health check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if archive != nil {
			if err := archive.DB().PingContext(r.Context()); err != nil {
				logger.Errorw("Archive health check failed", zap.Error(err))
				http.Error(w, "Archive unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/jobs", func(w http.ResponseWriter, r *http.Request) {
			var req enqueueRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Errorw("Failed to decode enqueue request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.Type == "" {
				http.Error(w, "Missing job type", http.StatusBadRequest)
				return
			}

			opts := job.Options{
				Priority:    req.Priority,
				MaxAttempts: req.MaxAttempts,
				Delay:       time.Duration(req.DelayMS) * time.Millisecond,
				Backoff:     req.Backoff,
				Metadata:    req.Metadata,
			}

			var jobID string
			var err error
			if req.ScheduleFor != nil {
				jobID, err = q.ScheduleJob(r.Context(), req.Type, req.Payload, *req.ScheduleFor, opts)
			} else {
				jobID, err = q.AddJob(r.Context(), req.Type, req.Payload, opts)
			}
			if err != nil {
				logger.Errorw("Failed to enqueue job", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"id": jobID})
		})

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := q.Stats(r.Context())
			if err != nil {
				logger.Errorw("Failed to get queue stats", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if err := json.NewEncoder(w).Encode(stats); err != nil {
				logger.Errorw("Failed to encode stats", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Get("/jobs/failed", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			jobs, err := q.FailedJobs(r.Context(), limit)
			if err != nil {
				logger.Errorw("Failed to list failed jobs", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if jobs == nil {
				jobs = []*job.Job{}
			}
			if err := json.NewEncoder(w).Encode(jobs); err != nil {
				logger.Errorw("Failed to encode failed jobs", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Post("/cleanup", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				OlderThanDays int `json:"olderThanDays"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Errorw("Failed to decode cleanup request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			removed, err := q.Cleanup(r.Context(), req.OlderThanDays)
			if err != nil {
				logger.Errorw("Cleanup failed", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]int64{"removed": removed})
		})

		r.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
			if archive == nil {
				http.Error(w, "Dead-letter archive not configured", http.StatusNotFound)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			items, err := archive.List(r.Context(), limit)
			if err != nil {
				logger.Errorw("Failed to list dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if items == nil {
				items = []store.DeadLetter{}
			}
			if err := json.NewEncoder(w).Encode(items); err != nil {
				logger.Errorw("Failed to encode dead letters", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Post("/dlq/delete", func(w http.ResponseWriter, r *http.Request) {
			if archive == nil {
				http.Error(w, "Dead-letter archive not configured", http.StatusNotFound)
				return
			}
			var req struct {
				JobID string `json:"jobId"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := archive.Delete(r.Context(), req.JobID); err != nil {
				logger.Errorw("Failed to delete dead letter", zap.Error(err), zap.String("job_id", req.JobID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Errorw("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsKey struct{}
