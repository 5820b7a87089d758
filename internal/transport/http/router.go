// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adiadia/readmodel-runtime/internal/catchup"
	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/adiadia/readmodel-runtime/internal/metrics"
	"github.com/adiadia/readmodel-runtime/internal/transport/middleware"
)

const healthTimeout = 2 * time.Second

type Deps struct {
	Progress ProgressReader
	// Notifier is preferred over Runner for POST /catchup/run when both are
	// set, so the API never competes with the worker for the run lock.
	Notifier   CatchupNotifier
	Runner     CatchupRunner
	Health     HealthChecker
	Logger     *slog.Logger
	AdminToken string
	Version    string
	Commit     string
	BuildDate  string
}

type progressResponse struct {
	Projectors []domain.Progress `json:"projectors"`
}

func NewRouter(deps Deps) http.Handler {
	logger := logging.OrDefault(deps.Logger)
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := deps.Health.Check(ctx); err != nil {
				logger.Warn("health check failed", logging.Error(err))
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- CATCH-UP ----------------

	r.Route("/catchup", func(cr chi.Router) {
		if deps.Progress != nil {
			cr.Get("/progress", func(w http.ResponseWriter, r *http.Request) {
				progress, err := deps.Progress.Calculate(r.Context())
				if err != nil {
					logger.Error("calculate progress failed", logging.Error(err))
					http.Error(w, "failed to calculate progress", http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, progressResponse{Projectors: progress})
			})
		}

		if deps.Notifier != nil || deps.Runner != nil {
			cr.With(middleware.AdminTokenAuth(deps.AdminToken, logger)).
				Post("/run", func(w http.ResponseWriter, r *http.Request) {
					if deps.Notifier != nil {
						if err := deps.Notifier.Notify(r.Context()); err != nil {
							logger.Error("catch-up trigger failed", logging.Error(err))
							http.Error(w, "failed to trigger catch-up", http.StatusBadGateway)
							return
						}
						logger.Info("catch-up triggered via API")
						writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
						return
					}

					res, err := deps.Runner.Run(r.Context())
					if err != nil {
						if errors.Is(err, catchup.ErrClosed) {
							http.Error(w, "catch-up is shutting down", http.StatusServiceUnavailable)
							return
						}
						logger.Error("catch-up run failed", logging.Error(err))
						http.Error(w, "catch-up run failed", http.StatusInternalServerError)
						return
					}
					writeJSON(w, http.StatusOK, res)
				})
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
