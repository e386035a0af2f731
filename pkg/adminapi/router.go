// Package adminapi is the server's non-protocol HTTP surface: health
// probes, Prometheus metrics, and a small JWT-gated operator API over the
// neighborhood store. It never touches the wire protocol or its session
// state — every dependency here is read-only or queue-enqueuing.
package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/pkg/adminapi/auth"
	"github.com/marmos91/profileserver/pkg/adminapi/handlers"
	apimiddleware "github.com/marmos91/profileserver/pkg/adminapi/middleware"
	"github.com/marmos91/profileserver/pkg/metrics"
	"github.com/marmos91/profileserver/pkg/store"
)

// Deps bundles the admin API's dependencies, built once in the
// composition root.
type Deps struct {
	Store      *store.Store
	Metrics    *metrics.Metrics
	JWTService *auth.JWTService

	AdminUser         string
	AdminPasswordHash string
}

// NewRouter builds the chi router for the admin listener.
//
// Routes:
//   - GET  /healthz        - liveness probe
//   - GET  /healthz/ready  - readiness probe (store reachable)
//   - GET  /metrics        - Prometheus exposition
//   - POST /api/v1/auth/login
//   - POST /api/v1/auth/refresh
//   - GET  /api/v1/neighbors            (JWT required)
//   - GET  /api/v1/followers            (JWT required)
//   - GET  /api/v1/actions              (JWT required)
//   - POST /api/v1/neighbors/{serverID}/refresh  (JWT required)
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(d.Store)
	r.Route("/healthz", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	r.Handle("/metrics", d.Metrics.Handler())

	authHandler := handlers.NewAuthHandler(d.AdminUser, d.AdminPasswordHash, d.JWTService)
	neighborhoodHandler := handlers.NewNeighborhoodHandler(d.Store)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.JWTAuth(d.JWTService))

			r.Get("/neighbors", neighborhoodHandler.Neighbors)
			r.Post("/neighbors/{serverID}/refresh", neighborhoodHandler.ForceRefresh)
			r.Get("/followers", neighborhoodHandler.Followers)
			r.Get("/actions", neighborhoodHandler.ActionQueue)
		})
	})

	return r
}

// requestLogger logs each admin API request the way pkg/server logs
// connection lifecycle events: DEBUG on start, INFO on completion, with
// /healthz traffic kept at DEBUG throughout to avoid drowning real
// operator activity in probe noise.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())
		isHealthProbe := len(r.URL.Path) >= 8 && r.URL.Path[:8] == "/healthz"

		logger.Debug("admin api request started",
			"request_id", requestID, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []any{
			"request_id", requestID, "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(), "duration", time.Since(start).String(),
		}
		if isHealthProbe {
			logger.Debug("admin api request completed", fields...)
		} else {
			logger.Info("admin api request completed", fields...)
		}
	})
}
