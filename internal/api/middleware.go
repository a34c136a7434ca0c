// internal/api/middleware.go
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/metrics"
)

// MetricsMiddleware creates middleware that records request metrics.
// Requests are labelled with the matched route pattern rather than the raw path.
func MetricsMiddleware(metricsCollector *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metricsCollector == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			metricsCollector.RequestInFlight.Inc()
			defer metricsCollector.RequestInFlight.Dec()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metricsCollector.RecordRequest(r.Method, routePattern(r), status, time.Since(start))
		})
	}
}

// LoggingMiddleware creates middleware that logs requests using structured logging
func LoggingMiddleware(logger *logging.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			requestID := middleware.GetReqID(r.Context())

			logger.Debug("Request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"request_id", requestID,
				"user_agent", r.UserAgent(),
			)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			args := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"request_id", requestID,
			}
			switch {
			case status >= 500:
				logger.Error("Request completed with server error", args...)
			case status >= 400:
				logger.Warn("Request completed with client error", args...)
			default:
				logger.Info("Request completed successfully", args...)
			}
		})
	}
}

// RecovererWithMetrics is a middleware that recovers from panics, logs the panic,
// and records it as a metric
func RecovererWithMetrics(logger *logging.Logger, metricsCollector *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.Error("Panic recovered",
						"error", rvr,
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", middleware.GetReqID(r.Context()),
					)
					metricsCollector.RecordError("panic", "PANIC")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeaders adds security-related headers to responses
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// adminOnly rejects tokens that do not carry the admin role.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			s.renderErr(w, errors.NewAPIError(errors.APIErrUnauthorized, "Authentication error", err))
			return
		}

		role, ok := claims["role"].(string)
		if !ok || role != roleAdmin {
			s.renderErr(w, errors.NewAPIError(errors.APIErrForbidden, "Admin access required", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
