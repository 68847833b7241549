package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quotaengine/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type routeOptions struct {
	otelServiceName string
	rateLimiter     func(http.Handler) http.Handler
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeOptions)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(o *routeOptions) {
		o.otelServiceName = serviceName
	}
}

// WithRateLimiter adds admission limiting to every route. It runs after
// optional authentication so authenticated callers get their own budget.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(o *routeOptions) {
		o.rateLimiter = middleware
	}
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/api/v1/health"
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	var options routeOptions
	for _, opt := range opts {
		opt(&options)
	}

	router := mux.NewRouter()
	keys := NewKeyring(config.Security.APIKeys)

	if options.otelServiceName != "" {
		router.Use(otelmux.Middleware(options.otelServiceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return !isHealthPath(r.URL.Path)
			}),
		))
	}
	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware)
	if config.Server.CORS.Enabled {
		router.Use(corsMiddleware(config.Server.CORS))
	}
	if config.Security.EnableAuth {
		router.Use(OptionalAuth(keys))
	}
	if options.rateLimiter != nil {
		router.Use(options.rateLimiter)
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	// Checks mutate limiter state and need write access.
	checkAPI := protected(api, config, keys, models.PermissionWrite)
	checkAPI.HandleFunc("/ratelimit/check", handlers.CheckRateLimit).Methods("POST")
	checkAPI.HandleFunc("/bucket/consume", handlers.ConsumeTokens).Methods("POST")
	checkAPI.HandleFunc("/locks/acquire", handlers.AcquireLock).Methods("POST")
	checkAPI.HandleFunc("/locks/release", handlers.ReleaseLock).Methods("POST")
	checkAPI.HandleFunc("/usage/{tenant_id}/track", handlers.TrackUsage).Methods("POST")
	checkAPI.HandleFunc("/usage/{tenant_id}/consume", handlers.ConsumeQuota).Methods("POST")
	checkAPI.HandleFunc("/gate/multi-tier", handlers.CheckMultiTier).Methods("POST")
	checkAPI.HandleFunc("/gate/evaluate", handlers.Evaluate).Methods("POST")

	readAPI := protected(api, config, keys, models.PermissionRead)
	readAPI.HandleFunc("/usage/{tenant_id}/quota/{metric}", handlers.CheckQuota).Methods("GET")

	adminAPI := protected(api, config, keys, models.PermissionAdmin)
	adminAPI.HandleFunc("/usage/{tenant_id}/reset", handlers.ResetUsagePeriod).Methods("POST")
	adminAPI.HandleFunc("/usage/{tenant_id}/history", handlers.UsageHistory).Methods("GET")
	adminAPI.HandleFunc("/usage/{tenant_id}", handlers.GetUsage).Methods("GET")
	adminAPI.HandleFunc("/tenants/{tenant_id}/plan", handlers.SetTenantPlan).Methods("PUT")
	adminAPI.HandleFunc("/plans", handlers.ListPlans).Methods("GET")

	if config.Server.CORS.Enabled {
		// Preflights never match a route's method; corsMiddleware answers them.
		api.PathPrefix("").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}).Methods("OPTIONS")
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, models.ErrorCodeNotFound, "Route not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, models.ErrorCodeMethodNotAllowed, "Method not allowed")
	})

	return router
}

// protected returns a subrouter that requires the given permission when
// authentication is enabled.
func protected(api *mux.Router, config *models.Config, keys *Keyring, permission string) *mux.Router {
	sub := api.PathPrefix("").Subrouter()
	if config.Security.EnableAuth {
		sub.Use(authMiddleware(keys))
		sub.Use(RequirePermission(permission))
	}
	return sub
}

// corsMiddleware handles Cross-Origin Resource Sharing
func corsMiddleware(corsConfig models.CORSConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" &&
				(contains(corsConfig.AllowedOrigins, "*") || contains(corsConfig.AllowedOrigins, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			if len(corsConfig.AllowedMethods) > 0 {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(corsConfig.AllowedMethods, ", "))
			}
			if len(corsConfig.AllowedHeaders) > 0 {
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(corsConfig.AllowedHeaders, ", "))
			}
			if corsConfig.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", corsConfig.MaxAge))
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests. Health probes log at debug.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if isHealthPath(r.URL.Path) {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr)
	})
}

// recoveryMiddleware handles panics
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic recovered", "error", err, "path", r.URL.Path)
				writeMiddlewareError(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
