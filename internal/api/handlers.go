package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"quotaengine/internal/models"
	"quotaengine/internal/quota"
	"quotaengine/internal/version"

	"github.com/gorilla/mux"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handlers)

// WithPinger makes the health check ping p.
func WithPinger(p Pinger) HandlerOption {
	return func(h *Handlers) {
		h.pinger = p
	}
}

// Handlers contains HTTP handlers for the quota engine API
type Handlers struct {
	quotaService quota.ServiceInterface
	pinger       Pinger
}

// NewHandlers creates a new handlers instance
func NewHandlers(quotaService quota.ServiceInterface, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		quotaService: quotaService,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckRateLimit handles fixed-window checks
// POST /api/v1/ratelimit/check
func (h *Handlers) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req models.RateLimitCheckRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.quotaService.CheckRateLimit(r.Context(), &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}

	if !result.Allowed {
		setRetryAfter(w, result.ResetInMs)
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// ConsumeTokens handles token bucket consumption
// POST /api/v1/bucket/consume
func (h *Handlers) ConsumeTokens(w http.ResponseWriter, r *http.Request) {
	var req models.TokenBucketCheckRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.quotaService.ConsumeTokens(r.Context(), &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}

	if !result.Allowed {
		setRetryAfter(w, result.RetryAfterMs)
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// AcquireLock handles concurrency lease requests
// POST /api/v1/locks/acquire
func (h *Handlers) AcquireLock(w http.ResponseWriter, r *http.Request) {
	var req models.LockAcquireRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.quotaService.AcquireLock(r.Context(), &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// ReleaseLock handles lease release
// POST /api/v1/locks/release
func (h *Handlers) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req models.LockReleaseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.quotaService.ReleaseLock(r.Context(), &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// TrackUsage records usage without consulting the plan
// POST /api/v1/usage/{tenant_id}/track
func (h *Handlers) TrackUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	var req models.UsageTrackRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.quotaService.TrackUsage(r.Context(), tenantID, &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// CheckQuota reports the headroom of one metric
// GET /api/v1/usage/{tenant_id}/quota/{metric}
func (h *Handlers) CheckQuota(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	result, err := h.quotaService.CheckQuota(r.Context(), vars["tenant_id"], vars["metric"])
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// ConsumeQuota records usage only when the plan leaves room for it
// POST /api/v1/usage/{tenant_id}/consume
func (h *Handlers) ConsumeQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	var req models.UsageTrackRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.quotaService.ConsumeQuota(r.Context(), tenantID, &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// CheckMultiTier admits a request against every tier or none
// POST /api/v1/gate/multi-tier
func (h *Handlers) CheckMultiTier(w http.ResponseWriter, r *http.Request) {
	var req models.MultiTierCheckRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.quotaService.CheckMultiTier(r.Context(), &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}

	if !result.Allowed {
		setRetryAfter(w, result.RetryAfterMs)
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// Evaluate admits a request against a composite policy
// POST /api/v1/gate/evaluate
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req models.EvaluateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.quotaService.Evaluate(r.Context(), &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}

	if !result.Allowed {
		setRetryAfter(w, result.RetryAfterMs)
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// HealthCheck handles health check requests
// GET /health
// Build details are only shown to authenticated callers.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	info := version.GetInfo()
	response.Version = info.Version
	response.AddComponent("api", models.StatusHealthy, "API is operational")

	statusCode := http.StatusOK
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			slog.Warn("Health check storage ping failed", "error", err)
			response.Status = models.StatusUnhealthy
			response.AddComponent("storage", models.StatusUnhealthy, "Storage is unreachable")
			statusCode = http.StatusServiceUnavailable
		} else {
			response.AddComponent("storage", models.StatusHealthy, "Storage is operational")
		}
	}

	securityContext := GetSecurityContext(r)
	response.AddMetric("authenticated", securityContext != nil)
	if securityContext.HasPermission(models.PermissionRead) {
		response.AddMetric("api_key_name", getAPIKeyName(securityContext))
		response.AddMetric("git_commit", info.GitCommit)
		response.AddMetric("instance_id", info.InstanceID)
	}

	h.writeJSONResponse(w, statusCode, response)
}

// decodeJSON reads the request body into dst. It writes a 400 and returns
// false when the body is not valid JSON.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written.
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}

// writeServiceErrorResponse maps a service error to its status and code.
// Anything that is not a ServiceError is reported as an internal error.
func (h *Handlers) writeServiceErrorResponse(w http.ResponseWriter, err error) {
	var svcErr *quota.ServiceError
	if !errors.As(err, &svcErr) {
		slog.Error("Unexpected service error", "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
		return
	}

	if svcErr.StatusCode >= http.StatusInternalServerError {
		slog.Error("Service call failed", "code", svcErr.Code, "error", err)
	}
	h.writeErrorResponse(w, svcErr.StatusCode, svcErr.Code, svcErr.Error())
}

// setRetryAfter sets the Retry-After header in whole seconds, rounded up.
// Zero or negative hints set nothing.
func setRetryAfter(w http.ResponseWriter, retryMs int64) {
	if retryMs <= 0 {
		return
	}
	secs := (retryMs + 999) / 1000
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

// getAPIKeyName safely extracts the API key name for logging
func getAPIKeyName(securityContext *SecurityContext) string {
	if securityContext == nil || securityContext.APIKey == nil {
		return "anonymous"
	}
	if securityContext.APIKey.Name != "" {
		return securityContext.APIKey.Name
	}
	return "unnamed-key"
}

func pathDescription(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return fmt.Sprintf("%s %s", r.Method, tpl)
		}
	}
	return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
}
