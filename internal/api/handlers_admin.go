package api

import (
	"log/slog"
	"net/http"

	"quotaengine/internal/models"

	"github.com/gorilla/mux"
)

// Admin endpoints operate on tenant ledgers and the plan catalog. Every call
// is audit logged with the caller's key name.

// ResetUsagePeriod archives the tenant's current period and starts a new one
// POST /api/v1/usage/{tenant_id}/reset
func (h *Handlers) ResetUsagePeriod(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	h.audit(r, "tenant_id", tenantID)

	response, err := h.quotaService.ResetUsagePeriod(r.Context(), tenantID)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// GetUsage returns the tenant's ledger record
// GET /api/v1/usage/{tenant_id}
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	response, err := h.quotaService.GetUsage(r.Context(), tenantID)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// UsageHistory returns the tenant's archived periods
// GET /api/v1/usage/{tenant_id}/history
func (h *Handlers) UsageHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	response, err := h.quotaService.UsageHistory(r.Context(), tenantID)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// SetTenantPlan assigns a catalog plan to the tenant
// PUT /api/v1/tenants/{tenant_id}/plan
func (h *Handlers) SetTenantPlan(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	var req models.SetPlanRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	h.audit(r, "tenant_id", tenantID, "plan", req.Plan)

	response, err := h.quotaService.SetTenantPlan(r.Context(), tenantID, &req)
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// ListPlans returns the loaded plan catalog
// GET /api/v1/plans
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	response, err := h.quotaService.ListPlans(r.Context())
	if err != nil {
		h.writeServiceErrorResponse(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

func (h *Handlers) audit(r *http.Request, args ...any) {
	attrs := append([]any{
		"operation", pathDescription(r),
		"api_key", getAPIKeyName(GetSecurityContext(r)),
		"client_ip", getClientIP(r),
	}, args...)
	slog.Info("Admin operation", attrs...)
}
