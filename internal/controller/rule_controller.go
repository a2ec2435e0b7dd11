package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

type RuleController struct {
	RuleService *service.RuleService
}

// SaveRule creates a rule, or replaces it when the route carries an id.
func (c *RuleController) SaveRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	var rule model.AutomationRule
	if !decode(w, r, &rule) {
		return
	}
	rule.TenantID = tenant
	status := http.StatusCreated
	if chi.URLParam(r, "id") != "" {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		if _, err := c.RuleService.GetRule(r.Context(), tenant, id); err != nil {
			writeError(w, err)
			return
		}
		rule.ID = id
		status = http.StatusOK
	}

	if err := c.RuleService.SaveRule(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, rule)
}

func (c *RuleController) ListRules(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	rules, err := c.RuleService.ListRules(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rules})
}

func (c *RuleController) GetRule(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	rule, err := c.RuleService.GetRule(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (c *RuleController) SetActive(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Active == nil {
		http.Error(w, "active is required", http.StatusBadRequest)
		return
	}

	rule, err := c.RuleService.SetActive(r.Context(), tenant, id, *body.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (c *RuleController) ExecutionLogs(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	logs, err := c.RuleService.ListExecutionLogs(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": logs})
}
