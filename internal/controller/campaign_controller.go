// internal/controller/campaign_controller.go
package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	campaignID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var body struct {
		RecipientID      int64   `json:"recipient_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if !decode(w, r, &body) {
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), tenant, campaignID, body.RecipientID, body.OverrideTemplate)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"recipient_id":     body.RecipientID,
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	var body service.CreateCampaignInput
	if !decode(w, r, &body) {
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), tenant, body)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), tenant, page, pageSize, channel, status)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var body struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.ScheduledAt.IsZero() {
		http.Error(w, "scheduled_at is required", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.Schedule(r.Context(), tenant, id, body.ScheduledAt)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	campaign, err := c.CampaignService.Pause(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) DeliveryLogs(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	logs, err := c.CampaignService.ListDeliveryLogs(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": logs})
}

func (c *CampaignController) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	var t model.MessageTemplate
	if !decode(w, r, &t) {
		return
	}
	t.TenantID = tenant

	if err := c.CampaignService.CreateTemplate(r.Context(), &t); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}
