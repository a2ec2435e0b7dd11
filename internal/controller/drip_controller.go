package controller

import (
	"net/http"

	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

type DripController struct {
	DripService *service.DripService
}

func (c *DripController) CreateDrip(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	var d model.DripCampaign
	if !decode(w, r, &d) {
		return
	}
	d.TenantID = tenant

	if err := c.DripService.CreateDrip(r.Context(), &d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (c *DripController) GetDrip(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	d, err := c.DripService.GetDrip(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (c *DripController) ActivateDrip(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	n, err := c.DripService.Activate(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drip_id": id, "enrolled": n})
}

func (c *DripController) PauseDrip(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	n, err := c.DripService.Pause(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drip_id": id, "stopped": n})
}

func (c *DripController) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	enrollments, err := c.DripService.ListEnrollments(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": enrollments})
}
