package controller

import (
	"net/http"

	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

type TicketController struct {
	TicketService *service.TicketService
	Clock         clock.Clock
}

func (c *TicketController) CreateTicket(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	var body struct {
		Subject  string               `json:"subject"`
		Priority model.TicketPriority `json:"priority"`
		OwnerID  *int64               `json:"owner_id"`
	}
	if !decode(w, r, &body) {
		return
	}

	t := &model.Ticket{TenantID: tenant, Subject: body.Subject, Priority: body.Priority, OwnerID: body.OwnerID}
	if err := c.TicketService.CreateTicket(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (c *TicketController) GetTicket(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	t, err := c.TicketService.GetTicket(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *TicketController) ChangePriority(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Priority model.TicketPriority `json:"priority"`
	}
	if !decode(w, r, &body) {
		return
	}
	t, err := c.TicketService.ChangePriority(r.Context(), tenant, id, body.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *TicketController) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Status model.TicketStatus `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	t, err := c.TicketService.ChangeStatus(r.Context(), tenant, id, body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *TicketController) ListBreached(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.Real()
	}
	tickets, err := c.TicketService.ListBreached(r.Context(), tenant, clk.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": tickets})
}
