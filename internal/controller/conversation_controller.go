package controller

import (
	"net/http"

	"github.com/unclebandit/smsleopard-crm/internal/service"
)

type ConversationController struct {
	InboxService *service.InboxService
}

func (c *ConversationController) GetConversation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	conv, err := c.InboxService.GetConversation(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (c *ConversationController) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	messages, err := c.InboxService.ListMessages(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": messages})
}

// SendMessage posts an agent reply. A provider failure still answers with
// the stored message, marked failed.
func (c *ConversationController) SendMessage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		AgentID int64  `json:"agent_id"`
		Content string `json:"content"`
	}
	if !decode(w, r, &body) {
		return
	}

	msg, err := c.InboxService.Send(r.Context(), tenant, id, body.AgentID, body.Content)
	if err != nil && msg == nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, msg)
}
