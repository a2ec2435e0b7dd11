// internal/controller/controller.go
package controller

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
)

// TenantHeader carries the tenant every admin request is scoped to.
const TenantHeader = "X-Tenant-ID"

func tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.Header.Get(TenantHeader)
	if tenant == "" {
		http.Error(w, "missing "+TenantHeader+" header", http.StatusBadRequest)
		return "", false
	}
	return tenant, true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ encode response: %v", err)
	}
}

// writeError maps error kinds onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch appErrors.KindOf(err) {
	case appErrors.KindValidation:
		status = http.StatusBadRequest
	case appErrors.KindNotFound:
		status = http.StatusNotFound
	case appErrors.KindTerminal:
		status = http.StatusUnprocessableEntity
	default:
		log.Printf("❌ request failed: %v", err)
	}
	http.Error(w, err.Error(), status)
}

// Controllers groups the admin controllers mounted by Routes.
type Controllers struct {
	Campaigns     *CampaignController
	Drips         *DripController
	Rules         *RuleController
	Tickets       *TicketController
	Conversations *ConversationController
}

// Routes mounts every admin endpoint on r.
func (c *Controllers) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.Campaigns.CreateCampaign)
		r.Get("/", c.Campaigns.ListCampaigns)
		r.Get("/{id}", c.Campaigns.GetCampaignDetails)
		r.Post("/{id}/schedule", c.Campaigns.ScheduleCampaign)
		r.Post("/{id}/pause", c.Campaigns.PauseCampaign)
		r.Post("/{id}/personalized-preview", c.Campaigns.PersonalizedPreview)
		r.Get("/{id}/deliveries", c.Campaigns.DeliveryLogs)
	})
	r.Post("/templates", c.Campaigns.CreateTemplate)

	r.Route("/drips", func(r chi.Router) {
		r.Post("/", c.Drips.CreateDrip)
		r.Get("/{id}", c.Drips.GetDrip)
		r.Post("/{id}/activate", c.Drips.ActivateDrip)
		r.Post("/{id}/pause", c.Drips.PauseDrip)
		r.Get("/{id}/enrollments", c.Drips.ListEnrollments)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Post("/", c.Rules.SaveRule)
		r.Get("/", c.Rules.ListRules)
		r.Get("/{id}", c.Rules.GetRule)
		r.Put("/{id}", c.Rules.SaveRule)
		r.Post("/{id}/active", c.Rules.SetActive)
		r.Get("/{id}/executions", c.Rules.ExecutionLogs)
	})

	r.Route("/tickets", func(r chi.Router) {
		r.Post("/", c.Tickets.CreateTicket)
		r.Get("/breached", c.Tickets.ListBreached)
		r.Get("/{id}", c.Tickets.GetTicket)
		r.Post("/{id}/priority", c.Tickets.ChangePriority)
		r.Post("/{id}/status", c.Tickets.ChangeStatus)
	})

	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/", c.Conversations.GetConversation)
		r.Get("/messages", c.Conversations.ListMessages)
		r.Post("/messages", c.Conversations.SendMessage)
	})
}
