package controller_test

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func TestTicketLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/tickets/", "t1", map[string]any{"subject": "Refund", "priority": "urgent"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tk model.Ticket
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tk))
	require.NotNil(t, tk.SLADueAt)
	assert.True(t, tk.SLADueAt.Equal(t0.Add(time.Hour)))

	f.clk.Advance(2 * time.Hour)
	w = f.do(http.MethodGet, "/tickets/breached", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var breached struct {
		Data []model.Ticket `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&breached))
	require.Len(t, breached.Data, 1)
	assert.Equal(t, tk.ID, breached.Data[0].ID)

	base := "/tickets/" + strconv.FormatInt(tk.ID, 10)
	w = f.do(http.MethodPost, base+"/status", "t1", map[string]any{"status": "closed"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/tickets/breached", "t1", nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&breached))
	assert.Empty(t, breached.Data)

	w = f.do(http.MethodPost, base+"/priority", "t1", map[string]any{"priority": "critical"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, base, "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleSaveAndToggle(t *testing.T) {
	f := newFixture(t)

	rule := map[string]any{
		"name":          "assign web leads",
		"module":        "lead",
		"trigger_event": "lead_created",
		"active":        true,
		"conditions":    map[string]any{"field": "source", "operator": "eq", "value": "Website"},
		"actions":       []map[string]any{{"type": "assign_owner", "user_id": 7}},
	}
	w := f.do(http.MethodPost, "/rules/", "t1", rule)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var saved model.AutomationRule
	require.NoError(t, json.NewDecoder(w.Body).Decode(&saved))
	assert.Equal(t, "t1", saved.TenantID)

	base := "/rules/" + strconv.FormatInt(saved.ID, 10)
	w = f.do(http.MethodPost, base+"/active", "t1", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&saved))
	assert.False(t, saved.Active)

	w = f.do(http.MethodPost, base+"/active", "t1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rule["actions"] = []map[string]any{{"type": "launch_rocket"}}
	w = f.do(http.MethodPut, base, "t1", rule)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/rules/", "t2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []model.AutomationRule `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Empty(t, list.Data)
}
