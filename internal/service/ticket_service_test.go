package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-crm/internal/config"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

func (h *harness) createTicket(t *testing.T, tenantID string, priority model.TicketPriority) *model.Ticket {
	t.Helper()
	tk := &model.Ticket{TenantID: tenantID, Subject: "Printer on fire", Priority: priority}
	require.NoError(t, h.tickets.CreateTicket(h.ctx, tk))
	return tk
}

func TestSLABreach(t *testing.T) {
	h := newHarness(t)
	tk := h.createTicket(t, "t1", model.PriorityHigh)
	require.NotNil(t, tk.SLADueAt)
	assert.Equal(t, t0.Add(4*time.Hour), *tk.SLADueAt)
	assert.Equal(t, model.TicketOpen, tk.Status)
	assert.Regexp(t, `^TKT-[0-9A-F]{10}$`, tk.TicketNumber)

	breached, err := h.tickets.ListBreached(h.ctx, "t1", t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, breached, "a ticket at its deadline is not breached yet")

	breached, err = h.tickets.ListBreached(h.ctx, "t1", t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, breached, 1)
	assert.Equal(t, tk.ID, breached[0].ID)

	closed, err := h.tickets.ChangeStatus(h.ctx, "t1", tk.ID, model.TicketClosed)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)

	breached, err = h.tickets.ListBreached(h.ctx, "t1", t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, breached)
}

func TestDefaultPriorityIsMedium(t *testing.T) {
	h := newHarness(t)
	tk := h.createTicket(t, "t1", "")
	assert.Equal(t, model.PriorityMedium, tk.Priority)
	assert.Equal(t, t0.Add(8*time.Hour), *tk.SLADueAt)

	err := h.tickets.CreateTicket(h.ctx, &model.Ticket{TenantID: "t1", Subject: "x", Priority: "critical"})
	assert.True(t, appErrors.IsValidation(err))
	err = h.tickets.CreateTicket(h.ctx, &model.Ticket{TenantID: "t1"})
	assert.True(t, appErrors.IsValidation(err))
}

func TestChangePriorityRecomputesFromCreation(t *testing.T) {
	h := newHarness(t)
	tk := h.createTicket(t, "t1", model.PriorityLow)
	h.clk.Advance(2 * time.Hour)

	updated, err := h.tickets.ChangePriority(h.ctx, "t1", tk.ID, model.PriorityUrgent)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), *updated.SLADueAt)

	stored, err := h.tickets.GetTicket(h.ctx, "t1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityUrgent, stored.Priority)
	assert.Equal(t, t0.Add(time.Hour), *stored.SLADueAt)
}

func TestBreachAlertFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.createTicket(t, "t1", model.PriorityUrgent)
	h.createTicket(t, "t1", model.PriorityLow)

	h.clk.Advance(2 * time.Hour)
	n, err := h.tickets.SweepBreaches(h.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.tickets.SweepBreaches(h.ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "SLA breached")
	assert.Contains(t, alerts[0], "urgent")
}

func TestTenantSLAPolicyOverride(t *testing.T) {
	h := newHarness(t)
	policies, err := config.ParseSLAPolicies([]byte(`
default:
  urgent: 30m
tenants:
  t2:
    high: 2h
`))
	require.NoError(t, err)
	h.tickets.SLA = &service.SLATracker{Policies: policies}

	assert.Equal(t, t0.Add(4*time.Hour), *h.createTicket(t, "t1", model.PriorityHigh).SLADueAt)
	assert.Equal(t, t0.Add(30*time.Minute), *h.createTicket(t, "t1", model.PriorityUrgent).SLADueAt)
	assert.Equal(t, t0.Add(2*time.Hour), *h.createTicket(t, "t2", model.PriorityHigh).SLADueAt)
}

func TestTicketEventsReachRules(t *testing.T) {
	h := newHarness(t)
	h.saveRule(t, &model.AutomationRule{
		Module:       model.KindTicket,
		TriggerEvent: model.EventTicketCreated,
		Name:         "urgent to on-call",
		Conditions:   []byte(`{"field":"priority","operator":"eq","value":"urgent"}`),
		Actions:      []model.Action{{Type: model.ActionAssignOwner, UserID: 99}},
	})

	urgent := h.createTicket(t, "t1", model.PriorityUrgent)
	low := h.createTicket(t, "t1", model.PriorityLow)

	got, err := h.tickets.GetTicket(h.ctx, "t1", urgent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OwnerID)
	assert.Equal(t, int64(99), *got.OwnerID)

	got, err = h.tickets.GetTicket(h.ctx, "t1", low.ID)
	require.NoError(t, err)
	assert.Nil(t, got.OwnerID)

	_, err = h.tickets.ChangeStatus(h.ctx, "t1", urgent.ID, model.TicketPending)
	require.NoError(t, err)
	assert.Len(t, h.eventsNamed(model.EventTicketStatusChanged), 1)

	// No-op transitions do not publish.
	_, err = h.tickets.ChangeStatus(h.ctx, "t1", urgent.ID, model.TicketPending)
	require.NoError(t, err)
	assert.Len(t, h.eventsNamed(model.EventTicketStatusChanged), 1)
}
