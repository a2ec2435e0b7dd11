package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

func TestPeriodicSweepsCoverEveryTenant(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, service.ScheduleSweeps(h.ctx, h.sched, time.Minute, 5*time.Minute))

	h.addContact("t1", "Ada", "+254700000001")
	d := h.createDrip(t, "t1", model.Audience{Kind: model.AudienceAll}, welcomeSteps()...)
	_, err := h.drips.Activate(h.ctx, "t1", d.ID)
	require.NoError(t, err)
	h.createTicket(t, "t2", model.PriorityUrgent)

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.sched.RunDue(h.ctx))
	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "t1", sent[0].TenantID)

	next, ok := h.sched.NextRun("sweep:drip_advance")
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Minute), next)

	h.clk.Set(t0.Add(65 * time.Minute))
	assert.Equal(t, 2, h.sched.RunDue(h.ctx), "overdue periodic jobs run once, not once per missed period")

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "t2: SLA breached")
}

func TestRegisterJobHandlersRejectsDoubleRegistration(t *testing.T) {
	h := newHarness(t)
	err := service.RegisterJobHandlers(h.sched, &service.Jobs{
		Tenants:   h.store,
		Campaigns: h.campaigns,
		Drips:     h.drips,
		Rules:     h.engine,
		Tickets:   h.tickets,
	})
	assert.Error(t, err)
}

func TestCampaignJobRunsThroughExecute(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")
	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &t0)

	// The AMQP consumer path hands jobs straight to Execute.
	require.NoError(t, h.sched.Execute(h.ctx, queue.Job{Kind: queue.KindCampaignRun, TenantID: "t1", ObjectID: c.ID}))
	assert.Equal(t, model.CampaignCompleted, h.campaign(t, "t1", c.ID).Status)
	assert.Len(t, h.sender.Sent(), 1)
}
