package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-crm/internal/channel"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

func strPtr(s string) *string { return &s }

func (h *harness) createCampaign(t *testing.T, tenantID string, audience model.Audience, scheduledAt *time.Time) *model.Campaign {
	t.Helper()
	in := service.CreateCampaignInput{
		Name:            "Promo",
		Channel:         model.ChannelSMS,
		Audience:        audience,
		ContentTemplate: "Hi {{name}}, check out our offer",
	}
	if scheduledAt != nil {
		in.ScheduledAt = strPtr(scheduledAt.Format(time.RFC3339))
	}
	c, err := h.campaigns.CreateCampaign(h.ctx, tenantID, in)
	require.NoError(t, err)
	return c
}

func (h *harness) campaign(t *testing.T, tenantID string, id int64) *model.Campaign {
	t.Helper()
	c, err := h.store.GetCampaign(h.ctx, tenantID, id)
	require.NoError(t, err)
	return c
}

func TestCampaignReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001", "vip")
	h.addContact("t1", "Grace", "+254700000002", "vip")
	h.addContact("t1", "Linus", "+254700000003", "vip")
	h.addContact("t1", "Ken", "+254700000004")

	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceTag, Tag: "vip"}, &t0)
	assert.Equal(t, model.CampaignScheduled, c.Status)
	assert.Equal(t, 1, h.sched.RunDue(h.ctx))

	logs, err := h.campaigns.ListDeliveryLogs(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, model.DeliverySent, l.Status)
		assert.NotEmpty(t, l.ProviderMessageID)
	}
	assert.Equal(t, "Hi Ada, check out our offer", logs[0].RenderedContent)
	assert.Equal(t, model.CampaignCompleted, h.campaign(t, "t1", c.ID).Status)

	// Replaying a completed campaign is a no-op.
	res, err := h.campaigns.Run(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)

	// A crash mid-run leaves the campaign running; the redelivered job
	// skips everyone already sent.
	ok, err := h.store.TransitionCampaign(h.ctx, "t1", c.ID,
		[]model.CampaignStatus{model.CampaignCompleted}, model.CampaignRunning, nil)
	require.NoError(t, err)
	require.True(t, ok)
	res, err = h.campaigns.Run(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Zero(t, res.Sent)

	logs, err = h.campaigns.ListDeliveryLogs(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	assert.Len(t, h.sender.Sent(), 3)
	assert.Equal(t, model.CampaignCompleted, h.campaign(t, "t1", c.ID).Status)
}

func TestCampaignWithEmptyAudienceCompletes(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")

	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceTag, Tag: "nobody"}, &t0)
	h.sched.RunDue(h.ctx)

	assert.Equal(t, model.CampaignCompleted, h.campaign(t, "t1", c.ID).Status)
	logs, err := h.campaigns.ListDeliveryLogs(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCampaignRecordsPerRecipientFailures(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")
	grace := h.addContact("t1", "Grace", "+254700000002")
	h.sender.fail["+254700000002"] = appErrors.Terminal("send sms", fmt.Errorf("invalid number"))

	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, nil)
	_, err := h.campaigns.Schedule(h.ctx, "t1", c.ID, t0)
	require.NoError(t, err)
	h.sched.RunDue(h.ctx)

	assert.Equal(t, model.CampaignCompleted, h.campaign(t, "t1", c.ID).Status)
	row, err := h.store.GetDeliveryLog(h.ctx, "t1", c.ID, grace.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, model.DeliveryFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "invalid number")

	// A rerun only retries the failed recipient.
	delete(h.sender.fail, "+254700000002")
	_, err = h.store.TransitionCampaign(h.ctx, "t1", c.ID,
		[]model.CampaignStatus{model.CampaignCompleted}, model.CampaignRunning, nil)
	require.NoError(t, err)
	res, err := h.campaigns.Run(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Skipped)

	row, err = h.store.GetDeliveryLog(h.ctx, "t1", c.ID, grace.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, row.Status)
	assert.Len(t, h.sender.Sent(), 2)
}

func TestCampaignWithoutChannelAccountFails(t *testing.T) {
	h := newHarness(t)
	h.addContact("t3", "Ada", "+254700000001")

	c := h.createCampaign(t, "t3", model.Audience{Kind: model.AudienceAll}, nil)
	_, err := h.campaigns.Schedule(h.ctx, "t3", c.ID, t0)
	require.NoError(t, err)

	res, err := h.campaigns.Run(h.ctx, "t3", c.ID)
	require.Error(t, err)
	assert.Equal(t, appErrors.KindTerminal, appErrors.KindOf(err))
	assert.Equal(t, 1, res.Recipients)
	assert.Equal(t, model.CampaignFailed, h.campaign(t, "t3", c.ID).Status)
}

func TestCampaignScheduleAndPauseTransitions(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")
	later := t0.Add(time.Hour)

	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &later)
	assert.True(t, h.sched.Pending(fmt.Sprintf("campaign:%d", c.ID)))

	paused, err := h.campaigns.Pause(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPaused, paused.Status)
	assert.False(t, h.sched.Pending(fmt.Sprintf("campaign:%d", c.ID)))

	h.clk.Advance(2 * time.Hour)
	assert.Equal(t, 0, h.sched.RunDue(h.ctx))
	assert.Empty(t, h.sender.Sent())

	_, err = h.campaigns.Pause(h.ctx, "t1", c.ID)
	assert.True(t, appErrors.IsValidation(err), "paused campaigns cannot be paused again")

	_, err = h.campaigns.Schedule(h.ctx, "t1", c.ID, h.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, h.sched.RunDue(h.ctx))
	assert.Equal(t, model.CampaignCompleted, h.campaign(t, "t1", c.ID).Status)

	_, err = h.campaigns.Schedule(h.ctx, "t1", c.ID, h.clk.Now())
	assert.True(t, appErrors.IsValidation(err))
	_, err = h.campaigns.Pause(h.ctx, "t1", c.ID)
	assert.True(t, appErrors.IsValidation(err))
}

func TestRescheduleMovesTheRun(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")
	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &t0)

	later := t0.Add(3 * time.Hour)
	_, err := h.campaigns.Schedule(h.ctx, "t1", c.ID, later)
	require.NoError(t, err)

	next, ok := h.sched.NextRun(fmt.Sprintf("campaign:%d", c.ID))
	require.True(t, ok)
	assert.Equal(t, later, next)
	assert.Equal(t, 0, h.sched.RunDue(h.ctx))
}

func TestCreateCampaignValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		in   service.CreateCampaignInput
	}{
		{"no name", service.CreateCampaignInput{Channel: model.ChannelSMS, ContentTemplate: "x", Audience: model.Audience{Kind: model.AudienceAll}}},
		{"bad channel", service.CreateCampaignInput{Name: "n", Channel: "fax", ContentTemplate: "x", Audience: model.Audience{Kind: model.AudienceAll}}},
		{"empty template", service.CreateCampaignInput{Name: "n", Channel: model.ChannelSMS, Audience: model.Audience{Kind: model.AudienceAll}}},
		{"bad audience", service.CreateCampaignInput{Name: "n", Channel: model.ChannelSMS, ContentTemplate: "x", Audience: model.Audience{Kind: "everyone"}}},
		{"bad schedule", service.CreateCampaignInput{Name: "n", Channel: model.ChannelSMS, ContentTemplate: "x", Audience: model.Audience{Kind: model.AudienceAll}, ScheduledAt: strPtr("tomorrow")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.campaigns.CreateCampaign(h.ctx, "t1", tt.in)
			assert.True(t, appErrors.IsValidation(err), "got %v", err)
		})
	}
}

func TestListCampaignsPagination(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 5; i++ {
		_, err := h.campaigns.CreateCampaign(h.ctx, "t1", service.CreateCampaignInput{
			Name:            fmt.Sprintf("Campaign %d", i),
			Channel:         model.ChannelSMS,
			Audience:        model.Audience{Kind: model.AudienceAll},
			ContentTemplate: "Hello",
		})
		require.NoError(t, err)
	}
	h.createCampaign(t, "t2", model.Audience{Kind: model.AudienceAll}, nil)

	campaigns, pagination, err := h.campaigns.ListCampaigns(h.ctx, "t1", 1, 2, "", "")
	require.NoError(t, err)
	require.Len(t, campaigns, 2)
	assert.Equal(t, "Campaign 5", campaigns[0].Name)
	assert.Equal(t, "Campaign 4", campaigns[1].Name)
	assert.Equal(t, map[string]int{"page": 1, "page_size": 2, "total_count": 5, "total_pages": 3}, pagination)

	campaigns, pagination, err = h.campaigns.ListCampaigns(h.ctx, "t1", 3, 2, "", "")
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, "Campaign 1", campaigns[0].Name)
	assert.Equal(t, 3, pagination["page"])

	_, pagination, err = h.campaigns.ListCampaigns(h.ctx, "t1", 0, 500, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, pagination["page"])
	assert.Equal(t, 100, pagination["page_size"])

	campaigns, _, err = h.campaigns.ListCampaigns(h.ctx, "t1", 1, 20, "", string(model.CampaignScheduled))
	require.NoError(t, err)
	assert.Empty(t, campaigns)
}

func TestRenderPreview(t *testing.T) {
	h := newHarness(t)
	ada := h.addContact("t1", "Ada", "+254700000001")
	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, nil)

	out, err := h.campaigns.RenderPreview(h.ctx, "t1", c.ID, ada.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, check out our offer", out)

	out, err = h.campaigns.RenderPreview(h.ctx, "t1", c.ID, ada.ID, strPtr("Call {{phone}} {{unknown}}!"))
	require.NoError(t, err)
	assert.Equal(t, "Call +254700000001 !", out)

	_, err = h.campaigns.RenderPreview(h.ctx, "t2", c.ID, ada.ID, nil)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestCampaignStatsFollowProviderReceipts(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")
	h.addContact("t1", "Grace", "+254700000002")
	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &t0)
	h.sched.RunDue(h.ctx)

	sent := h.sender.Sent()
	require.Len(t, sent, 2)
	require.NoError(t, h.inbox.HandleStatus(h.ctx, channel.StatusUpdate{
		Channel:           model.ChannelSMS,
		AccountExternalID: "t1-sms",
		ProviderMessageID: sent[0].ID,
		Status:            model.MessageDelivered,
	}))

	details, err := h.campaigns.GetCampaignDetailsWithStats(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, details.Stats["total"])
	assert.Equal(t, 1, details.Stats["sent"])
	assert.Equal(t, 1, details.Stats["delivered"])
	assert.Equal(t, model.CampaignCompleted, details.Status)
}

func TestBouncedReceiptIsKeptApartFromFailures(t *testing.T) {
	h := newHarness(t)
	ada := h.addContact("t1", "Ada", "+254700000001")
	grace := h.addContact("t1", "Grace", "+254700000002")
	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &t0)
	h.sched.RunDue(h.ctx)

	sent := h.sender.Sent()
	require.Len(t, sent, 2)
	require.NoError(t, h.inbox.HandleStatus(h.ctx, channel.StatusUpdate{
		Channel:           model.ChannelSMS,
		AccountExternalID: "t1-sms",
		ProviderMessageID: sent[0].ID,
		Status:            model.MessageFailed,
		Bounced:           true,
		Error:             "handset unreachable",
	}))
	require.NoError(t, h.inbox.HandleStatus(h.ctx, channel.StatusUpdate{
		Channel:           model.ChannelSMS,
		AccountExternalID: "t1-sms",
		ProviderMessageID: sent[1].ID,
		Status:            model.MessageFailed,
	}))

	row, err := h.store.GetDeliveryLog(h.ctx, "t1", c.ID, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryBounced, row.Status)
	assert.Equal(t, "handset unreachable", row.ErrorMessage)
	row, err = h.store.GetDeliveryLog(h.ctx, "t1", c.ID, grace.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, row.Status)

	details, err := h.campaigns.GetCampaignDetailsWithStats(h.ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, details.Stats["bounced"])
	assert.Equal(t, 1, details.Stats["failed"])
}

func TestScheduledCampaignSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")
	h.addContact("t1", "Grace", "+254700000002")

	at := t0.Add(time.Hour)
	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &at)
	require.Equal(t, model.CampaignScheduled, c.Status)

	assert.Equal(t, 1, h.restart(t))
	next, ok := h.sched.NextRun(fmt.Sprintf("campaign:%d", c.ID))
	require.True(t, ok)
	assert.Equal(t, at, next)

	h.clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.sched.RunDue(h.ctx))
	assert.Equal(t, model.CampaignCompleted, h.campaign(t, "t1", c.ID).Status)
	assert.Len(t, h.sender.Sent(), 2)

	// Finished jobs leave nothing behind for the next start.
	assert.Zero(t, h.restart(t))
}

func TestInterruptedCampaignResumesAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")
	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &t0)

	// The process died after the campaign went running but before the job
	// finished; the stored row is all that is left of the job.
	ok, err := h.store.TransitionCampaign(h.ctx, "t1", c.ID,
		[]model.CampaignStatus{model.CampaignScheduled}, model.CampaignRunning, nil)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, h.restart(t))
	assert.Equal(t, 1, h.sched.RunDue(h.ctx))
	assert.Equal(t, model.CampaignCompleted, h.campaign(t, "t1", c.ID).Status)
	assert.Len(t, h.sender.Sent(), 1)
}

func TestPausedCampaignIsNotRestored(t *testing.T) {
	h := newHarness(t)
	at := t0.Add(time.Hour)
	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &at)
	_, err := h.campaigns.Pause(h.ctx, "t1", c.ID)
	require.NoError(t, err)

	assert.Zero(t, h.restart(t))
}

type failingAccounts struct {
	repository.ChannelAccountRepositoryInterface
	err error
}

func (f failingAccounts) GetDefaultAccount(ctx context.Context, tenantID string, ch model.Channel) (*model.ChannelAccount, error) {
	return nil, f.err
}

func TestCampaignFailsWhenRetriesRunOut(t *testing.T) {
	h := newHarness(t)
	h.addContact("t1", "Ada", "+254700000001")
	h.campaigns.AccountRepo = failingAccounts{ChannelAccountRepositoryInterface: h.store, err: fmt.Errorf("connection reset")}

	c := h.createCampaign(t, "t1", model.Audience{Kind: model.AudienceAll}, &t0)
	key := fmt.Sprintf("campaign:%d", c.ID)

	assert.Equal(t, 1, h.sched.RunDue(h.ctx))
	assert.Equal(t, model.CampaignRunning, h.campaign(t, "t1", c.ID).Status, "a transient failure is retried")
	assert.True(t, h.sched.Pending(key))

	for i := 0; i < 2; i++ {
		h.clk.Advance(10 * time.Minute)
		assert.Equal(t, 1, h.sched.RunDue(h.ctx))
	}

	assert.False(t, h.sched.Pending(key))
	assert.Equal(t, model.CampaignFailed, h.campaign(t, "t1", c.ID).Status)
	assert.Empty(t, h.sender.Sent())
	assert.Zero(t, h.restart(t))
}
