package service_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

func (h *harness) saveRule(t *testing.T, rule *model.AutomationRule) *model.AutomationRule {
	t.Helper()
	if rule.TenantID == "" {
		rule.TenantID = "t1"
	}
	if rule.Module == "" {
		rule.Module = model.KindLead
	}
	if rule.TriggerEvent == "" {
		rule.TriggerEvent = model.EventLeadCreated
	}
	rule.Active = true
	require.NoError(t, h.rules.SaveRule(h.ctx, rule))
	return rule
}

func logsWithStatus(logs []*model.AutomationExecutionLog, ruleID int64, status model.ExecutionStatus) []*model.AutomationExecutionLog {
	var out []*model.AutomationExecutionLog
	for _, l := range logs {
		if l.RuleID == ruleID && l.Status == status {
			out = append(out, l)
		}
	}
	return out
}

func TestAssignOwnerOnNewLead(t *testing.T) {
	h := newHarness(t)
	rule := h.saveRule(t, &model.AutomationRule{
		Name:       "website leads to 7",
		Priority:   1,
		Conditions: json.RawMessage(`{"field":"source","op":"eq","value":"Website"}`),
		Actions:    []model.Action{{Type: model.ActionAssignOwner, UserID: 7}},
	})

	website := h.addLead("t1", map[string]any{"source": "Website", model.FieldOwner: nil})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, website))

	got := h.record(t, "t1", model.KindLead, website.ID)
	assert.Equal(t, int64(7), got.Fields[model.FieldOwner])
	ok := logsWithStatus(h.store.ExecutionLogs("t1"), rule.ID, model.ExecActionOK)
	require.Len(t, ok, 1)
	assert.Equal(t, 0, ok[0].ActionIndex)
	assert.Equal(t, website.ID, ok[0].RecordID)

	referral := h.addLead("t1", map[string]any{"source": "Referral", model.FieldOwner: nil})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, referral))

	got = h.record(t, "t1", model.KindLead, referral.ID)
	assert.Nil(t, got.Fields[model.FieldOwner])
	skipped := logsWithStatus(h.store.ExecutionLogs("t1"), rule.ID, model.ExecSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, referral.ID, skipped[0].RecordID)
	assert.Equal(t, -1, skipped[0].ActionIndex)
}

func TestStopOnMatchSkipsLaterRules(t *testing.T) {
	h := newHarness(t)
	a := h.saveRule(t, &model.AutomationRule{
		Name:        "A",
		Priority:    1,
		StopOnMatch: true,
		Actions:     []model.Action{{Type: model.ActionChangeStatus, Value: "A"}},
	})
	b := h.saveRule(t, &model.AutomationRule{
		Name:     "B",
		Priority: 2,
		Actions:  []model.Action{{Type: model.ActionChangeStatus, Value: "B"}},
	})

	lead := h.addLead("t1", map[string]any{model.FieldStatus: "new"})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, lead))

	assert.Equal(t, "A", h.record(t, "t1", model.KindLead, lead.ID).Fields[model.FieldStatus])
	logs := h.store.ExecutionLogs("t1")
	assert.Len(t, logsWithStatus(logs, a.ID, model.ExecActionOK), 1)
	for _, l := range logs {
		assert.NotEqual(t, b.ID, l.RuleID, "rule B must not be evaluated")
	}
}

func TestEmptyConditionsAlwaysMatch(t *testing.T) {
	h := newHarness(t)
	rule := h.saveRule(t, &model.AutomationRule{Name: "noop"})

	lead := h.addLead("t1", map[string]any{})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, lead))

	matched := logsWithStatus(h.store.ExecutionLogs("t1"), rule.ID, model.ExecMatched)
	require.Len(t, matched, 1)
	assert.Equal(t, -1, matched[0].ActionIndex)
}

func TestConditionsSeeTheFiredSnapshot(t *testing.T) {
	h := newHarness(t)
	h.saveRule(t, &model.AutomationRule{
		Name:     "first",
		Priority: 1,
		Actions:  []model.Action{{Type: model.ActionChangeStatus, Value: "qualified"}},
	})
	second := h.saveRule(t, &model.AutomationRule{
		Name:       "only new leads",
		Priority:   2,
		Conditions: json.RawMessage(`{"field":"status","operator":"eq","value":"new"}`),
		Actions:    []model.Action{{Type: model.ActionAssignOwner, UserID: 3}},
	})

	lead := h.addLead("t1", map[string]any{model.FieldStatus: "new"})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, lead))

	got := h.record(t, "t1", model.KindLead, lead.ID)
	assert.Equal(t, "qualified", got.Fields[model.FieldStatus])
	assert.Equal(t, int64(3), got.Fields[model.FieldOwner])
	assert.Len(t, logsWithStatus(h.store.ExecutionLogs("t1"), second.ID, model.ExecActionOK), 1)
}

func TestReplayedFireDoesNotRepeatActions(t *testing.T) {
	h := newHarness(t)
	rule := h.saveRule(t, &model.AutomationRule{
		Name: "welcome task",
		Actions: []model.Action{{
			Type:     model.ActionCreateTask,
			Title:    "Call {{name}}",
			DaysDue:  2,
			Assignee: model.AssigneeUser,
			UserID:   11,
		}},
	})

	lead := h.addLead("t1", map[string]any{model.FieldName: "Ada"})
	require.NoError(t, h.engine.FireWithID(h.ctx, "t1", model.EventLeadCreated, lead, "fire-1"))
	require.NoError(t, h.engine.FireWithID(h.ctx, "t1", model.EventLeadCreated, lead, "fire-1"))

	tasks, err := h.store.ListTasks(h.ctx, "t1", model.KindLead, lead.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Call Ada", tasks[0].Title)
	assert.Equal(t, int64(11), tasks[0].AssigneeID)
	assert.Equal(t, t0.Add(48*time.Hour), tasks[0].DueAt)
	assert.Len(t, logsWithStatus(h.store.ExecutionLogs("t1"), rule.ID, model.ExecActionOK), 1)

	require.NoError(t, h.engine.FireWithID(h.ctx, "t1", model.EventLeadCreated, lead, "fire-2"))
	tasks, err = h.store.ListTasks(h.ctx, "t1", model.KindLead, lead.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "a new fire is a new event")
}

func TestFailedActionDoesNotAbortRule(t *testing.T) {
	h := newHarness(t)
	rule := h.saveRule(t, &model.AutomationRule{
		Name: "task then status",
		Actions: []model.Action{
			{Type: model.ActionCreateTask, Title: "Call", Assignee: model.AssigneeOwner},
			{Type: model.ActionChangeStatus, Value: "contacted"},
		},
	})

	lead := h.addLead("t1", map[string]any{model.FieldOwner: nil})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, lead))

	assert.Equal(t, "contacted", h.record(t, "t1", model.KindLead, lead.ID).Fields[model.FieldStatus])
	logs := h.store.ExecutionLogs("t1")
	failed := logsWithStatus(logs, rule.ID, model.ExecActionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 0, failed[0].ActionIndex)
	assert.Contains(t, failed[0].Message, "has no owner")
	ok := logsWithStatus(logs, rule.ID, model.ExecActionOK)
	require.Len(t, ok, 1)
	assert.Equal(t, 1, ok[0].ActionIndex)
}

func TestAbortOnFailStopsRemainingActions(t *testing.T) {
	h := newHarness(t)
	h.saveRule(t, &model.AutomationRule{
		Name: "strict",
		Actions: []model.Action{
			{Type: model.ActionCreateTask, Title: "Call", Assignee: model.AssigneeCreator, AbortOnFail: true},
			{Type: model.ActionChangeStatus, Value: "contacted"},
		},
	})

	lead := h.addLead("t1", map[string]any{model.FieldStatus: "new"})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, lead))

	assert.Equal(t, "new", h.record(t, "t1", model.KindLead, lead.ID).Fields[model.FieldStatus])
}

func TestDelayDefersRemainingActions(t *testing.T) {
	h := newHarness(t)
	rule := h.saveRule(t, &model.AutomationRule{
		Name: "follow up later",
		Actions: []model.Action{
			{Type: model.ActionDelay, Duration: model.Duration(time.Hour)},
			{Type: model.ActionCreateTask, Title: "Follow up {{name}}", Assignee: model.AssigneeUser, UserID: 9},
		},
	})

	lead := h.addLead("t1", map[string]any{model.FieldName: "Ada"})
	require.NoError(t, h.engine.FireWithID(h.ctx, "t1", model.EventLeadCreated, lead, "fire-1"))

	tasks, err := h.store.ListTasks(h.ctx, "t1", model.KindLead, lead.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, 0, h.sched.RunDue(h.ctx), "nothing is due before the delay elapses")

	// Deferred actions see the record as it is when they run.
	require.NoError(t, h.store.UpdateRecordFields(h.ctx, "t1", model.KindLead, lead.ID, map[string]any{model.FieldName: "Ada L"}))
	h.clk.Advance(time.Hour)
	assert.Equal(t, 1, h.sched.RunDue(h.ctx))

	tasks, err = h.store.ListTasks(h.ctx, "t1", model.KindLead, lead.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Follow up Ada L", tasks[0].Title)

	ok := logsWithStatus(h.store.ExecutionLogs("t1"), rule.ID, model.ExecActionOK)
	require.Len(t, ok, 2)
	assert.Equal(t, 0, ok[0].ActionIndex)
	assert.Equal(t, 1, ok[1].ActionIndex)

	// A redelivered fire finds the delay claimed and stops there.
	require.NoError(t, h.engine.FireWithID(h.ctx, "t1", model.EventLeadCreated, lead, "fire-1"))
	h.clk.Advance(time.Hour)
	assert.Equal(t, 0, h.sched.RunDue(h.ctx))
	tasks, err = h.store.ListTasks(h.ctx, "t1", model.KindLead, lead.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestSendMessageDispatchesOneRecipientCampaign(t *testing.T) {
	h := newHarness(t)
	tpl := &model.MessageTemplate{TenantID: "t1", Name: "welcome", Channel: model.ChannelSMS, Body: "Karibu {{name}}"}
	require.NoError(t, h.campaigns.CreateTemplate(h.ctx, tpl))
	h.saveRule(t, &model.AutomationRule{
		Name:    "welcome sms",
		Actions: []model.Action{{Type: model.ActionSendMessage, TemplateID: tpl.ID}},
	})

	lead := h.addLead("t1", map[string]any{model.FieldName: "Ada", model.FieldPhone: "+254700000001"})
	require.NoError(t, h.engine.FireWithID(h.ctx, "t1", model.EventLeadCreated, lead, "fire-1"))
	require.NoError(t, h.engine.FireWithID(h.ctx, "t1", model.EventLeadCreated, lead, "fire-1"))
	assert.Equal(t, 1, h.sched.RunDue(h.ctx))

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+254700000001", sent[0].To)
	assert.Equal(t, "Karibu Ada", sent[0].Content.Body)

	campaigns, _, err := h.campaigns.ListCampaigns(h.ctx, "t1", 1, 10, "", "")
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, model.CampaignCompleted, campaigns[0].Status)
	assert.Equal(t, model.AudienceRecipients, campaigns[0].Audience.Kind)
	assert.Equal(t, model.KindLead, campaigns[0].Audience.RecordKind)
}

func TestSendMessageWithMissingTemplateFailsAction(t *testing.T) {
	h := newHarness(t)
	rule := h.saveRule(t, &model.AutomationRule{
		Name:    "broken template",
		Actions: []model.Action{{Type: model.ActionSendMessage, TemplateID: 999}},
	})

	lead := h.addLead("t1", map[string]any{model.FieldPhone: "+254700000001"})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, lead))

	failed := logsWithStatus(h.store.ExecutionLogs("t1"), rule.ID, model.ExecActionFailed)
	require.Len(t, failed, 1)
	assert.Empty(t, h.sender.Sent())
}

func TestFireRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	lead := h.addLead("t1", map[string]any{})

	err := h.engine.Fire(h.ctx, "t1", "lead_exploded", lead)
	assert.True(t, appErrors.IsValidation(err))

	err = h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, nil)
	assert.True(t, appErrors.IsValidation(err))

	err = h.engine.Fire(h.ctx, "t2", model.EventLeadCreated, lead)
	require.Error(t, err)
	assert.Equal(t, appErrors.KindTerminal, appErrors.KindOf(err))
}

func TestRulesAreTenantScoped(t *testing.T) {
	h := newHarness(t)
	h.saveRule(t, &model.AutomationRule{
		TenantID: "t2",
		Name:     "other tenant",
		Actions:  []model.Action{{Type: model.ActionChangeStatus, Value: "touched"}},
	})

	lead := h.addLead("t1", map[string]any{model.FieldStatus: "new"})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, lead))

	assert.Equal(t, "new", h.record(t, "t1", model.KindLead, lead.ID).Fields[model.FieldStatus])
	assert.Empty(t, h.store.ExecutionLogs("t1"))
}

func TestValidateRule(t *testing.T) {
	base := func() *model.AutomationRule {
		return &model.AutomationRule{
			TenantID:     "t1",
			Name:         "r",
			Module:       model.KindLead,
			TriggerEvent: model.EventLeadCreated,
		}
	}

	tests := []struct {
		name   string
		mutate func(r *model.AutomationRule)
	}{
		{"missing name", func(r *model.AutomationRule) { r.Name = " " }},
		{"unknown module", func(r *model.AutomationRule) { r.Module = "invoice" }},
		{"unknown event", func(r *model.AutomationRule) { r.TriggerEvent = "lead_deleted" }},
		{"bad operator", func(r *model.AutomationRule) {
			r.Conditions = json.RawMessage(`{"field":"x","operator":"resembles","value":1}`)
		}},
		{"unknown action", func(r *model.AutomationRule) { r.Actions = []model.Action{{Type: "notify_slack"}} }},
		{"zero delay", func(r *model.AutomationRule) { r.Actions = []model.Action{{Type: model.ActionDelay}} }},
		{"send without template", func(r *model.AutomationRule) { r.Actions = []model.Action{{Type: model.ActionSendMessage}} }},
		{"assign without user", func(r *model.AutomationRule) { r.Actions = []model.Action{{Type: model.ActionAssignOwner}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(r)
			assert.True(t, appErrors.IsValidation(service.ValidateRule(r)))
		})
	}

	r := base()
	r.Conditions = json.RawMessage(`[{"field":"source","operator":"eq","value":"Website"}]`)
	require.NoError(t, service.ValidateRule(r))
	assert.NotEqual(t, `[{"field":"source","operator":"eq","value":"Website"}]`, string(r.Conditions), "legacy shapes are stored canonically")
}

func TestSetActiveDisablesRule(t *testing.T) {
	h := newHarness(t)
	rule := h.saveRule(t, &model.AutomationRule{
		Name:    "toggle",
		Actions: []model.Action{{Type: model.ActionChangeStatus, Value: "seen"}},
	})
	_, err := h.rules.SetActive(h.ctx, "t1", rule.ID, false)
	require.NoError(t, err)

	lead := h.addLead("t1", map[string]any{model.FieldStatus: "new"})
	require.NoError(t, h.engine.Fire(h.ctx, "t1", model.EventLeadCreated, lead))
	assert.Equal(t, "new", h.record(t, "t1", model.KindLead, lead.ID).Fields[model.FieldStatus])

	_, err = h.rules.SetActive(h.ctx, "t2", rule.ID, true)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestDeferredActionsSurviveRestart(t *testing.T) {
	h := newHarness(t)
	rule := h.saveRule(t, &model.AutomationRule{
		Name: "call back tomorrow",
		Actions: []model.Action{
			{Type: model.ActionDelay, Duration: model.Duration(24 * time.Hour)},
			{Type: model.ActionCreateTask, Title: "Call {{name}}", Assignee: model.AssigneeUser, UserID: 9},
		},
	})
	lead := h.addLead("t1", map[string]any{model.FieldName: "Ada"})
	require.NoError(t, h.engine.FireWithID(h.ctx, "t1", model.EventLeadCreated, lead, "fire-1"))

	assert.Equal(t, 1, h.restart(t))
	h.clk.Advance(25 * time.Hour)
	assert.Equal(t, 1, h.sched.RunDue(h.ctx))

	tasks, err := h.store.ListTasks(h.ctx, "t1", model.KindLead, lead.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Call Ada", tasks[0].Title)
	assert.Len(t, logsWithStatus(h.store.ExecutionLogs("t1"), rule.ID, model.ExecActionOK), 2)
	assert.Zero(t, h.restart(t))
}
