package service_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-crm/internal/channel"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func inbound(from, providerID, text string) channel.CanonicalInbound {
	return channel.CanonicalInbound{
		Channel:           model.ChannelSMS,
		AccountExternalID: "t1-sms",
		ExternalSender:    from,
		SenderName:        "Ada",
		Content:           text,
		ProviderMessageID: providerID,
		ReceivedAt:        t0,
	}
}

func (h *harness) eventsNamed(name model.TriggerEvent) []publishedEvent {
	var out []publishedEvent
	for _, ev := range h.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) onlyConversation(t *testing.T) *model.Conversation {
	t.Helper()
	received := h.eventsNamed(model.EventMessageReceived)
	require.NotEmpty(t, received)
	conv, err := h.inbox.GetConversation(h.ctx, received[0].TenantID, received[0].Record.ID)
	require.NoError(t, err)
	return conv
}

func TestWebhookReplayStoresOneMessage(t *testing.T) {
	h := newHarness(t)
	msg := inbound("+254711000001", "X", "hello")
	batch := channel.Batch{Messages: []channel.CanonicalInbound{msg}}

	require.NoError(t, h.inbox.HandleBatch(h.ctx, batch))
	require.NoError(t, h.inbox.HandleBatch(h.ctx, batch))

	conv := h.onlyConversation(t)
	assert.Equal(t, "t1", conv.TenantID)
	assert.Equal(t, 1, conv.UnreadCount)
	require.NotNil(t, conv.LastMessageAt)
	assert.Equal(t, t0, *conv.LastMessageAt)

	messages, err := h.inbox.ListMessages(h.ctx, "t1", conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, model.DirectionIn, messages[0].Direction)
	assert.Len(t, h.eventsNamed(model.EventMessageReceived), 1)
}

func TestInboundFromNewSenderCreatesContact(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.inbox.Ingest(h.ctx, inbound("+254711000001", "m1", "hi")))
	require.NoError(t, h.inbox.Ingest(h.ctx, inbound("+254711000001", "m2", "again")))

	created := h.eventsNamed(model.EventLeadCreated)
	require.Len(t, created, 1, "only the first message creates the contact")
	assert.Equal(t, model.KindContact, created[0].Record.Kind)
	assert.Equal(t, "+254711000001", created[0].Record.String(model.FieldPhone))

	conv := h.onlyConversation(t)
	assert.Equal(t, 2, conv.UnreadCount)
	require.NotNil(t, conv.ContactID)
	assert.Equal(t, created[0].Record.ID, *conv.ContactID)
}

func TestNewContactEventFollowsAccountSetting(t *testing.T) {
	h := newHarness(t)
	h.store.AddAccount(&model.ChannelAccount{
		TenantID:        "t2",
		Channel:         model.ChannelEmail,
		ExternalID:      "support@t2.example",
		NewContactEvent: model.EventContactCreated,
	})

	require.NoError(t, h.inbox.Ingest(h.ctx, channel.CanonicalInbound{
		Channel:           model.ChannelEmail,
		AccountExternalID: "support@t2.example",
		ExternalSender:    "ada@example.com",
		Content:           "help",
		ProviderMessageID: "<m1@example.com>",
	}))

	created := h.eventsNamed(model.EventContactCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "t2", created[0].TenantID)
	assert.Equal(t, "ada@example.com", created[0].Record.String(model.FieldEmail))
	assert.Empty(t, h.eventsNamed(model.EventLeadCreated))
}

func TestInboundForUnknownAccountIsDropped(t *testing.T) {
	h := newHarness(t)
	msg := inbound("+254711000001", "m1", "hi")
	msg.AccountExternalID = "nobody"

	require.NoError(t, h.inbox.Ingest(h.ctx, msg))
	assert.Empty(t, h.Events())
}

func TestInboundNeedsSenderAndProviderID(t *testing.T) {
	h := newHarness(t)
	err := h.inbox.Ingest(h.ctx, inbound("", "m1", "hi"))
	assert.True(t, appErrors.IsValidation(err))
	err = h.inbox.Ingest(h.ctx, inbound("+254711000001", "", "hi"))
	assert.True(t, appErrors.IsValidation(err))
}

func TestConversationInheritsContactOwner(t *testing.T) {
	h := newHarness(t)
	owner := int64(5)
	h.store.AddContact(&model.Contact{
		TenantID: "t1",
		Channel:  model.ChannelSMS,
		Handle:   "+254711000001",
		Name:     "Ada",
		Phone:    "+254711000001",
		OwnerID:  &owner,
	})

	require.NoError(t, h.inbox.Ingest(h.ctx, inbound("+254711000001", "m1", "hi")))

	conv := h.onlyConversation(t)
	require.NotNil(t, conv.AssigneeID)
	assert.Equal(t, owner, *conv.AssigneeID)
	assert.Empty(t, h.eventsNamed(model.EventLeadCreated), "known contacts are not re-announced")
}

func TestMessageReceivedFiresConversationRules(t *testing.T) {
	h := newHarness(t)
	h.saveRule(t, &model.AutomationRule{
		Module:       model.KindConversation,
		TriggerEvent: model.EventMessageReceived,
		Name:         "reopen on reply",
		Actions:      []model.Action{{Type: model.ActionChangeStatus, Value: string(model.ConversationPending)}},
	})

	require.NoError(t, h.inbox.Ingest(h.ctx, inbound("+254711000001", "m1", "hi")))

	conv := h.onlyConversation(t)
	assert.Equal(t, model.ConversationPending, conv.Status)
}

func TestAgentReply(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.inbox.Ingest(h.ctx, inbound("+254711000001", "m1", "hi")))
	conv := h.onlyConversation(t)

	msg, err := h.inbox.Send(h.ctx, "t1", conv.ID, 42, "How can we help?")
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, msg.Status)
	assert.Equal(t, model.DirectionOut, msg.Direction)
	assert.NotEmpty(t, msg.ProviderMessageID)

	sent := h.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+254711000001", sent[0].To)

	after, err := h.inbox.GetConversation(h.ctx, "t1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.UnreadCount, "replies do not count as unread")

	messages, err := h.inbox.ListMessages(h.ctx, "t1", conv.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	_, err = h.inbox.Send(h.ctx, "t1", conv.ID, 42, "  ")
	assert.True(t, appErrors.IsValidation(err))
	_, err = h.inbox.Send(h.ctx, "t2", conv.ID, 42, "hi")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestAgentReplyFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.inbox.Ingest(h.ctx, inbound("+254711000001", "m1", "hi")))
	conv := h.onlyConversation(t)
	h.sender.fail["+254711000001"] = appErrors.Terminal("send sms", fmt.Errorf("blocked"))

	msg, err := h.inbox.Send(h.ctx, "t1", conv.ID, 42, "ping")
	require.Error(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, model.MessageFailed, msg.Status)

	messages, err := h.inbox.ListMessages(h.ctx, "t1", conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, model.MessageFailed, messages[1].Status)
	assert.Contains(t, messages[1].ErrorMessage, "blocked")
}

func TestStatusCallbacksOnlyMoveForward(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.inbox.Ingest(h.ctx, inbound("+254711000001", "m1", "hi")))
	conv := h.onlyConversation(t)
	msg, err := h.inbox.Send(h.ctx, "t1", conv.ID, 42, "hello")
	require.NoError(t, err)

	status := func(s model.MessageStatus) {
		require.NoError(t, h.inbox.HandleStatus(h.ctx, channel.StatusUpdate{
			Channel:           model.ChannelSMS,
			AccountExternalID: "t1-sms",
			ProviderMessageID: msg.ProviderMessageID,
			Status:            s,
		}))
	}
	status(model.MessageRead)
	status(model.MessageDelivered)

	messages, err := h.inbox.ListMessages(h.ctx, "t1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageRead, messages[1].Status)

	// Receipts for ids nobody sent are ignored.
	require.NoError(t, h.inbox.HandleStatus(h.ctx, channel.StatusUpdate{
		Channel:           model.ChannelSMS,
		AccountExternalID: "t1-sms",
		ProviderMessageID: "unknown",
		Status:            model.MessageDelivered,
	}))
}
