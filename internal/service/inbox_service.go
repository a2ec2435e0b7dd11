package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unclebandit/smsleopard-crm/internal/channel"
	"github.com/unclebandit/smsleopard-crm/internal/clock"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
	"github.com/unclebandit/smsleopard-crm/internal/trigger"
)

// InboxService demultiplexes inbound messages into conversations and sends
// agent replies.
type InboxService struct {
	ConversationRepo repository.ConversationRepositoryInterface
	AccountRepo      repository.ChannelAccountRepositoryInterface
	CampaignRepo     repository.CampaignRepositoryInterface
	DripRepo         repository.DripRepositoryInterface
	Events           trigger.Publisher
	Sender           Sender
	Clock            clock.Clock

	once  sync.Once
	lanes *queue.Lanes
}

func (s *InboxService) lane(key string, fn func()) {
	s.once.Do(func() { s.lanes = queue.NewLanes() })
	s.lanes.Do(key, fn)
}

func (s *InboxService) now() time.Time {
	if s.Clock == nil {
		return clock.Real().Now()
	}
	return s.Clock.Now()
}

// HandleBatch applies everything a webhook delivered. Items are
// independent; the first transient error is returned after all ran so
// the provider retries.
func (s *InboxService) HandleBatch(ctx context.Context, b channel.Batch) error {
	var first error
	for _, in := range b.Messages {
		if err := s.Ingest(ctx, in); err != nil {
			log.Printf("❌ inbound %s/%s from %s: %v", in.Channel, in.ProviderMessageID, in.ExternalSender, err)
			if first == nil && appErrors.IsTransient(err) {
				first = err
			}
		}
	}
	for _, st := range b.Statuses {
		if err := s.HandleStatus(ctx, st); err != nil {
			log.Printf("❌ status %s/%s: %v", st.Channel, st.ProviderMessageID, err)
			if first == nil && appErrors.IsTransient(err) {
				first = err
			}
		}
	}
	return first
}

// Ingest records one inbound message. Messages for unknown channel
// accounts are dropped; a replayed provider id is a no-op.
func (s *InboxService) Ingest(ctx context.Context, in channel.CanonicalInbound) (err error) {
	if in.ExternalSender == "" || in.ProviderMessageID == "" {
		return appErrors.Validation("ingest", "inbound message needs a sender and a provider id")
	}
	acct, err := s.AccountRepo.GetAccountByExternalID(ctx, in.Channel, in.AccountExternalID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Printf("⚠️ inbound %s message for unknown account %q dropped", in.Channel, in.AccountExternalID)
			return nil
		}
		return appErrors.Transient("resolve account", err)
	}
	tenantID := acct.TenantID

	ctx, span := startSpan(ctx, "inbox.ingest", tenantID,
		attribute.String("channel", string(in.Channel)),
		attribute.String("message.provider_id", in.ProviderMessageID),
	)
	defer func() { endSpan(span, err) }()

	s.lane(queue.Key(tenantID, in.Channel, in.ExternalSender), func() {
		err = s.ingest(ctx, acct, in)
	})
	return err
}

func (s *InboxService) ingest(ctx context.Context, acct *model.ChannelAccount, in channel.CanonicalInbound) error {
	tenantID := acct.TenantID
	now := s.now()
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	contact := &model.Contact{
		TenantID:  tenantID,
		Channel:   in.Channel,
		Handle:    in.ExternalSender,
		Name:      in.SenderName,
		CreatedAt: now,
	}
	if in.Channel == model.ChannelEmail {
		contact.Email = in.ExternalSender
	} else {
		contact.Phone = in.ExternalSender
	}
	created, err := s.ConversationRepo.UpsertContact(ctx, contact)
	if err != nil {
		return appErrors.Transient("upsert contact", err)
	}
	if created {
		event := acct.NewContactEvent
		if event == "" {
			event = model.EventLeadCreated
		}
		log.Printf("📩 tenant=%s new contact %d from %s", tenantID, contact.ID, in.ExternalSender)
		s.publish(ctx, tenantID, event, contact.Record())
	}

	conv := &model.Conversation{
		TenantID:      tenantID,
		Channel:       in.Channel,
		ContactHandle: in.ExternalSender,
		ContactID:     &contact.ID,
		AssigneeID:    contact.OwnerID,
		AccountID:     acct.ID,
		Status:        model.ConversationOpen,
		CreatedAt:     now,
	}
	if _, err := s.ConversationRepo.UpsertConversation(ctx, conv); err != nil {
		return appErrors.Transient("upsert conversation", err)
	}

	msg := &model.Message{
		TenantID:          tenantID,
		ConversationID:    conv.ID,
		Direction:         model.DirectionIn,
		SenderKind:        model.SenderContact,
		SenderID:          &contact.ID,
		Content:           in.Content,
		Status:            model.MessageRead,
		ProviderMessageID: in.ProviderMessageID,
		CreatedAt:         receivedAt,
	}
	inserted, err := s.ConversationRepo.InsertMessage(ctx, msg)
	if err != nil {
		return appErrors.Transient("insert message", err)
	}
	if !inserted {
		log.Printf("⚠️ tenant=%s conversation=%d duplicate message %s ignored", tenantID, conv.ID, in.ProviderMessageID)
		return nil
	}

	if err := s.ConversationRepo.TouchConversation(ctx, tenantID, conv.ID, receivedAt, true); err != nil {
		return appErrors.Transient("touch conversation", err)
	}
	fresh, err := s.ConversationRepo.GetConversation(ctx, tenantID, conv.ID)
	if err != nil {
		return appErrors.Transient("reload conversation", err)
	}
	log.Printf("📩 tenant=%s conversation=%d message %d received", tenantID, conv.ID, msg.ID)
	s.publish(ctx, tenantID, model.EventMessageReceived, fresh.Record())
	return nil
}

// publish failures are logged; the message is already stored.
func (s *InboxService) publish(ctx context.Context, tenantID string, event model.TriggerEvent, rec *model.Record) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, tenantID, event, rec); err != nil {
		log.Printf("⚠️ tenant=%s publish %s for %s/%d: %v", tenantID, event, rec.Kind, rec.ID, err)
	}
}

// Send delivers an agent reply. A failed send is recorded on the message
// and returned with it.
func (s *InboxService) Send(ctx context.Context, tenantID string, conversationID, agentID int64, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, appErrors.Validation("send message", "content cannot be empty")
	}
	conv, err := s.ConversationRepo.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	acct, err := s.AccountRepo.GetAccount(ctx, tenantID, conv.AccountID)
	if err != nil {
		return nil, err
	}

	var result *model.Message
	s.lane(queue.Key(tenantID, conv.Channel, conv.ContactHandle), func() {
		result, err = s.send(ctx, conv, acct, agentID, content)
	})
	return result, err
}

func (s *InboxService) send(ctx context.Context, conv *model.Conversation, acct *model.ChannelAccount, agentID int64, content string) (*model.Message, error) {
	tenantID := conv.TenantID
	msg := &model.Message{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		Direction:      model.DirectionOut,
		SenderKind:     model.SenderAgent,
		SenderID:       int64Ptr(agentID),
		Content:        content,
		Status:         model.MessagePending,
		CreatedAt:      s.now(),
	}
	if _, err := s.ConversationRepo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	receipt, sendErr := s.Sender.Send(ctx, tenantID, acct, conv.ContactHandle, channel.Content{Body: content})
	if sendErr != nil {
		msg.Status = model.MessageFailed
		msg.ErrorMessage = sendErr.Error()
		log.Printf("⚠️ tenant=%s conversation=%d message %d send failed: %v", tenantID, conv.ID, msg.ID, sendErr)
	} else {
		msg.Status = model.MessageSent
		msg.ProviderMessageID = receipt.ProviderMessageID
	}
	if err := s.ConversationRepo.UpdateMessageDelivery(ctx, tenantID, msg.ID, msg.Status, msg.ProviderMessageID, msg.ErrorMessage); err != nil {
		return msg, fmt.Errorf("update message: %w", err)
	}
	if err := s.ConversationRepo.TouchConversation(ctx, tenantID, conv.ID, msg.CreatedAt, false); err != nil {
		return msg, fmt.Errorf("touch conversation: %w", err)
	}
	return msg, sendErr
}

// HandleStatus applies a provider receipt to the outbound conversation
// message and to campaign and drip delivery rows. Unknown ids are ignored.
func (s *InboxService) HandleStatus(ctx context.Context, st channel.StatusUpdate) error {
	acct, err := s.AccountRepo.GetAccountByExternalID(ctx, st.Channel, st.AccountExternalID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Printf("⚠️ status for unknown %s account %q dropped", st.Channel, st.AccountExternalID)
			return nil
		}
		return appErrors.Transient("resolve account", err)
	}
	tenantID := acct.TenantID

	changed, err := s.ConversationRepo.UpdateMessageStatusByProviderID(ctx, tenantID, st.ProviderMessageID, st.Status, st.Error)
	if err != nil {
		return appErrors.Transient("update message status", err)
	}

	var delivery model.DeliveryStatus
	switch st.Status {
	case model.MessageDelivered, model.MessageRead:
		delivery = model.DeliveryDelivered
	case model.MessageFailed:
		delivery = model.DeliveryFailed
		if st.Bounced {
			delivery = model.DeliveryBounced
		}
	}
	if delivery != "" {
		if s.CampaignRepo != nil {
			ok, err := s.CampaignRepo.UpdateDeliveryStatusByProviderID(ctx, tenantID, st.ProviderMessageID, delivery, st.Error)
			if err != nil {
				return appErrors.Transient("update campaign delivery", err)
			}
			changed = changed || ok
		}
		if s.DripRepo != nil {
			ok, err := s.DripRepo.UpdateDripDeliveryByProviderID(ctx, tenantID, st.ProviderMessageID, delivery, st.Error)
			if err != nil {
				return appErrors.Transient("update drip delivery", err)
			}
			changed = changed || ok
		}
	}
	if !changed {
		log.Printf("⚠️ tenant=%s status %s for unknown or settled message %s", tenantID, st.Status, st.ProviderMessageID)
	}
	return nil
}

func (s *InboxService) GetConversation(ctx context.Context, tenantID string, id int64) (*model.Conversation, error) {
	return s.ConversationRepo.GetConversation(ctx, tenantID, id)
}

func (s *InboxService) ListMessages(ctx context.Context, tenantID string, conversationID int64) ([]*model.Message, error) {
	if _, err := s.ConversationRepo.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	return s.ConversationRepo.ListMessages(ctx, tenantID, conversationID)
}
