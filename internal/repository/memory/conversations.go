package memory

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func contactFromRecord(rec *model.Record) *model.Contact {
	c := &model.Contact{
		ID:       rec.ID,
		TenantID: rec.TenantID,
		Channel:  model.Channel(rec.String("channel")),
		Handle:   rec.String("external_handle"),
		Name:     rec.String(model.FieldName),
		Email:    rec.String(model.FieldEmail),
		Phone:    rec.String(model.FieldPhone),
		Company:  rec.String(model.FieldCompany),
		Deleted:  rec.Deleted(),
	}
	c.OwnerID = asInt64Ptr(rec.Fields[model.FieldOwnerID])
	if tags, ok := rec.Fields[model.FieldTags].([]string); ok {
		c.Tags = append([]string(nil), tags...)
	}
	c.CreatedAt, _ = rec.Fields[model.FieldCreatedAt].(time.Time)
	return c
}

func (s *Store) UpsertContact(ctx context.Context, c *model.Contact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records[model.KindContact] {
		if rec.TenantID == c.TenantID && rec.String("channel") == string(c.Channel) && c.Handle != "" && rec.String("external_handle") == c.Handle {
			*c = *contactFromRecord(rec)
			return false, nil
		}
	}
	*c = *s.addContactLocked(c)
	return true, nil
}

func (s *Store) GetContact(ctx context.Context, tenantID string, id int64) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[model.KindContact][id]
	if !ok || rec.TenantID != tenantID {
		return nil, appErrors.NotFound("contact", id)
	}
	return contactFromRecord(rec), nil
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	cp := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	return &cp
}

func (s *Store) UpsertConversation(ctx context.Context, c *model.Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conversations {
		if existing.TenantID == c.TenantID && existing.Channel == c.Channel && existing.ContactHandle == c.ContactHandle {
			if existing.ContactID == nil && c.ContactID != nil {
				id := *c.ContactID
				existing.ContactID = &id
			}
			*c = *cloneConversation(existing)
			return false, nil
		}
	}
	c.ID = s.nextID()
	if c.Status == "" {
		c.Status = model.ConversationOpen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.conversations[c.ID] = cloneConversation(c)
	s.touchTenant(c.TenantID)
	return true, nil
}

func (s *Store) GetConversation(ctx context.Context, tenantID string, id int64) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.TenantID != tenantID {
		return nil, appErrors.NotFound("conversation", id)
	}
	return cloneConversation(c), nil
}

func (s *Store) TouchConversation(ctx context.Context, tenantID string, id int64, at time.Time, incrementUnread bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.TenantID != tenantID {
		return appErrors.NotFound("conversation", id)
	}
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		t := at
		c.LastMessageAt = &t
	}
	if incrementUnread {
		c.UnreadCount++
	}
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ProviderMessageID != "" {
		for _, existing := range s.messages {
			if existing.ConversationID == m.ConversationID && existing.ProviderMessageID == m.ProviderMessageID {
				return false, nil
			}
		}
	}
	m.ID = s.nextID()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.messages[m.ID] = &cp
	return true, nil
}

func (s *Store) UpdateMessageDelivery(ctx context.Context, tenantID string, id int64, status model.MessageStatus, providerMessageID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return appErrors.NotFound("message", id)
	}
	m.Status = status
	if providerMessageID != "" {
		m.ProviderMessageID = providerMessageID
	}
	m.ErrorMessage = errMsg
	return nil
}

func (s *Store) UpdateMessageStatusByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.MessageStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, m := range s.messages {
		if m.TenantID != tenantID || m.ProviderMessageID != providerMessageID || m.Direction != model.DirectionOut {
			continue
		}
		if !m.Status.CanAdvanceTo(status) {
			continue
		}
		m.Status = status
		if errMsg != "" {
			m.ErrorMessage = errMsg
		}
		changed = true
	}
	return changed, nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID string, conversationID int64) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Message{}
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AddAccount registers a channel account.
func (s *Store) AddAccount(a *model.ChannelAccount) *model.ChannelAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.nextID()
	cp := *a
	s.accounts[a.ID] = &cp
	s.touchTenant(a.TenantID)
	out := cp
	return &out
}

func (s *Store) GetAccountByExternalID(ctx context.Context, channel model.Channel, externalID string) (*model.ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Channel == channel && a.ExternalID == externalID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, appErrors.NotFound("channel account", externalID)
}

func (s *Store) GetAccount(ctx context.Context, tenantID string, id int64) (*model.ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.TenantID != tenantID {
		return nil, appErrors.NotFound("channel account", id)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetDefaultAccount(ctx context.Context, tenantID string, channel model.Channel) (*model.ChannelAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.ChannelAccount
	for _, a := range s.accounts {
		if a.TenantID != tenantID || a.Channel != channel {
			continue
		}
		if best == nil || (a.IsDefault && !best.IsDefault) || (a.IsDefault == best.IsDefault && a.ID < best.ID) {
			best = a
		}
	}
	if best == nil {
		return nil, appErrors.NotFound("channel account", string(channel))
	}
	cp := *best
	return &cp, nil
}
