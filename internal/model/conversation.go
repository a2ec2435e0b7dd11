package model

import "time"

type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationPending ConversationStatus = "pending"
	ConversationClosed  ConversationStatus = "closed"
)

// Contact is the recipient row an inbound sender resolves to.
type Contact struct {
	ID        int64     `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Channel   Channel   `db:"channel" json:"channel"`
	Handle    string    `db:"external_handle" json:"external_handle"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Phone     string    `db:"phone" json:"phone"`
	Company   string    `db:"company" json:"company"`
	OwnerID   *int64    `db:"owner_id" json:"owner_id,omitempty"`
	Tags      []string  `db:"tags" json:"tags"`
	Deleted   bool      `db:"deleted" json:"deleted"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Record exposes the contact to evaluators and templates.
func (c *Contact) Record() *Record {
	fields := map[string]any{
		FieldName:         c.Name,
		FieldEmail:        c.Email,
		FieldPhone:        c.Phone,
		FieldCompany:      c.Company,
		FieldTags:         append([]string(nil), c.Tags...),
		FieldDeleted:      c.Deleted,
		FieldCreatedAt:    c.CreatedAt,
		"channel":         string(c.Channel),
		"external_handle": c.Handle,
	}
	if c.OwnerID != nil {
		fields[FieldOwnerID] = *c.OwnerID
		fields[FieldOwner] = *c.OwnerID
	} else {
		fields[FieldOwnerID] = nil
		fields[FieldOwner] = nil
	}
	return &Record{Kind: KindContact, ID: c.ID, TenantID: c.TenantID, Fields: fields}
}

type Conversation struct {
	ID            int64              `db:"id" json:"id"`
	TenantID      string             `db:"tenant_id" json:"tenant_id"`
	Channel       Channel            `db:"channel" json:"channel"`
	ContactHandle string             `db:"external_contact_handle" json:"external_contact_handle"`
	ContactID     *int64             `db:"contact_id" json:"contact_id,omitempty"`
	AssigneeID    *int64             `db:"assignee_id" json:"assignee_id,omitempty"`
	AccountID     int64              `db:"channel_account_id" json:"channel_account_id"`
	Status        ConversationStatus `db:"status" json:"status"`
	LastMessageAt *time.Time         `db:"last_message_at" json:"last_message_at,omitempty"`
	UnreadCount   int                `db:"unread_count" json:"unread_count"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
}

// Record exposes the conversation to the rule engine.
func (c *Conversation) Record() *Record {
	fields := map[string]any{
		"channel":                 string(c.Channel),
		"external_contact_handle": c.ContactHandle,
		FieldStatus:               string(c.Status),
		"unread_count":            int64(c.UnreadCount),
		FieldCreatedAt:            c.CreatedAt,
		"contact_id":              nil,
		"assignee_id":             nil,
		"last_message_at":         nil,
	}
	if c.ContactID != nil {
		fields["contact_id"] = *c.ContactID
	}
	if c.AssigneeID != nil {
		fields["assignee_id"] = *c.AssigneeID
		fields[FieldOwner] = *c.AssigneeID
	}
	if c.LastMessageAt != nil {
		fields["last_message_at"] = *c.LastMessageAt
	}
	return &Record{Kind: KindConversation, ID: c.ID, TenantID: c.TenantID, Fields: fields}
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type SenderKind string

const (
	SenderContact SenderKind = "contact"
	SenderAgent   SenderKind = "agent"
	SenderSystem  SenderKind = "system"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// rank orders statuses so provider callbacks only move forward.
func (s MessageStatus) rank() int {
	switch s {
	case MessagePending:
		return 0
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	case MessageFailed:
		return 4
	}
	return -1
}

// CanAdvanceTo reports whether a callback may move s to next.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == MessageFailed || s == MessageRead {
		return false
	}
	if next == MessageFailed {
		return true
	}
	return next.rank() > s.rank()
}

type Message struct {
	ID                int64         `db:"id" json:"id"`
	TenantID          string        `db:"tenant_id" json:"tenant_id"`
	ConversationID    int64         `db:"conversation_id" json:"conversation_id"`
	Direction         Direction     `db:"direction" json:"direction"`
	SenderKind        SenderKind    `db:"sender_kind" json:"sender_kind"`
	SenderID          *int64        `db:"sender_id" json:"sender_id,omitempty"`
	Content           string        `db:"content" json:"content"`
	Status            MessageStatus `db:"status" json:"status"`
	ProviderMessageID string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ErrorMessage      string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
}

// ChannelAccount maps a provider-side identifier back to its tenant.
type ChannelAccount struct {
	ID              int64        `db:"id" json:"id"`
	TenantID        string       `db:"tenant_id" json:"tenant_id"`
	Channel         Channel      `db:"channel" json:"channel"`
	ExternalID      string       `db:"external_id" json:"external_id"`
	APIURL          string       `db:"api_url" json:"api_url"`
	AccessToken     string       `db:"access_token" json:"-"`
	Sender          string       `db:"sender" json:"sender"`
	NewContactEvent TriggerEvent `db:"new_contact_event" json:"new_contact_event,omitempty"`
	IsDefault       bool         `db:"is_default" json:"is_default"`
}
