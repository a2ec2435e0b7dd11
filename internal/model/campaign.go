// internal/model/campaign.go
package model

import "time"

// Channel is an outbound/inbound communication channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWhatsApp, ChannelSMS:
		return true
	}
	return false
}

// AddressField is the recipient field a channel delivers to.
func (c Channel) AddressField() string {
	if c == ChannelEmail {
		return FieldEmail
	}
	return FieldPhone
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignPaused    CampaignStatus = "paused"
)

// Terminal reports whether no further transition is allowed.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

type Campaign struct {
	ID              int64          `db:"id" json:"id"`
	TenantID        string         `db:"tenant_id" json:"tenant_id"`
	Name            string         `db:"name" json:"name"`
	Channel         Channel        `db:"channel" json:"channel"`
	Status          CampaignStatus `db:"status" json:"status"`
	Audience        Audience       `db:"audience_descriptor" json:"audience"`
	Subject         string         `db:"subject" json:"subject,omitempty"`
	ContentTemplate string         `db:"content_template" json:"content_template"`
	SourceKey       string         `db:"source_key" json:"source_key,omitempty"`
	ScheduledAt     *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedBy       int64          `db:"created_by" json:"created_by"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
)

// Succeeded reports whether the row blocks a replayed send.
func (s DeliveryStatus) Succeeded() bool {
	return s == DeliverySent || s == DeliveryDelivered
}

// CampaignDeliveryLog is the per-(campaign, recipient) outcome and the
// idempotency barrier for campaign sends.
type CampaignDeliveryLog struct {
	ID                int64          `db:"id" json:"id"`
	TenantID          string         `db:"tenant_id" json:"tenant_id"`
	CampaignID        int64          `db:"campaign_id" json:"campaign_id"`
	RecipientID       int64          `db:"recipient_id" json:"recipient_id"`
	Status            DeliveryStatus `db:"status" json:"status"`
	ProviderMessageID string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	RenderedContent   string         `db:"rendered_content" json:"rendered_content,omitempty"`
	ErrorMessage      string         `db:"error_message" json:"error_message,omitempty"`
	AttemptCount      int            `db:"attempt_count" json:"attempt_count"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// MessageTemplate is referenced by the send_message action.
type MessageTemplate struct {
	ID       int64   `db:"id" json:"id"`
	TenantID string  `db:"tenant_id" json:"tenant_id"`
	Name     string  `db:"name" json:"name"`
	Channel  Channel `db:"channel" json:"channel"`
	Subject  string  `db:"subject" json:"subject"`
	Body     string  `db:"body" json:"body"`
}
