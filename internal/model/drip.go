package model

import "time"

type DripStatus string

const (
	DripDraft  DripStatus = "draft"
	DripActive DripStatus = "active"
	DripPaused DripStatus = "paused"
)

type DripCampaign struct {
	ID        int64      `db:"id" json:"id"`
	TenantID  string     `db:"tenant_id" json:"tenant_id"`
	Name      string     `db:"name" json:"name"`
	Channel   Channel    `db:"channel" json:"channel"`
	Status    DripStatus `db:"status" json:"status"`
	Audience  Audience   `db:"audience_descriptor" json:"audience"`
	Steps     []DripStep `json:"steps"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Step returns the step with the given number, or nil.
func (d *DripCampaign) Step(n int) *DripStep {
	for i := range d.Steps {
		if d.Steps[i].StepNumber == n {
			return &d.Steps[i]
		}
	}
	return nil
}

// MaxStep is the highest step number; steps are dense from 1.
func (d *DripCampaign) MaxStep() int {
	highest := 0
	for _, s := range d.Steps {
		if s.StepNumber > highest {
			highest = s.StepNumber
		}
	}
	return highest
}

type DripStep struct {
	DripID     int64    `db:"drip_id" json:"drip_id"`
	StepNumber int      `db:"step_number" json:"step_number"`
	Delay      Duration `db:"delay_seconds" json:"delay"`
	Subject    string   `db:"subject" json:"subject"`
	Body       string   `db:"body" json:"body"`
}

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentStopped   EnrollmentStatus = "stopped"
)

type DripEnrollment struct {
	ID          int64            `db:"id" json:"id"`
	TenantID    string           `db:"tenant_id" json:"tenant_id"`
	DripID      int64            `db:"drip_id" json:"drip_id"`
	RecipientID int64            `db:"recipient_id" json:"recipient_id"`
	CurrentStep int              `db:"current_step" json:"current_step"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	NextSendAt  *time.Time       `db:"next_send_at" json:"next_send_at,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

// DripDelivery is unique on (enrollment_id, step_number).
type DripDelivery struct {
	ID                int64          `db:"id" json:"id"`
	TenantID          string         `db:"tenant_id" json:"tenant_id"`
	EnrollmentID      int64          `db:"enrollment_id" json:"enrollment_id"`
	StepNumber        int            `db:"step_number" json:"step_number"`
	Status            DeliveryStatus `db:"status" json:"status"`
	ProviderMessageID string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ErrorMessage      string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}
