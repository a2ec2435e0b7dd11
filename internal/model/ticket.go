package model

import "time"

type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityMedium TicketPriority = "medium"
	PriorityHigh   TicketPriority = "high"
	PriorityUrgent TicketPriority = "urgent"
)

func (p TicketPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type TicketStatus string

const (
	TicketOpen     TicketStatus = "open"
	TicketPending  TicketStatus = "pending"
	TicketResolved TicketStatus = "resolved"
	TicketClosed   TicketStatus = "closed"
)

type Ticket struct {
	ID               int64          `db:"id" json:"id"`
	TenantID         string         `db:"tenant_id" json:"tenant_id"`
	TicketNumber     string         `db:"ticket_number" json:"ticket_number"`
	Subject          string         `db:"subject" json:"subject"`
	Priority         TicketPriority `db:"priority" json:"priority"`
	Status           TicketStatus   `db:"status" json:"status"`
	OwnerID          *int64         `db:"owner_id" json:"owner_id,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	SLADueAt         *time.Time     `db:"sla_due_at" json:"sla_due_at,omitempty"`
	ClosedAt         *time.Time     `db:"closed_at" json:"closed_at,omitempty"`
	BreachNotifiedAt *time.Time     `db:"breach_notified_at" json:"breach_notified_at,omitempty"`
}

// Record exposes the ticket to the rule engine.
func (t *Ticket) Record() *Record {
	fields := map[string]any{
		"ticket_number": t.TicketNumber,
		"subject":       t.Subject,
		"priority":      string(t.Priority),
		FieldStatus:     string(t.Status),
		FieldCreatedAt:  t.CreatedAt,
		"sla_due_at":    nil,
		FieldOwner:      nil,
	}
	if t.SLADueAt != nil {
		fields["sla_due_at"] = *t.SLADueAt
	}
	if t.OwnerID != nil {
		fields[FieldOwner] = *t.OwnerID
	}
	return &Record{Kind: KindTicket, ID: t.ID, TenantID: t.TenantID, Fields: fields}
}
