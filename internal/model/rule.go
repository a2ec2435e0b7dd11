package model

import (
	"encoding/json"
	"time"
)

// TriggerEvent is the closed set of events the rule engine consumes.
type TriggerEvent string

const (
	EventLeadCreated         TriggerEvent = "lead_created"
	EventLeadUpdated         TriggerEvent = "lead_updated"
	EventDealCreated         TriggerEvent = "deal_created"
	EventDealUpdated         TriggerEvent = "deal_updated"
	EventTicketCreated       TriggerEvent = "ticket_created"
	EventTicketStatusChanged TriggerEvent = "ticket_status_changed"
	EventMessageReceived     TriggerEvent = "message_received"
	EventContactCreated      TriggerEvent = "contact_created"
)

// Valid reports whether e belongs to the closed event set.
func (e TriggerEvent) Valid() bool {
	switch e {
	case EventLeadCreated, EventLeadUpdated, EventDealCreated, EventDealUpdated,
		EventTicketCreated, EventTicketStatusChanged, EventMessageReceived, EventContactCreated:
		return true
	}
	return false
}

// ActionType names a rule action.
type ActionType string

const (
	ActionAssignOwner  ActionType = "assign_owner"
	ActionChangeStatus ActionType = "change_status"
	ActionCreateTask   ActionType = "create_task"
	ActionSendMessage  ActionType = "send_message"
	ActionDelay        ActionType = "delay"
)

// Task assignee selectors for create_task.
const (
	AssigneeOwner   = "owner"
	AssigneeCreator = "creator"
	AssigneeUser    = "user_id"
)

// Action is one ordered step of a rule. Only the fields relevant to Type
// are populated.
type Action struct {
	Type        ActionType `json:"type"`
	UserID      int64      `json:"user_id,omitempty"`
	Value       string     `json:"value,omitempty"`
	Title       string     `json:"title,omitempty"`
	DaysDue     int        `json:"days_due,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Channel     Channel    `json:"channel,omitempty"`
	TemplateID  int64      `json:"template_id,omitempty"`
	Duration    Duration   `json:"duration,omitempty"`
	AbortOnFail bool       `json:"abort_on_fail,omitempty"`
}

// AutomationRule binds conditions and actions to (module, trigger_event).
// Conditions is kept as raw JSON; the condition package owns its grammar.
type AutomationRule struct {
	ID           int64           `db:"id" json:"id"`
	TenantID     string          `db:"tenant_id" json:"tenant_id"`
	Name         string          `db:"name" json:"name"`
	Module       RecordKind      `db:"module" json:"module"`
	TriggerEvent TriggerEvent    `db:"trigger_event" json:"trigger_event"`
	Priority     int             `db:"priority" json:"priority"`
	StopOnMatch  bool            `db:"stop_on_match" json:"stop_on_match"`
	Active       bool            `db:"active" json:"active"`
	Conditions   json.RawMessage `db:"conditions" json:"conditions,omitempty"`
	Actions      []Action        `db:"actions" json:"actions"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

// ExecutionStatus is the outcome recorded per rule evaluation or action.
type ExecutionStatus string

const (
	ExecMatched      ExecutionStatus = "matched"
	ExecSkipped      ExecutionStatus = "skipped"
	ExecActionOK     ExecutionStatus = "action_ok"
	ExecActionFailed ExecutionStatus = "action_failed"
)

// AutomationExecutionLog is an immutable observability row.
type AutomationExecutionLog struct {
	ID          int64           `db:"id" json:"id"`
	TenantID    string          `db:"tenant_id" json:"tenant_id"`
	RuleID      int64           `db:"rule_id" json:"rule_id"`
	RecordKind  RecordKind      `db:"record_kind" json:"record_kind"`
	RecordID    int64           `db:"record_id" json:"record_id"`
	FireID      string          `db:"fire_id" json:"fire_id"`
	ActionIndex int             `db:"action_index" json:"action_index"`
	Status      ExecutionStatus `db:"status" json:"status"`
	Message     string          `db:"message" json:"message"`
	FiredAt     time.Time       `db:"fired_at" json:"fired_at"`
}
