package model

import "time"

// RecordKind names the polymorphic targets of automation.
type RecordKind string

const (
	KindLead         RecordKind = "lead"
	KindDeal         RecordKind = "deal"
	KindContact      RecordKind = "contact"
	KindTicket       RecordKind = "ticket"
	KindConversation RecordKind = "conversation"
)

// Valid reports whether k is one of the known record kinds.
func (k RecordKind) Valid() bool {
	switch k {
	case KindLead, KindDeal, KindContact, KindTicket, KindConversation:
		return true
	}
	return false
}

// Standard field names shared by recipient records.
const (
	FieldName      = "name"
	FieldEmail     = "email"
	FieldPhone     = "phone"
	FieldCompany   = "company"
	FieldOwner     = "owner"
	FieldOwnerID   = "owner_id"
	FieldStatus    = "status"
	FieldTags      = "tags"
	FieldCreatedAt = "created_at"
	FieldCreatedBy = "created_by"
	FieldDeleted   = "deleted"
)

// Record is a read-only snapshot of a domain row. Fields hold primitive
// values only: string, bool, int64, float64, time.Time, []string or nil.
type Record struct {
	Kind     RecordKind     `json:"kind"`
	ID       int64          `json:"id"`
	TenantID string         `json:"tenant_id"`
	Fields   map[string]any `json:"fields"`
}

// Field returns the named value. Missing fields read as (nil, false).
func (r *Record) Field(name string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// String returns the named field formatted as text, or "".
func (r *Record) String(name string) string {
	v, _ := r.Field(name)
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return formatScalar(t)
	}
}

// Deleted reports whether the row carries a deletion mark.
func (r *Record) Deleted() bool {
	v, _ := r.Field(FieldDeleted)
	b, _ := v.(bool)
	return b
}

// Clone returns a deep-enough copy for handing to evaluators.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{Kind: r.Kind, ID: r.ID, TenantID: r.TenantID, Fields: make(map[string]any, len(r.Fields))}
	for k, v := range r.Fields {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		out.Fields[k] = v
	}
	return out
}

// Task is created by the create_task action and linked back to a record.
type Task struct {
	ID         int64      `db:"id" json:"id"`
	TenantID   string     `db:"tenant_id" json:"tenant_id"`
	Title      string     `db:"title" json:"title"`
	RecordKind RecordKind `db:"record_kind" json:"record_kind"`
	RecordID   int64      `db:"record_id" json:"record_id"`
	AssigneeID int64      `db:"assignee_id" json:"assignee_id"`
	DueAt      time.Time  `db:"due_at" json:"due_at"`
	SourceKey  string     `db:"source_key" json:"source_key"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}
