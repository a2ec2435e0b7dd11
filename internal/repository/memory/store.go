// Package memory is an in-process implementation of every repository
// interface. It backs STORE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
)

// Store holds all rows behind one mutex. Returned values are copies.
type Store struct {
	mu sync.Mutex

	seq     int64
	tenants map[string]bool

	records       map[model.RecordKind]map[int64]*model.Record
	tasks         []*model.Task
	rules         map[int64]*model.AutomationRule
	execLogs      []*model.AutomationExecutionLog
	idempotency   map[string]bool
	campaigns     map[int64]*model.Campaign
	deliveries    map[[2]int64]*model.CampaignDeliveryLog
	templates     map[int64]*model.MessageTemplate
	drips         map[int64]*model.DripCampaign
	enrollments   map[int64]*model.DripEnrollment
	dripDelivery  map[enrollmentStep]*model.DripDelivery
	conversations map[int64]*model.Conversation
	messages      map[int64]*model.Message
	accounts      map[int64]*model.ChannelAccount
	tickets       map[int64]*model.Ticket
	jobs          map[string]queue.ScheduledJob
}

type enrollmentStep struct {
	enrollmentID int64
	step         int
}

func New() *Store {
	return &Store{
		tenants:       map[string]bool{},
		records:       map[model.RecordKind]map[int64]*model.Record{},
		rules:         map[int64]*model.AutomationRule{},
		idempotency:   map[string]bool{},
		campaigns:     map[int64]*model.Campaign{},
		deliveries:    map[[2]int64]*model.CampaignDeliveryLog{},
		templates:     map[int64]*model.MessageTemplate{},
		drips:         map[int64]*model.DripCampaign{},
		enrollments:   map[int64]*model.DripEnrollment{},
		dripDelivery:  map[enrollmentStep]*model.DripDelivery{},
		conversations: map[int64]*model.Conversation{},
		messages:      map[int64]*model.Message{},
		accounts:      map[int64]*model.ChannelAccount{},
		tickets:       map[int64]*model.Ticket{},
		jobs:          map[string]queue.ScheduledJob{},
	}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *Store) touchTenant(id string) {
	if id != "" {
		s.tenants[id] = true
	}
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ====================== Records ======================

// AddRecord stores rec (a lead, deal or contact) and assigns its id.
func (s *Store) AddRecord(rec *model.Record) *model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRecordLocked(rec)
}

func (s *Store) addRecordLocked(rec *model.Record) *model.Record {
	stored := rec.Clone()
	if stored.Fields == nil {
		stored.Fields = map[string]any{}
	}
	if stored.ID == 0 {
		stored.ID = s.nextID()
	}
	if _, ok := stored.Fields[model.FieldCreatedAt]; !ok {
		stored.Fields[model.FieldCreatedAt] = time.Now().UTC()
	}
	if v, ok := stored.Fields[model.FieldOwnerID]; ok {
		stored.Fields[model.FieldOwner] = v
	} else if v, ok := stored.Fields[model.FieldOwner]; ok {
		stored.Fields[model.FieldOwnerID] = v
	}
	s.putRecord(stored)
	s.touchTenant(stored.TenantID)
	rec.ID = stored.ID
	return stored.Clone()
}

// AddContact stores a contact as a record and assigns its id.
func (s *Store) AddContact(c *model.Contact) *model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addContactLocked(c)
}

func (s *Store) addContactLocked(c *model.Contact) *model.Contact {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	rec := s.addRecordLocked(c.Record())
	c.ID = rec.ID
	out := *c
	return &out
}

func (s *Store) putRecord(rec *model.Record) {
	byID, ok := s.records[rec.Kind]
	if !ok {
		byID = map[int64]*model.Record{}
		s.records[rec.Kind] = byID
	}
	byID[rec.ID] = rec
}

func (s *Store) GetRecord(ctx context.Context, tenantID string, kind model.RecordKind, id int64) (*model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case model.KindTicket:
		if t, ok := s.tickets[id]; ok && t.TenantID == tenantID {
			return t.Record(), nil
		}
	case model.KindConversation:
		if c, ok := s.conversations[id]; ok && c.TenantID == tenantID {
			return c.Record(), nil
		}
	default:
		if rec, ok := s.records[kind][id]; ok && rec.TenantID == tenantID {
			return rec.Clone(), nil
		}
	}
	return nil, appErrors.NotFound(string(kind), id)
}

func (s *Store) UpdateRecordFields(ctx context.Context, tenantID string, kind model.RecordKind, id int64, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case model.KindTicket:
		t, ok := s.tickets[id]
		if !ok || t.TenantID != tenantID {
			return appErrors.NotFound("ticket", id)
		}
		for k, v := range patch {
			switch k {
			case model.FieldStatus:
				t.Status = model.TicketStatus(asString(v))
			case model.FieldOwner, model.FieldOwnerID:
				t.OwnerID = asInt64Ptr(v)
			case "subject":
				t.Subject = asString(v)
			default:
				return appErrors.Validation("update record", "ticket has no field %q", k)
			}
		}
		return nil
	case model.KindConversation:
		c, ok := s.conversations[id]
		if !ok || c.TenantID != tenantID {
			return appErrors.NotFound("conversation", id)
		}
		for k, v := range patch {
			switch k {
			case model.FieldStatus:
				c.Status = model.ConversationStatus(asString(v))
			case model.FieldOwner, "assignee_id":
				c.AssigneeID = asInt64Ptr(v)
			default:
				return appErrors.Validation("update record", "conversation has no field %q", k)
			}
		}
		return nil
	}

	rec, ok := s.records[kind][id]
	if !ok || rec.TenantID != tenantID {
		return appErrors.NotFound(string(kind), id)
	}
	for k, v := range patch {
		if tags, ok := v.([]string); ok {
			v = append([]string(nil), tags...)
		}
		switch k {
		case model.FieldOwner, model.FieldOwnerID:
			rec.Fields[model.FieldOwner] = v
			rec.Fields[model.FieldOwnerID] = v
		default:
			rec.Fields[k] = v
		}
	}
	return nil
}

func (s *Store) ListRecipients(ctx context.Context, tenantID string, f repository.RecipientFilter) ([]*model.Record, error) {
	kind := f.Kind
	if kind == "" {
		kind = model.KindContact
	}
	var ids map[int64]bool
	if f.IDs != nil {
		ids = make(map[int64]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}

	s.mu.Lock()
	var candidates []*model.Record
	switch kind {
	case model.KindTicket:
		for _, t := range s.tickets {
			candidates = append(candidates, t.Record())
		}
	case model.KindConversation:
		for _, c := range s.conversations {
			candidates = append(candidates, c.Record())
		}
	default:
		for _, rec := range s.records[kind] {
			candidates = append(candidates, rec.Clone())
		}
	}
	s.mu.Unlock()

	out := []*model.Record{}
	for _, rec := range candidates {
		if rec.TenantID != tenantID || rec.Deleted() {
			continue
		}
		if ids != nil && !ids[rec.ID] {
			continue
		}
		if f.Tag != "" && !hasTag(rec, f.Tag) {
			continue
		}
		if f.CreatedSince != nil {
			created, _ := rec.Fields[model.FieldCreatedAt].(time.Time)
			if created.Before(*f.CreatedSince) {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func hasTag(rec *model.Record, tag string) bool {
	tags, _ := rec.Fields[model.FieldTags].([]string)
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (s *Store) CreateTask(ctx context.Context, t *model.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.SourceKey != "" {
		for _, existing := range s.tasks {
			if existing.TenantID == t.TenantID && existing.SourceKey == t.SourceKey {
				return false, nil
			}
		}
	}
	t.ID = s.nextID()
	cp := *t
	s.tasks = append(s.tasks, &cp)
	return true, nil
}

func (s *Store) ListTasks(ctx context.Context, tenantID string, kind model.RecordKind, recordID int64) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Task{}
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.RecordKind == kind && t.RecordID == recordID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func asString(v any) string {
	rec := model.Record{Fields: map[string]any{"v": v}}
	return rec.String("v")
}

func asInt64Ptr(v any) *int64 {
	var n int64
	switch t := v.(type) {
	case int64:
		n = t
	case int:
		n = int64(t)
	case float64:
		n = int64(t)
	default:
		return nil
	}
	return &n
}
