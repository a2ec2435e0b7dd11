package memory

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func cloneTicket(t *model.Ticket) *model.Ticket {
	cp := *t
	for _, p := range []**time.Time{&cp.SLADueAt, &cp.ClosedAt, &cp.BreachNotifiedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &cp
}

func (s *Store) CreateTicket(ctx context.Context, t *model.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextID()
	s.tickets[t.ID] = cloneTicket(t)
	s.touchTenant(t.TenantID)
	return nil
}

func (s *Store) GetTicket(ctx context.Context, tenantID string, id int64) (*model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.TenantID != tenantID {
		return nil, appErrors.NotFound("ticket", id)
	}
	return cloneTicket(t), nil
}

func (s *Store) UpdateTicketPriority(ctx context.Context, tenantID string, id int64, priority model.TicketPriority, due *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.TenantID != tenantID {
		return appErrors.NotFound("ticket", id)
	}
	t.Priority = priority
	t.SLADueAt = nil
	if due != nil {
		v := *due
		t.SLADueAt = &v
	}
	t.BreachNotifiedAt = nil
	return nil
}

func (s *Store) UpdateTicketStatus(ctx context.Context, tenantID string, id int64, status model.TicketStatus, closedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.TenantID != tenantID {
		return appErrors.NotFound("ticket", id)
	}
	t.Status = status
	t.ClosedAt = nil
	if closedAt != nil {
		v := *closedAt
		t.ClosedAt = &v
	}
	return nil
}

func (s *Store) ListBreached(ctx context.Context, tenantID string, now time.Time) ([]*model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Ticket{}
	for _, t := range s.tickets {
		if t.TenantID != tenantID || t.Status == model.TicketClosed || t.SLADueAt == nil || !t.SLADueAt.Before(now) {
			continue
		}
		out = append(out, cloneTicket(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SLADueAt.Equal(*out[j].SLADueAt) {
			return out[i].SLADueAt.Before(*out[j].SLADueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) MarkBreachNotified(ctx context.Context, tenantID string, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || t.TenantID != tenantID || t.BreachNotifiedAt != nil {
		return false, nil
	}
	v := at
	t.BreachNotifiedAt = &v
	return true, nil
}
