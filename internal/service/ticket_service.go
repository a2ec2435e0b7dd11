package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/config"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
	"github.com/unclebandit/smsleopard-crm/internal/trigger"
)

// PolicySource resolves the SLA policy of a tenant. *config.SLAPolicies
// satisfies it.
type PolicySource interface {
	PolicyFor(tenantID string) config.SLAPolicy
}

// SLATracker computes ticket resolution deadlines.
type SLATracker struct {
	Policies PolicySource
}

// ComputeDue returns createdAt plus the tenant's window for priority.
func (t *SLATracker) ComputeDue(tenantID string, priority model.TicketPriority, createdAt time.Time) (time.Time, error) {
	policy := config.DefaultSLAPolicy()
	if t != nil && t.Policies != nil {
		policy = t.Policies.PolicyFor(tenantID)
	}
	window, ok := policy[priority]
	if !ok {
		return time.Time{}, appErrors.Validation("compute SLA", "unknown priority %q", priority)
	}
	return createdAt.Add(window), nil
}

// TicketService owns ticket lifecycle and the SLA breach sweep.
type TicketService struct {
	TicketRepo repository.TicketRepositoryInterface
	SLA        *SLATracker
	Events     trigger.Publisher
	Alerter    Alerter
	Clock      clock.Clock
}

func (s *TicketService) now() time.Time {
	if s.Clock == nil {
		return clock.Real().Now()
	}
	return s.Clock.Now()
}

func newTicketNumber() string {
	return "TKT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// CreateTicket assigns the ticket number and SLA deadline, stores the
// ticket and fires ticket_created.
func (s *TicketService) CreateTicket(ctx context.Context, t *model.Ticket) error {
	if strings.TrimSpace(t.Subject) == "" {
		return appErrors.Validation("create ticket", "subject is required")
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	if !t.Priority.Valid() {
		return appErrors.Validation("create ticket", "unknown priority %q", t.Priority)
	}
	t.Status = model.TicketOpen
	t.CreatedAt = s.now()
	if t.TicketNumber == "" {
		t.TicketNumber = newTicketNumber()
	}
	due, err := s.SLA.ComputeDue(t.TenantID, t.Priority, t.CreatedAt)
	if err != nil {
		return err
	}
	t.SLADueAt = &due

	if err := s.TicketRepo.CreateTicket(ctx, t); err != nil {
		return err
	}
	log.Printf("✅ tenant=%s ticket %s created, due %s", t.TenantID, t.TicketNumber, due.Format(time.RFC3339))
	s.publish(ctx, t, model.EventTicketCreated)
	return nil
}

func (s *TicketService) GetTicket(ctx context.Context, tenantID string, id int64) (*model.Ticket, error) {
	return s.TicketRepo.GetTicket(ctx, tenantID, id)
}

// ChangePriority recomputes the deadline from the original creation time.
func (s *TicketService) ChangePriority(ctx context.Context, tenantID string, id int64, priority model.TicketPriority) (*model.Ticket, error) {
	if !priority.Valid() {
		return nil, appErrors.Validation("change priority", "unknown priority %q", priority)
	}
	t, err := s.TicketRepo.GetTicket(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	due, err := s.SLA.ComputeDue(tenantID, priority, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := s.TicketRepo.UpdateTicketPriority(ctx, tenantID, id, priority, &due); err != nil {
		return nil, err
	}
	t.Priority = priority
	t.SLADueAt = &due
	t.BreachNotifiedAt = nil
	return t, nil
}

// ChangeStatus moves the ticket and fires ticket_status_changed. Closing
// stamps closed_at; reopening clears it.
func (s *TicketService) ChangeStatus(ctx context.Context, tenantID string, id int64, status model.TicketStatus) (*model.Ticket, error) {
	switch status {
	case model.TicketOpen, model.TicketPending, model.TicketResolved, model.TicketClosed:
	default:
		return nil, appErrors.Validation("change status", "unknown status %q", status)
	}
	t, err := s.TicketRepo.GetTicket(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t, nil
	}
	var closedAt *time.Time
	if status == model.TicketClosed {
		now := s.now()
		closedAt = &now
	}
	if err := s.TicketRepo.UpdateTicketStatus(ctx, tenantID, id, status, closedAt); err != nil {
		return nil, err
	}
	t.Status = status
	t.ClosedAt = closedAt
	s.publish(ctx, t, model.EventTicketStatusChanged)
	return t, nil
}

// ListBreached returns open tickets past their deadline, earliest first.
func (s *TicketService) ListBreached(ctx context.Context, tenantID string, now time.Time) ([]*model.Ticket, error) {
	return s.TicketRepo.ListBreached(ctx, tenantID, now)
}

// SweepBreaches alerts once per breached ticket and returns how many new
// breaches were reported.
func (s *TicketService) SweepBreaches(ctx context.Context, tenantID string) (int, error) {
	now := s.now()
	breached, err := s.TicketRepo.ListBreached(ctx, tenantID, now)
	if err != nil {
		return 0, appErrors.Transient("list breached tickets", err)
	}
	notified := 0
	for _, t := range breached {
		first, err := s.TicketRepo.MarkBreachNotified(ctx, tenantID, t.ID, now)
		if err != nil {
			return notified, appErrors.Transient("mark breach", err)
		}
		if !first {
			continue
		}
		notified++
		detail := fmt.Sprintf("ticket %s (%s) was due %s", t.TicketNumber, t.Priority, t.SLADueAt.Format(time.RFC3339))
		if s.Alerter != nil {
			s.Alerter.Alert(ctx, tenantID, "SLA breached", detail)
		} else {
			LogAlerter{}.Alert(ctx, tenantID, "SLA breached", detail)
		}
	}
	return notified, nil
}

func (s *TicketService) publish(ctx context.Context, t *model.Ticket, event model.TriggerEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, t.TenantID, event, t.Record()); err != nil {
		log.Printf("⚠️ tenant=%s publish %s for ticket %d: %v", t.TenantID, event, t.ID, err)
	}
}
