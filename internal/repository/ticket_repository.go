package repository

import (
	"context"
	"database/sql"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

type TicketRepositoryInterface interface {
	CreateTicket(ctx context.Context, t *model.Ticket) error
	GetTicket(ctx context.Context, tenantID string, id int64) (*model.Ticket, error)
	// UpdateTicketPriority also replaces sla_due_at and clears the breach
	// notification marker.
	UpdateTicketPriority(ctx context.Context, tenantID string, id int64, priority model.TicketPriority, due *time.Time) error
	UpdateTicketStatus(ctx context.Context, tenantID string, id int64, status model.TicketStatus, closedAt *time.Time) error
	// ListBreached returns non-closed tickets with sla_due_at < now ordered
	// by sla_due_at.
	ListBreached(ctx context.Context, tenantID string, now time.Time) ([]*model.Ticket, error)
	// MarkBreachNotified sets breach_notified_at once; false if already set.
	MarkBreachNotified(ctx context.Context, tenantID string, id int64, at time.Time) (bool, error)
}

type TicketRepository struct {
	DB *sql.DB
}

const ticketColumns = `id, tenant_id, ticket_number, subject, priority, status, owner_id, created_at, sla_due_at, closed_at, breach_notified_at`

func scanTicket(row interface{ Scan(...any) error }) (*model.Ticket, error) {
	var t model.Ticket
	var owner sql.NullInt64
	var due, closed, notified sql.NullTime
	if err := row.Scan(&t.ID, &t.TenantID, &t.TicketNumber, &t.Subject, &t.Priority, &t.Status, &owner,
		&t.CreatedAt, &due, &closed, &notified); err != nil {
		return nil, err
	}
	t.OwnerID = int64Ptr(owner)
	t.SLADueAt = timePtr(due)
	t.ClosedAt = timePtr(closed)
	t.BreachNotifiedAt = timePtr(notified)
	return &t, nil
}

func (r *TicketRepository) CreateTicket(ctx context.Context, t *model.Ticket) error {
	return r.DB.QueryRowContext(ctx, `
        INSERT INTO tickets (tenant_id, ticket_number, subject, priority, status, owner_id, created_at, sla_due_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		t.TenantID, t.TicketNumber, t.Subject, t.Priority, t.Status, nullInt64(t.OwnerID), t.CreatedAt, t.SLADueAt).Scan(&t.ID)
}

func (r *TicketRepository) GetTicket(ctx context.Context, tenantID string, id int64) (*model.Ticket, error) {
	t, err := scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("ticket", id)
	}
	return t, err
}

func (r *TicketRepository) exec(ctx context.Context, id int64, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NotFound("ticket", id)
	}
	return nil
}

func (r *TicketRepository) UpdateTicketPriority(ctx context.Context, tenantID string, id int64, priority model.TicketPriority, due *time.Time) error {
	return r.exec(ctx, id, `
        UPDATE tickets SET priority=$3, sla_due_at=$4, breach_notified_at=NULL
        WHERE tenant_id=$1 AND id=$2`, tenantID, id, priority, due)
}

func (r *TicketRepository) UpdateTicketStatus(ctx context.Context, tenantID string, id int64, status model.TicketStatus, closedAt *time.Time) error {
	return r.exec(ctx, id, `UPDATE tickets SET status=$3, closed_at=$4 WHERE tenant_id=$1 AND id=$2`, tenantID, id, status, closedAt)
}

func (r *TicketRepository) ListBreached(ctx context.Context, tenantID string, now time.Time) ([]*model.Ticket, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+ticketColumns+` FROM tickets
        WHERE tenant_id=$1 AND status <> 'closed' AND sla_due_at IS NOT NULL AND sla_due_at < $2
        ORDER BY sla_due_at ASC, id ASC`, tenantID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := []*model.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (r *TicketRepository) MarkBreachNotified(ctx context.Context, tenantID string, id int64, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE tickets SET breach_notified_at=$3
        WHERE tenant_id=$1 AND id=$2 AND breach_notified_at IS NULL`, tenantID, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

var _ TicketRepositoryInterface = (*TicketRepository)(nil)
