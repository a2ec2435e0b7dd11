package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

type DripRepositoryInterface interface {
	CreateDrip(ctx context.Context, d *model.DripCampaign) error
	// GetDrip loads the drip with its steps ordered by step number.
	GetDrip(ctx context.Context, tenantID string, id int64) (*model.DripCampaign, error)
	ListDrips(ctx context.Context, tenantID string, status model.DripStatus) ([]*model.DripCampaign, error)
	SetDripStatus(ctx context.Context, tenantID string, id int64, status model.DripStatus) error

	// InsertEnrollment is a unique insert on (drip_id, recipient_id); it
	// reports false when the recipient was already enrolled.
	InsertEnrollment(ctx context.Context, e *model.DripEnrollment) (bool, error)
	GetEnrollment(ctx context.Context, tenantID string, id int64) (*model.DripEnrollment, error)
	ListEnrollments(ctx context.Context, tenantID string, dripID int64) ([]*model.DripEnrollment, error)
	// ListDueEnrollments returns active enrollments with next_send_at <= now,
	// ordered by (next_send_at, id), after the given cursor.
	ListDueEnrollments(ctx context.Context, tenantID string, now time.Time, after DueCursor, limit int) ([]*model.DripEnrollment, error)
	// AdvanceEnrollment is a compare-and-set on current_step.
	AdvanceEnrollment(ctx context.Context, tenantID string, id int64, fromStep, toStep int, status model.EnrollmentStatus, next *time.Time) (bool, error)
	StopEnrollment(ctx context.Context, tenantID string, id int64) error
	StopActiveEnrollments(ctx context.Context, tenantID string, dripID int64) (int, error)

	GetDripDelivery(ctx context.Context, tenantID string, enrollmentID int64, step int) (*model.DripDelivery, error)
	// InsertDripDelivery is a unique insert on (enrollment_id, step_number).
	InsertDripDelivery(ctx context.Context, d *model.DripDelivery) (bool, error)
	UpdateDripDeliveryByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.DeliveryStatus, errMsg string) (bool, error)
}

// DueCursor is the keyset position of the last enrollment in a batch.
type DueCursor struct {
	NextSendAt time.Time
	ID         int64
}

type DripRepository struct {
	DB *sql.DB
}

func (r *DripRepository) CreateDrip(ctx context.Context, d *model.DripCampaign) error {
	audience, err := json.Marshal(d.Audience)
	if err != nil {
		return err
	}
	if d.Status == "" {
		d.Status = model.DripDraft
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
        INSERT INTO drip_campaigns (tenant_id, name, channel, status, audience_descriptor, created_at)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		d.TenantID, d.Name, d.Channel, d.Status, string(audience), d.CreatedAt).Scan(&d.ID)
	if err != nil {
		return err
	}
	for i := range d.Steps {
		s := &d.Steps[i]
		s.DripID = d.ID
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO drip_steps (drip_id, step_number, delay_seconds, subject, body)
            VALUES ($1, $2, $3, $4, $5)`,
			d.ID, s.StepNumber, int64(s.Delay.Std()/time.Second), s.Subject, s.Body); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *DripRepository) GetDrip(ctx context.Context, tenantID string, id int64) (*model.DripCampaign, error) {
	var d model.DripCampaign
	var audience []byte
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, tenant_id, name, channel, status, audience_descriptor, created_at
        FROM drip_campaigns WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&d.ID, &d.TenantID, &d.Name, &d.Channel, &d.Status, &audience, &d.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NotFound("drip", id)
		}
		return nil, err
	}
	if err := json.Unmarshal(audience, &d.Audience); err != nil {
		return nil, fmt.Errorf("drip %d audience: %w", d.ID, err)
	}

	rows, err := r.DB.QueryContext(ctx, `
        SELECT drip_id, step_number, delay_seconds, subject, body
        FROM drip_steps WHERE drip_id=$1 ORDER BY step_number`, d.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s model.DripStep
		var delay int64
		if err := rows.Scan(&s.DripID, &s.StepNumber, &delay, &s.Subject, &s.Body); err != nil {
			return nil, err
		}
		s.Delay = model.Duration(time.Duration(delay) * time.Second)
		d.Steps = append(d.Steps, s)
	}
	return &d, rows.Err()
}

func (r *DripRepository) ListDrips(ctx context.Context, tenantID string, status model.DripStatus) ([]*model.DripCampaign, error) {
	query := `SELECT id FROM drip_campaigns WHERE tenant_id=$1`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	drips := make([]*model.DripCampaign, 0, len(ids))
	for _, id := range ids {
		d, err := r.GetDrip(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		drips = append(drips, d)
	}
	return drips, nil
}

func (r *DripRepository) SetDripStatus(ctx context.Context, tenantID string, id int64, status model.DripStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE drip_campaigns SET status=$3 WHERE tenant_id=$1 AND id=$2`, tenantID, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NotFound("drip", id)
	}
	return nil
}

const enrollmentColumns = `id, tenant_id, drip_id, recipient_id, current_step, status, next_send_at, created_at, updated_at`

func scanEnrollment(row interface{ Scan(...any) error }) (*model.DripEnrollment, error) {
	var e model.DripEnrollment
	var next sql.NullTime
	if err := row.Scan(&e.ID, &e.TenantID, &e.DripID, &e.RecipientID, &e.CurrentStep, &e.Status, &next, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.NextSendAt = timePtr(next)
	return &e, nil
}

func (r *DripRepository) queryEnrollments(ctx context.Context, query string, args ...any) ([]*model.DripEnrollment, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.DripEnrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *DripRepository) InsertEnrollment(ctx context.Context, e *model.DripEnrollment) (bool, error) {
	now := e.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO drip_enrollments (tenant_id, drip_id, recipient_id, current_step, status, next_send_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
        ON CONFLICT (drip_id, recipient_id) DO NOTHING
        RETURNING id`,
		e.TenantID, e.DripID, e.RecipientID, e.CurrentStep, e.Status, e.NextSendAt, now).Scan(&e.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *DripRepository) GetEnrollment(ctx context.Context, tenantID string, id int64) (*model.DripEnrollment, error) {
	e, err := scanEnrollment(r.DB.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM drip_enrollments WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, appErrors.NotFound("enrollment", id)
	}
	return e, err
}

func (r *DripRepository) ListEnrollments(ctx context.Context, tenantID string, dripID int64) ([]*model.DripEnrollment, error) {
	return r.queryEnrollments(ctx,
		`SELECT `+enrollmentColumns+` FROM drip_enrollments WHERE tenant_id=$1 AND drip_id=$2 ORDER BY id`, tenantID, dripID)
}

func (r *DripRepository) ListDueEnrollments(ctx context.Context, tenantID string, now time.Time, after DueCursor, limit int) ([]*model.DripEnrollment, error) {
	return r.queryEnrollments(ctx, `
        SELECT `+enrollmentColumns+` FROM drip_enrollments
        WHERE tenant_id=$1 AND status='active' AND next_send_at <= $2
          AND (next_send_at, id) > ($3, $4)
        ORDER BY next_send_at ASC, id ASC
        LIMIT $5`, tenantID, now, after.NextSendAt, after.ID, limit)
}

func (r *DripRepository) AdvanceEnrollment(ctx context.Context, tenantID string, id int64, fromStep, toStep int, status model.EnrollmentStatus, next *time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE drip_enrollments
        SET current_step=$4, status=$5, next_send_at=$6, updated_at=NOW()
        WHERE tenant_id=$1 AND id=$2 AND current_step=$3 AND status='active'`,
		tenantID, id, fromStep, toStep, status, next)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *DripRepository) StopEnrollment(ctx context.Context, tenantID string, id int64) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE drip_enrollments SET status='stopped', next_send_at=NULL, updated_at=NOW()
        WHERE tenant_id=$1 AND id=$2 AND status='active'`, tenantID, id)
	return err
}

func (r *DripRepository) StopActiveEnrollments(ctx context.Context, tenantID string, dripID int64) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE drip_enrollments SET status='stopped', next_send_at=NULL, updated_at=NOW()
        WHERE tenant_id=$1 AND drip_id=$2 AND status='active'`, tenantID, dripID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *DripRepository) GetDripDelivery(ctx context.Context, tenantID string, enrollmentID int64, step int) (*model.DripDelivery, error) {
	var d model.DripDelivery
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, tenant_id, enrollment_id, step_number, status, provider_message_id, error_message, created_at
        FROM drip_deliveries WHERE tenant_id=$1 AND enrollment_id=$2 AND step_number=$3`, tenantID, enrollmentID, step).
		Scan(&d.ID, &d.TenantID, &d.EnrollmentID, &d.StepNumber, &d.Status, &d.ProviderMessageID, &d.ErrorMessage, &d.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *DripRepository) InsertDripDelivery(ctx context.Context, d *model.DripDelivery) (bool, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO drip_deliveries (tenant_id, enrollment_id, step_number, status, provider_message_id, error_message, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (enrollment_id, step_number) DO NOTHING
        RETURNING id`,
		d.TenantID, d.EnrollmentID, d.StepNumber, d.Status, d.ProviderMessageID, d.ErrorMessage, d.CreatedAt).Scan(&d.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *DripRepository) UpdateDripDeliveryByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.DeliveryStatus, errMsg string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE drip_deliveries
        SET status=$3, error_message=CASE WHEN $4 = '' THEN error_message ELSE $4 END
        WHERE tenant_id=$1 AND provider_message_id=$2 AND status='sent'`, tenantID, providerMessageID, status, errMsg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var _ DripRepositoryInterface = (*DripRepository)(nil)
