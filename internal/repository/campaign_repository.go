package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, tenantID string, id int64) (*model.Campaign, error)
	GetCampaignBySourceKey(ctx context.Context, tenantID, sourceKey string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	// TransitionCampaign moves the campaign to `to` only when its current
	// status is one of from. It reports whether the row changed.
	TransitionCampaign(ctx context.Context, tenantID string, id int64, from []model.CampaignStatus, to model.CampaignStatus, scheduledAt *time.Time) (bool, error)

	// Delivery logs
	GetDeliveryLog(ctx context.Context, tenantID string, campaignID, recipientID int64) (*model.CampaignDeliveryLog, error)
	UpsertDeliveryLog(ctx context.Context, l *model.CampaignDeliveryLog) error
	ListDeliveryLogs(ctx context.Context, tenantID string, campaignID int64) ([]*model.CampaignDeliveryLog, error)
	UpdateDeliveryStatusByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.DeliveryStatus, errMsg string) (bool, error)
	GetCampaignStats(ctx context.Context, tenantID string, campaignID int64) (map[string]int, error)

	// Templates
	GetTemplate(ctx context.Context, tenantID string, id int64) (*model.MessageTemplate, error)
	CreateTemplate(ctx context.Context, t *model.MessageTemplate) error
}

type CampaignRepository struct {
	DB *sql.DB
}

// ====================== Campaign CRUD ======================

const campaignColumns = `id, tenant_id, name, channel, status, audience_descriptor, subject, content_template, source_key, scheduled_at, created_by, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	var audience []byte
	var scheduled, updated sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Channel, &c.Status, &audience, &c.Subject,
		&c.ContentTemplate, &c.SourceKey, &scheduled, &c.CreatedBy, &c.CreatedAt, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(audience, &c.Audience); err != nil {
		return nil, fmt.Errorf("campaign %d audience: %w", c.ID, err)
	}
	c.ScheduledAt = timePtr(scheduled)
	c.UpdatedAt = timePtr(updated)
	return &c, nil
}

// CreateCampaign inserts c. A campaign with the same non-empty source key
// is not duplicated; c is filled from the existing row instead.
func (r *CampaignRepository) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaigns (tenant_id, name, channel, status, audience_descriptor, subject, content_template, source_key, scheduled_at, created_by, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (tenant_id, source_key) WHERE source_key <> '' DO NOTHING
        RETURNING id
    `
	err = r.DB.QueryRowContext(ctx, query, c.TenantID, c.Name, c.Channel, c.Status, string(audience), c.Subject,
		c.ContentTemplate, c.SourceKey, c.ScheduledAt, c.CreatedBy, c.CreatedAt).Scan(&c.ID)
	if err == sql.ErrNoRows {
		existing, err := r.GetCampaignBySourceKey(ctx, c.TenantID, c.SourceKey)
		if err != nil {
			return err
		}
		*c = *existing
		return nil
	}
	return err
}

func (r *CampaignRepository) GetCampaign(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE tenant_id=$1 AND id=$2`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) GetCampaignBySourceKey(ctx context.Context, tenantID, sourceKey string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE tenant_id=$1 AND source_key=$2`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, tenantID, sourceKey))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NotFound("campaign", sourceKey)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, tenantID string, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE tenant_id=$1`
	args := []interface{}{tenantID}
	argPos := 2

	if channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	// Count total
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) TransitionCampaign(ctx context.Context, tenantID string, id int64, from []model.CampaignStatus, to model.CampaignStatus, scheduledAt *time.Time) (bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	query := `
        UPDATE campaigns
        SET status=$3, scheduled_at=COALESCE($4, scheduled_at), updated_at=NOW()
        WHERE tenant_id=$1 AND id=$2 AND status = ANY($5)
    `
	res, err := r.DB.ExecContext(ctx, query, tenantID, id, to, scheduledAt, pq.Array(allowed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ====================== Delivery Logs ======================

const deliveryColumns = `id, tenant_id, campaign_id, recipient_id, status, provider_message_id, rendered_content, error_message, attempt_count, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*model.CampaignDeliveryLog, error) {
	var l model.CampaignDeliveryLog
	err := row.Scan(&l.ID, &l.TenantID, &l.CampaignID, &l.RecipientID, &l.Status, &l.ProviderMessageID,
		&l.RenderedContent, &l.ErrorMessage, &l.AttemptCount, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *CampaignRepository) GetDeliveryLog(ctx context.Context, tenantID string, campaignID, recipientID int64) (*model.CampaignDeliveryLog, error) {
	query := `SELECT ` + deliveryColumns + ` FROM campaign_delivery_logs WHERE tenant_id=$1 AND campaign_id=$2 AND recipient_id=$3`
	l, err := scanDelivery(r.DB.QueryRowContext(ctx, query, tenantID, campaignID, recipientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// Idempotent upsert on (campaign_id, recipient_id). A row that already
// succeeded is never overwritten.
func (r *CampaignRepository) UpsertDeliveryLog(ctx context.Context, l *model.CampaignDeliveryLog) error {
	now := time.Now().UTC()
	query := `
        INSERT INTO campaign_delivery_logs (tenant_id, campaign_id, recipient_id, status, provider_message_id, rendered_content, error_message, attempt_count, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
        ON CONFLICT (campaign_id, recipient_id) DO UPDATE
        SET status=EXCLUDED.status,
            provider_message_id=EXCLUDED.provider_message_id,
            rendered_content=EXCLUDED.rendered_content,
            error_message=EXCLUDED.error_message,
            attempt_count=campaign_delivery_logs.attempt_count+1,
            updated_at=EXCLUDED.updated_at
        WHERE campaign_delivery_logs.status NOT IN ('sent', 'delivered')
        RETURNING ` + deliveryColumns
	stored, err := scanDelivery(r.DB.QueryRowContext(ctx, query, l.TenantID, l.CampaignID, l.RecipientID, l.Status,
		l.ProviderMessageID, l.RenderedContent, l.ErrorMessage, now))
	if err == sql.ErrNoRows {
		existing, err := r.GetDeliveryLog(ctx, l.TenantID, l.CampaignID, l.RecipientID)
		if err != nil {
			return err
		}
		if existing != nil {
			*l = *existing
		}
		return nil
	}
	if err != nil {
		return err
	}
	*l = *stored
	return nil
}

func (r *CampaignRepository) ListDeliveryLogs(ctx context.Context, tenantID string, campaignID int64) ([]*model.CampaignDeliveryLog, error) {
	query := `SELECT ` + deliveryColumns + ` FROM campaign_delivery_logs WHERE tenant_id=$1 AND campaign_id=$2 ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*model.CampaignDeliveryLog{}
	for rows.Next() {
		l, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// UpdateDeliveryStatusByProviderID applies a provider receipt. Only rows
// still in "sent" move, so receipts never go backwards.
func (r *CampaignRepository) UpdateDeliveryStatusByProviderID(ctx context.Context, tenantID, providerMessageID string, status model.DeliveryStatus, errMsg string) (bool, error) {
	query := `
        UPDATE campaign_delivery_logs
        SET status=$3, error_message=CASE WHEN $4 = '' THEN error_message ELSE $4 END, updated_at=NOW()
        WHERE tenant_id=$1 AND provider_message_id=$2 AND status='sent'
    `
	res, err := r.DB.ExecContext(ctx, query, tenantID, providerMessageID, status, errMsg)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *CampaignRepository) GetCampaignStats(ctx context.Context, tenantID string, campaignID int64) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM campaign_delivery_logs WHERE tenant_id=$1 AND campaign_id=$2 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"sent": 0, "delivered": 0, "failed": 0, "bounced": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// ====================== Templates ======================

func (r *CampaignRepository) GetTemplate(ctx context.Context, tenantID string, id int64) (*model.MessageTemplate, error) {
	query := `SELECT id, tenant_id, name, channel, subject, body FROM message_templates WHERE tenant_id=$1 AND id=$2`
	var t model.MessageTemplate
	err := r.DB.QueryRowContext(ctx, query, tenantID, id).Scan(&t.ID, &t.TenantID, &t.Name, &t.Channel, &t.Subject, &t.Body)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NotFound("template", id)
		}
		return nil, err
	}
	return &t, nil
}

func (r *CampaignRepository) CreateTemplate(ctx context.Context, t *model.MessageTemplate) error {
	query := `INSERT INTO message_templates (tenant_id, name, channel, subject, body) VALUES ($1, $2, $3, $4, $5) RETURNING id`
	return r.DB.QueryRowContext(ctx, query, t.TenantID, t.Name, t.Channel, t.Subject, t.Body).Scan(&t.ID)
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
