// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unclebandit/smsleopard-crm/internal/channel"
	"github.com/unclebandit/smsleopard-crm/internal/clock"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
	"github.com/unclebandit/smsleopard-crm/internal/template"
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	AccountRepo  repository.ChannelAccountRepositoryInterface
	RecordRepo   repository.RecordRepositoryInterface
	Audience     *AudienceResolver
	Sender       Sender
	Queue        queue.Queue
	Clock        clock.Clock
}

// CreateCampaignInput is what the admin surface submits.
type CreateCampaignInput struct {
	Name            string         `json:"name"`
	Channel         model.Channel  `json:"channel"`
	Audience        model.Audience `json:"audience"`
	Subject         string         `json:"subject"`
	ContentTemplate string         `json:"content_template"`
	ScheduledAt     *string        `json:"scheduled_at"`
	CreatedBy       int64          `json:"created_by"`
}

type CampaignDetails struct {
	ID              int64                `json:"id"`
	Name            string               `json:"name"`
	Channel         model.Channel        `json:"channel"`
	Status          model.CampaignStatus `json:"status"`
	ContentTemplate string               `json:"content_template"`
	ScheduledAt     *time.Time           `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       *time.Time           `json:"updated_at"`
	Stats           map[string]int       `json:"stats"`
}

// RunResult summarizes one execution of a campaign job.
type RunResult struct {
	Recipients int
	Sent       int
	Failed     int
	Skipped    int
}

func campaignJobKey(id int64) string {
	return queue.Key("campaign", id)
}

func (s *CampaignService) now() time.Time {
	if s.Clock == nil {
		return clock.Real().Now()
	}
	return s.Clock.Now()
}

func (s *CampaignService) CreateCampaign(ctx context.Context, tenantID string, in CreateCampaignInput) (*model.Campaign, error) {
	const op = "create campaign"
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.Validation(op, "name is required")
	}
	if !in.Channel.Valid() {
		return nil, appErrors.Validation(op, "unknown channel %q", in.Channel)
	}
	if strings.TrimSpace(in.ContentTemplate) == "" {
		return nil, appErrors.Validation(op, "content_template cannot be empty")
	}
	if err := ValidateAudience(in.Audience); err != nil {
		return nil, err
	}

	var scheduledAt *time.Time
	if in.ScheduledAt != nil {
		// parse scheduledAt string into time.Time
		t, err := time.Parse(time.RFC3339, *in.ScheduledAt)
		if err != nil {
			return nil, appErrors.Validation(op, "scheduled_at: %v", err)
		}
		scheduledAt = &t
	}

	c := &model.Campaign{
		TenantID:        tenantID,
		Name:            in.Name,
		Channel:         in.Channel,
		Status:          model.CampaignDraft,
		Audience:        in.Audience,
		Subject:         in.Subject,
		ContentTemplate: in.ContentTemplate,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       s.now(),
	}
	if err := s.CampaignRepo.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	if scheduledAt != nil {
		return s.Schedule(ctx, tenantID, c.ID, *scheduledAt)
	}
	return c, nil
}

// Schedule submits the run job for when. Draft, paused and already
// scheduled campaigns can be (re)scheduled.
func (s *CampaignService) Schedule(ctx context.Context, tenantID string, id int64, when time.Time) (*model.Campaign, error) {
	from := []model.CampaignStatus{model.CampaignDraft, model.CampaignPaused, model.CampaignScheduled}
	ok, err := s.CampaignRepo.TransitionCampaign(ctx, tenantID, id, from, model.CampaignScheduled, &when)
	if err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.GetCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.Validation("schedule campaign", "campaign cannot be scheduled in status: %s", c.Status)
	}

	key := campaignJobKey(id)
	if err := s.Queue.Cancel(key); err != nil {
		return nil, err
	}
	job := queue.Job{Kind: queue.KindCampaignRun, TenantID: tenantID, ObjectID: id}
	if err := s.Queue.SubmitOnce(ctx, key, when, job); err != nil {
		return nil, fmt.Errorf("submit campaign job: %w", err)
	}
	log.Printf("✅ tenant=%s campaign=%d scheduled for %s", tenantID, id, when.Format(time.RFC3339))
	return c, nil
}

// Pause cancels the pending run. Running campaigns cannot be paused.
func (s *CampaignService) Pause(ctx context.Context, tenantID string, id int64) (*model.Campaign, error) {
	from := []model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled}
	ok, err := s.CampaignRepo.TransitionCampaign(ctx, tenantID, id, from, model.CampaignPaused, nil)
	if err != nil {
		return nil, err
	}
	c, err := s.CampaignRepo.GetCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.Validation("pause campaign", "campaign cannot be paused in status: %s", c.Status)
	}
	if err := s.Queue.Cancel(campaignJobKey(id)); err != nil {
		return nil, err
	}
	return c, nil
}

// HandleRun is the campaign_run job handler.
func (s *CampaignService) HandleRun(ctx context.Context, job queue.Job) error {
	_, err := s.Run(ctx, job.TenantID, job.ObjectID)
	return err
}

// HandleExhausted fails a campaign whose run job gave up retrying, so it
// does not stay running with nobody working on it.
func (s *CampaignService) HandleExhausted(ctx context.Context, job queue.Job, cause error) {
	ok, err := s.CampaignRepo.TransitionCampaign(ctx, job.TenantID, job.ObjectID,
		[]model.CampaignStatus{model.CampaignScheduled, model.CampaignRunning}, model.CampaignFailed, nil)
	if err != nil {
		log.Printf("⚠️ tenant=%s campaign=%d could not be marked failed: %v", job.TenantID, job.ObjectID, err)
		return
	}
	if ok {
		log.Printf("❌ tenant=%s campaign=%d failed after %d attempts: %v", job.TenantID, job.ObjectID, job.Attempt+1, cause)
	}
}

// Run executes the campaign. Recipients with a sent or delivered row are
// skipped, so replaying the job sends nothing twice.
func (s *CampaignService) Run(ctx context.Context, tenantID string, id int64) (result *RunResult, err error) {
	ctx, span := startSpan(ctx, "campaign.run", tenantID, attribute.Int64("campaign.id", id))
	defer func() { endSpan(span, err) }()

	result = &RunResult{}
	c, err := s.CampaignRepo.GetCampaign(ctx, tenantID, id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Printf("⚠️ tenant=%s campaign=%d run dropped: %v", tenantID, id, err)
			return result, nil
		}
		return result, appErrors.Transient("load campaign", err)
	}
	if c.Status != model.CampaignScheduled && c.Status != model.CampaignRunning {
		log.Printf("⚠️ tenant=%s campaign=%d not runnable in status %s", tenantID, id, c.Status)
		return result, nil
	}
	if c.Status == model.CampaignScheduled {
		ok, err := s.CampaignRepo.TransitionCampaign(ctx, tenantID, id,
			[]model.CampaignStatus{model.CampaignScheduled}, model.CampaignRunning, c.ScheduledAt)
		if err != nil {
			return result, appErrors.Transient("start campaign", err)
		}
		if !ok {
			log.Printf("⚠️ tenant=%s campaign=%d changed status before start", tenantID, id)
			return result, nil
		}
	}

	if err := s.deliver(ctx, c, result); err != nil {
		if appErrors.IsTransient(err) {
			return result, err
		}
		log.Printf("❌ tenant=%s campaign=%d failed: %v", tenantID, id, err)
		if _, terr := s.CampaignRepo.TransitionCampaign(ctx, tenantID, id,
			[]model.CampaignStatus{model.CampaignRunning}, model.CampaignFailed, c.ScheduledAt); terr != nil {
			return result, appErrors.Transient("fail campaign", terr)
		}
		return result, appErrors.Terminal("run campaign", err)
	}
	if queue.Cancelled(ctx) {
		log.Printf("⚠️ tenant=%s campaign=%d run cancelled after %d recipients", tenantID, id, result.Sent+result.Failed+result.Skipped)
		return result, nil
	}

	if _, err := s.CampaignRepo.TransitionCampaign(ctx, tenantID, id,
		[]model.CampaignStatus{model.CampaignRunning}, model.CampaignCompleted, c.ScheduledAt); err != nil {
		return result, appErrors.Transient("complete campaign", err)
	}
	log.Printf("✅ tenant=%s campaign=%d completed: recipients=%d sent=%d failed=%d skipped=%d",
		tenantID, id, result.Recipients, result.Sent, result.Failed, result.Skipped)
	return result, nil
}

func (s *CampaignService) deliver(ctx context.Context, c *model.Campaign, result *RunResult) error {
	recipients, err := s.Audience.Resolve(ctx, c.TenantID, c.Audience)
	if err != nil {
		if appErrors.IsValidation(err) {
			return err
		}
		return appErrors.Transient("resolve audience", err)
	}
	result.Recipients = len(recipients)
	if len(recipients) == 0 {
		return nil
	}

	account, err := s.AccountRepo.GetDefaultAccount(ctx, c.TenantID, c.Channel)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return appErrors.Terminal("load channel account", err)
		}
		return appErrors.Transient("load channel account", err)
	}

	subject := template.Parse(c.Subject)
	body := template.Parse(c.ContentTemplate)
	for _, rec := range recipients {
		if queue.Cancelled(ctx) {
			return nil
		}
		prior, err := s.CampaignRepo.GetDeliveryLog(ctx, c.TenantID, c.ID, rec.ID)
		if err != nil {
			return appErrors.Transient("load delivery log", err)
		}
		if prior != nil && prior.Status.Succeeded() {
			result.Skipped++
			continue
		}

		lookup := func(field string) string { return rec.String(field) }
		content := channel.Content{Subject: subject.Render(lookup), Body: body.Render(lookup)}
		row := &model.CampaignDeliveryLog{
			TenantID:        c.TenantID,
			CampaignID:      c.ID,
			RecipientID:     rec.ID,
			RenderedContent: content.Body,
		}
		receipt, sendErr := s.Sender.Send(ctx, c.TenantID, account, rec.String(c.Channel.AddressField()), content)
		if sendErr != nil {
			log.Printf("⚠️ tenant=%s campaign=%d recipient=%d send failed: %v", c.TenantID, c.ID, rec.ID, sendErr)
			row.Status = model.DeliveryFailed
			row.ErrorMessage = sendErr.Error()
			result.Failed++
		} else {
			row.Status = model.DeliverySent
			row.ProviderMessageID = receipt.ProviderMessageID
			result.Sent++
		}
		if err := s.CampaignRepo.UpsertDeliveryLog(ctx, row); err != nil {
			return appErrors.Transient("write delivery log", err)
		}
	}
	return nil
}

// DispatchToRecord backs the send_message rule action: a one-recipient
// campaign keyed by sourceKey, scheduled immediately.
func (s *CampaignService) DispatchToRecord(ctx context.Context, tenantID, sourceKey string, ch model.Channel, templateID int64, rec *model.Record) error {
	const op = "send_message"
	tpl, err := s.CampaignRepo.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return appErrors.Terminal(op, err)
		}
		return appErrors.Transient(op, err)
	}
	if ch == "" {
		ch = tpl.Channel
	}

	c := &model.Campaign{
		TenantID: tenantID,
		Name:     fmt.Sprintf("%s: %s #%d", tpl.Name, rec.Kind, rec.ID),
		Channel:  ch,
		Status:   model.CampaignDraft,
		Audience: model.Audience{
			Kind:       model.AudienceRecipients,
			RecordKind: rec.Kind,
			IDs:        []int64{rec.ID},
		},
		Subject:         tpl.Subject,
		ContentTemplate: tpl.Body,
		SourceKey:       sourceKey,
		CreatedAt:       s.now(),
	}
	if err := s.CampaignRepo.CreateCampaign(ctx, c); err != nil {
		return appErrors.Transient(op, err)
	}
	switch c.Status {
	case model.CampaignScheduled, model.CampaignRunning, model.CampaignCompleted:
		return nil
	}
	if _, err := s.Schedule(ctx, tenantID, c.ID, s.now()); err != nil {
		if appErrors.IsValidation(err) {
			return appErrors.Terminal(op, err)
		}
		return appErrors.Transient(op, err)
	}
	return nil
}

// RenderPreview renders the campaign template, or overrideTemplate when
// given, against one recipient.
func (s *CampaignService) RenderPreview(ctx context.Context, tenantID string, campaignID, recipientID int64, overrideTemplate *string) (string, error) {
	campaign, err := s.CampaignRepo.GetCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return "", err
	}

	rec, err := s.RecordRepo.GetRecord(ctx, tenantID, recipientKind(campaign.Audience), recipientID)
	if err != nil {
		return "", err
	}

	tpl := campaign.ContentTemplate
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		tpl = *overrideTemplate
	}
	if strings.TrimSpace(tpl) == "" {
		return "", appErrors.Validation("render preview", "template cannot be empty")
	}

	return template.RenderRecord(tpl, rec), nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, tenantID string, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, tenantID, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, tenantID string, campaignID int64) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}

	counts, err := s.CampaignRepo.GetCampaignStats(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}

	// initialize stats map
	stats := map[string]int{
		"total":     0,
		"sent":      0,
		"delivered": 0,
		"failed":    0,
		"bounced":   0,
	}
	for status, count := range counts {
		if _, ok := stats[status]; ok {
			stats[status] = count
		}
		stats["total"] += count
	}

	return &CampaignDetails{
		ID:              campaign.ID,
		Name:            campaign.Name,
		Channel:         campaign.Channel,
		Status:          campaign.Status,
		ContentTemplate: campaign.ContentTemplate,
		ScheduledAt:     campaign.ScheduledAt,
		CreatedAt:       campaign.CreatedAt,
		UpdatedAt:       campaign.UpdatedAt,
		Stats:           stats,
	}, nil
}

func (s *CampaignService) ListDeliveryLogs(ctx context.Context, tenantID string, campaignID int64) ([]*model.CampaignDeliveryLog, error) {
	if _, err := s.CampaignRepo.GetCampaign(ctx, tenantID, campaignID); err != nil {
		return nil, err
	}
	return s.CampaignRepo.ListDeliveryLogs(ctx, tenantID, campaignID)
}

func (s *CampaignService) CreateTemplate(ctx context.Context, t *model.MessageTemplate) error {
	if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.Body) == "" {
		return appErrors.Validation("create template", "name and body are required")
	}
	if !t.Channel.Valid() {
		return appErrors.Validation("create template", "unknown channel %q", t.Channel)
	}
	return s.CampaignRepo.CreateTemplate(ctx, t)
}
