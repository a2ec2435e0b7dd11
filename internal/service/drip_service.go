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
	"github.com/unclebandit/smsleopard-crm/internal/repository"
	"github.com/unclebandit/smsleopard-crm/internal/template"
)

const defaultDripBatchSize = 100

// DripService enrolls audiences into drips and advances due enrollments.
type DripService struct {
	DripRepo    repository.DripRepositoryInterface
	RecordRepo  repository.RecordRepositoryInterface
	AccountRepo repository.ChannelAccountRepositoryInterface
	Audience    *AudienceResolver
	Sender      Sender
	Alerter     Alerter
	Clock       clock.Clock
	BatchSize   int
}

// SweepResult counts what one advancement pass did.
type SweepResult struct {
	Enrolled int
	Advanced int
	Sent     int
	Failed   int
	Stopped  int
}

func (s *DripService) now() time.Time {
	if s.Clock == nil {
		return clock.Real().Now()
	}
	return s.Clock.Now()
}

func (s *DripService) alert(ctx context.Context, tenantID, subject, detail string) {
	if s.Alerter == nil {
		LogAlerter{}.Alert(ctx, tenantID, subject, detail)
		return
	}
	s.Alerter.Alert(ctx, tenantID, subject, detail)
}

// ValidateDrip checks the drip definition. Steps must be numbered densely
// from 1 with non-negative delays.
func ValidateDrip(d *model.DripCampaign) error {
	const op = "validate drip"
	if strings.TrimSpace(d.Name) == "" {
		return appErrors.Validation(op, "name is required")
	}
	if !d.Channel.Valid() {
		return appErrors.Validation(op, "unknown channel %q", d.Channel)
	}
	if err := ValidateAudience(d.Audience); err != nil {
		return err
	}
	seen := make(map[int]bool, len(d.Steps))
	for _, st := range d.Steps {
		if st.StepNumber < 1 || st.StepNumber > len(d.Steps) || seen[st.StepNumber] {
			return appErrors.Validation(op, "steps must be numbered 1..%d without gaps", len(d.Steps))
		}
		seen[st.StepNumber] = true
		if st.Delay.Std() < 0 {
			return appErrors.Validation(op, "step %d has a negative delay", st.StepNumber)
		}
		if strings.TrimSpace(st.Body) == "" {
			return appErrors.Validation(op, "step %d has an empty body", st.StepNumber)
		}
	}
	return nil
}

func (s *DripService) CreateDrip(ctx context.Context, d *model.DripCampaign) error {
	if err := ValidateDrip(d); err != nil {
		return err
	}
	d.Status = model.DripDraft
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	return s.DripRepo.CreateDrip(ctx, d)
}

func (s *DripService) GetDrip(ctx context.Context, tenantID string, id int64) (*model.DripCampaign, error) {
	return s.DripRepo.GetDrip(ctx, tenantID, id)
}

func (s *DripService) ListEnrollments(ctx context.Context, tenantID string, dripID int64) ([]*model.DripEnrollment, error) {
	if _, err := s.DripRepo.GetDrip(ctx, tenantID, dripID); err != nil {
		return nil, err
	}
	return s.DripRepo.ListEnrollments(ctx, tenantID, dripID)
}

// Activate marks the drip active and enrolls every audience member that
// is not enrolled yet. Stopped enrollments are not resumed.
func (s *DripService) Activate(ctx context.Context, tenantID string, id int64) (int, error) {
	d, err := s.DripRepo.GetDrip(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	if len(d.Steps) == 0 {
		return 0, appErrors.Validation("activate drip", "drip %d has no steps", id)
	}
	if err := s.DripRepo.SetDripStatus(ctx, tenantID, id, model.DripActive); err != nil {
		return 0, err
	}
	d.Status = model.DripActive
	n, err := s.enroll(ctx, d)
	if err != nil {
		return n, err
	}
	log.Printf("✅ tenant=%s drip=%d activated, %d new enrollments", tenantID, id, n)
	return n, nil
}

// Pause stops every active enrollment of the drip.
func (s *DripService) Pause(ctx context.Context, tenantID string, id int64) (int, error) {
	if _, err := s.DripRepo.GetDrip(ctx, tenantID, id); err != nil {
		return 0, err
	}
	if err := s.DripRepo.SetDripStatus(ctx, tenantID, id, model.DripPaused); err != nil {
		return 0, err
	}
	n, err := s.DripRepo.StopActiveEnrollments(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	log.Printf("✅ tenant=%s drip=%d paused, %d enrollments stopped", tenantID, id, n)
	return n, nil
}

func (s *DripService) enroll(ctx context.Context, d *model.DripCampaign) (int, error) {
	first := d.Step(1)
	if first == nil {
		return 0, appErrors.Fatal("enroll", "drip %d has no step 1", d.ID)
	}
	members, err := s.Audience.Resolve(ctx, d.TenantID, d.Audience)
	if err != nil {
		return 0, err
	}
	now := s.now()
	next := now.Add(first.Delay.Std())
	enrolled := 0
	for _, rec := range members {
		e := &model.DripEnrollment{
			TenantID:    d.TenantID,
			DripID:      d.ID,
			RecipientID: rec.ID,
			CurrentStep: 1,
			Status:      model.EnrollmentActive,
			NextSendAt:  &next,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		inserted, err := s.DripRepo.InsertEnrollment(ctx, e)
		if err != nil {
			return enrolled, appErrors.Transient("insert enrollment", err)
		}
		if inserted {
			enrolled++
		}
	}
	return enrolled, nil
}

// Sweep enrolls new audience members of every active drip, then advances
// due enrollments.
func (s *DripService) Sweep(ctx context.Context, tenantID string) (*SweepResult, error) {
	drips, err := s.DripRepo.ListDrips(ctx, tenantID, model.DripActive)
	if err != nil {
		return nil, appErrors.Transient("list drips", err)
	}
	enrolled := 0
	for _, d := range drips {
		n, err := s.enroll(ctx, d)
		if err != nil {
			if appErrors.IsTransient(err) {
				return nil, err
			}
			log.Printf("⚠️ tenant=%s drip=%d enrollment skipped: %v", tenantID, d.ID, err)
			continue
		}
		enrolled += n
	}
	res, err := s.AdvanceDueEnrollments(ctx, tenantID, s.now())
	if res != nil {
		res.Enrolled = enrolled
	}
	return res, err
}

// AdvanceDueEnrollments moves every active enrollment due at now forward
// by at most one step. Sends that fail are recorded and the enrollment
// still advances.
func (s *DripService) AdvanceDueEnrollments(ctx context.Context, tenantID string, now time.Time) (res *SweepResult, err error) {
	ctx, span := startSpan(ctx, "drip.advance", tenantID)
	defer func() { endSpan(span, err) }()

	batch := s.BatchSize
	if batch <= 0 {
		batch = defaultDripBatchSize
	}
	res = &SweepResult{}
	seen := make(map[int64]bool)
	drips := make(map[int64]*model.DripCampaign)
	accounts := make(map[model.Channel]*model.ChannelAccount)

	var cursor repository.DueCursor
	for {
		due, err := s.DripRepo.ListDueEnrollments(ctx, tenantID, now, cursor, batch)
		if err != nil {
			return res, appErrors.Transient("list due enrollments", err)
		}
		for _, e := range due {
			cursor = repository.DueCursor{NextSendAt: *e.NextSendAt, ID: e.ID}
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			if err := s.advance(ctx, e, now, drips, accounts, res); err != nil {
				return res, err
			}
		}
		if len(due) < batch {
			break
		}
	}
	span.SetAttributes(attribute.Int("drip.advanced", res.Advanced), attribute.Int("drip.failed", res.Failed))
	return res, nil
}

func (s *DripService) advance(ctx context.Context, e *model.DripEnrollment, now time.Time, drips map[int64]*model.DripCampaign, accounts map[model.Channel]*model.ChannelAccount, res *SweepResult) error {
	tenantID := e.TenantID
	d, ok := drips[e.DripID]
	if !ok {
		loaded, err := s.DripRepo.GetDrip(ctx, tenantID, e.DripID)
		if err != nil && !appErrors.IsNotFound(err) {
			return appErrors.Transient("load drip", err)
		}
		d = loaded
		drips[e.DripID] = d
	}
	if d == nil {
		return s.stopBroken(ctx, e, res, appErrors.Fatal("advance enrollment", "enrollment %d references missing drip %d", e.ID, e.DripID))
	}
	step := d.Step(e.CurrentStep)
	if step == nil {
		return s.stopBroken(ctx, e, res, appErrors.Fatal("advance enrollment", "enrollment %d references missing step %d of drip %d", e.ID, e.CurrentStep, d.ID))
	}

	prior, err := s.DripRepo.GetDripDelivery(ctx, tenantID, e.ID, step.StepNumber)
	if err != nil {
		return appErrors.Transient("load drip delivery", err)
	}
	if prior == nil {
		row := s.send(ctx, d, step, e, accounts)
		if _, err := s.DripRepo.InsertDripDelivery(ctx, row); err != nil {
			return appErrors.Transient("write drip delivery", err)
		}
		if row.Status == model.DeliveryFailed {
			res.Failed++
		} else {
			res.Sent++
		}
	}

	var moved bool
	if next := d.Step(step.StepNumber + 1); next != nil {
		at := now.Add(next.Delay.Std())
		moved, err = s.DripRepo.AdvanceEnrollment(ctx, tenantID, e.ID, step.StepNumber, next.StepNumber, model.EnrollmentActive, &at)
	} else {
		moved, err = s.DripRepo.AdvanceEnrollment(ctx, tenantID, e.ID, step.StepNumber, step.StepNumber, model.EnrollmentCompleted, nil)
	}
	if err != nil {
		return appErrors.Transient("advance enrollment", err)
	}
	if moved {
		res.Advanced++
	}
	return nil
}

// send materializes and sends one step. Failures are folded into the
// returned row rather than returned.
func (s *DripService) send(ctx context.Context, d *model.DripCampaign, step *model.DripStep, e *model.DripEnrollment, accounts map[model.Channel]*model.ChannelAccount) *model.DripDelivery {
	row := &model.DripDelivery{
		TenantID:     e.TenantID,
		EnrollmentID: e.ID,
		StepNumber:   step.StepNumber,
		Status:       model.DeliveryFailed,
		CreatedAt:    s.now(),
	}

	rec, err := s.RecordRepo.GetRecord(ctx, e.TenantID, recipientKind(d.Audience), e.RecipientID)
	if err == nil && rec.Deleted() {
		err = appErrors.NotFound(string(rec.Kind), rec.ID)
	}
	if err != nil {
		row.ErrorMessage = fmt.Sprintf("load recipient: %v", err)
		log.Printf("⚠️ tenant=%s drip=%d enrollment=%d step=%d: %s", e.TenantID, d.ID, e.ID, step.StepNumber, row.ErrorMessage)
		return row
	}

	account, ok := accounts[d.Channel]
	if !ok {
		account, err = s.AccountRepo.GetDefaultAccount(ctx, e.TenantID, d.Channel)
		if err != nil {
			row.ErrorMessage = fmt.Sprintf("load channel account: %v", err)
			log.Printf("⚠️ tenant=%s drip=%d enrollment=%d step=%d: %s", e.TenantID, d.ID, e.ID, step.StepNumber, row.ErrorMessage)
			return row
		}
		accounts[d.Channel] = account
	}

	content := channel.Content{
		Subject: template.RenderRecord(step.Subject, rec),
		Body:    template.RenderRecord(step.Body, rec),
	}
	receipt, err := s.Sender.Send(ctx, e.TenantID, account, rec.String(d.Channel.AddressField()), content)
	if err != nil {
		row.ErrorMessage = err.Error()
		log.Printf("⚠️ tenant=%s drip=%d enrollment=%d step=%d send failed: %v", e.TenantID, d.ID, e.ID, step.StepNumber, err)
		return row
	}
	row.Status = model.DeliverySent
	row.ProviderMessageID = receipt.ProviderMessageID
	return row
}

func (s *DripService) stopBroken(ctx context.Context, e *model.DripEnrollment, res *SweepResult, fatal error) error {
	if err := s.DripRepo.StopEnrollment(ctx, e.TenantID, e.ID); err != nil {
		return appErrors.Transient("stop enrollment", err)
	}
	res.Stopped++
	s.alert(ctx, e.TenantID, "drip enrollment stopped", fatal.Error())
	return nil
}
